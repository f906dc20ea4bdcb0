package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrSemgrepMissing is returned when the semgrep binary is not installed.
var ErrSemgrepMissing = errors.New("inspect: semgrep binary not found")

// tooBigMessage is how semgrep reports a project it cannot parse whole.
// Such runs yield no signal and are not treated as failures.
const tooBigMessage = "Invalid_argument: index out of bounds"

// SemgrepInspector runs semgrep with rules that tag function declarations
// (check ids ending in -extract-functions) and dependency declarations
// (-find-dependencies).
type SemgrepInspector struct {
	Binary    string
	RulesPath string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewSemgrepInspector creates an inspector using the semgrep found in PATH.
func NewSemgrepInspector(rulesPath string, logger *slog.Logger) *SemgrepInspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemgrepInspector{Binary: "semgrep", RulesPath: rulesPath, Timeout: 5 * time.Minute, Logger: logger}
}

// Inspect runs semgrep over dir.
func (s *SemgrepInspector) Inspect(ctx context.Context, dir string) (*Report, error) {
	bin, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSemgrepMissing, err)
	}
	if _, err := os.Stat(s.RulesPath); err != nil {
		return nil, fmt.Errorf("inspect: semgrep rules: %w", err)
	}

	out, err := os.CreateTemp("", "etabli-semgrep-*.json")
	if err != nil {
		return nil, fmt.Errorf("inspect: temp output: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	// --no-git-ignore: .semgrepignore is not honoured for absolute paths.
	cmd := exec.CommandContext(ctx, bin,
		"--metrics=off", "--no-git-ignore",
		"--config", s.RulesPath, filepath.Clean(dir),
		"--json", "-o", outPath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	data, readErr := os.ReadFile(outPath)
	if runErr != nil {
		if readErr == nil && len(data) > 0 {
			if res, perr := parseSemgrep(data); perr == nil && res.onlyTooBig() {
				s.Logger.Info("inspect: semgrep skipped oversized project", "dir", dir)
				return &Report{Functions: []string{}, Dependencies: []string{}}, nil
			}
		}
		return nil, fmt.Errorf("inspect: semgrep: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	if readErr != nil {
		return nil, fmt.Errorf("inspect: semgrep output: %w", readErr)
	}
	return ParseSemgrep(data)
}

type semgrepOutput struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Extra   struct {
			Metavars map[string]struct {
				AbstractContent string `json:"abstract_content"`
			} `json:"metavars"`
		} `json:"extra"`
	} `json:"results"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (o *semgrepOutput) onlyTooBig() bool {
	if len(o.Errors) == 0 {
		return false
	}
	for _, e := range o.Errors {
		if !strings.Contains(e.Message, tooBigMessage) {
			return false
		}
	}
	return true
}

func parseSemgrep(data []byte) (*semgrepOutput, error) {
	var o semgrepOutput
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("inspect: decode semgrep output: %w", err)
	}
	return &o, nil
}

// ParseSemgrep turns semgrep JSON output into a Report. Function names that
// are not meaningful are dropped; results of other rules are ignored.
func ParseSemgrep(data []byte) (*Report, error) {
	o, err := parseSemgrep(data)
	if err != nil {
		return nil, err
	}
	var functions, deps []string
	for _, r := range o.Results {
		mv := r.Extra.Metavars
		switch {
		case strings.HasSuffix(r.CheckID, "-extract-functions"):
			if name := mv["$FUNC"].AbstractContent; name != "" && IsMeaningfulFunction(name) {
				functions = append(functions, name)
			}
		case strings.HasSuffix(r.CheckID, "-find-dependencies"):
			// Rules that must strip quotes capture into $1.
			if dep := mv["$1"].AbstractContent; dep != "" {
				deps = append(deps, dep)
			} else if dep := mv["$DEPENDENCY_NAME"].AbstractContent; dep != "" {
				deps = append(deps, dep)
			}
		}
	}
	return &Report{Functions: unique(functions), Dependencies: unique(deps)}, nil
}
