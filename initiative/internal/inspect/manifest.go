package inspect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// ManifestInspector reads dependency manifests natively: package.json,
// go.mod, requirements.txt and composer.json. It never reports functions.
type ManifestInspector struct {
	Logger *slog.Logger
}

var manifestSkipDirs = map[string]bool{"node_modules": true, "vendor": true, ".git": true}

// Inspect walks dir and collects declared dependencies. Unreadable or
// malformed manifests are logged and skipped.
func (m *ManifestInspector) Inspect(ctx context.Context, dir string) (*Report, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var deps []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && manifestSkipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		parse := manifestParsers[strings.ToLower(d.Name())]
		if parse == nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("inspect: read manifest", "path", path, "error", err)
			return nil
		}
		found, err := parse(path, data)
		if err != nil {
			logger.Warn("inspect: parse manifest", "path", path, "error", err)
			return nil
		}
		deps = append(deps, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Report{Functions: []string{}, Dependencies: unique(deps)}, nil
}

var manifestParsers = map[string]func(path string, data []byte) ([]string, error){
	"package.json":     parsePackageJSON,
	"go.mod":           parseGoMod,
	"requirements.txt": parseRequirements,
	"composer.json":    parseComposer,
}

func parsePackageJSON(_ string, data []byte) ([]string, error) {
	var pkg struct {
		Dependencies     map[string]string `json:"dependencies"`
		PeerDependencies map[string]string `json:"peerDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	return append(sortedKeys(pkg.Dependencies), sortedKeys(pkg.PeerDependencies)...), nil
}

func parseGoMod(path string, data []byte) ([]string, error) {
	f, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range f.Require {
		if !r.Indirect {
			out = append(out, r.Mod.Path)
		}
	}
	return out, nil
}

func parseRequirements(_ string, data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.IndexAny(line, "=<>~![;@ "); i >= 0 {
			line = line[:i]
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func parseComposer(_ string, data []byte) ([]string, error) {
	var c struct {
		Require map[string]string `json:"require"`
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	var out []string
	for _, name := range sortedKeys(c.Require) {
		if name == "php" || strings.HasPrefix(name, "ext-") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
