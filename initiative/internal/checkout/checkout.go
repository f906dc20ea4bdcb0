// Package checkout keeps a pruned, shallow copy of each repository on disk.
//
// A checkout is a single-branch clone at depth 1 from which everything the
// analysis never reads is removed: files over the size cap, files outside
// the keep list and the .git directory. The fetch time is recorded in a
// marker file so that checkouts are reused until they expire.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/horosafe"
)

// MarkerFile records the fetch time of a checkout, in unix milliseconds.
const MarkerFile = ".etabli-fetched-at"

// CloneFunc clones url into the empty directory dir. branch may be empty
// for the remote default.
type CloneFunc func(ctx context.Context, dir, url, branch string) error

// ShallowClone is the default CloneFunc: depth 1, one branch, no tags.
func ShallowClone(ctx context.Context, dir, url, branch string) error {
	opts := &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	_, err := git.PlainCloneContext(ctx, dir, false, opts)
	return err
}

// Config configures a Cloner.
type Config struct {
	// Root is the directory holding one checkout per repository ID.
	Root string

	// MaxFileSize drops larger files after clone. Default: 200 KB.
	MaxFileSize int64

	// Freshness is how long a checkout is reused. Default: 30 days.
	Freshness time.Duration

	// Clone performs the clone. Default: ShallowClone.
	Clone CloneFunc

	Policy horosafe.URLPolicy
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 200 * 1024
	}
	if c.Freshness <= 0 {
		c.Freshness = 30 * 24 * time.Hour
	}
	if c.Clone == nil {
		c.Clone = ShallowClone
	}
	if c.Policy.Schemes == nil {
		c.Policy = horosafe.GitPolicy
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Cloner maintains checkouts under Config.Root.
type Cloner struct {
	cfg Config
	now func() time.Time
}

// NewCloner creates a Cloner.
func NewCloner(cfg Config) *Cloner {
	cfg.defaults()
	return &Cloner{cfg: cfg, now: time.Now}
}

// Result describes a checkout.
type Result struct {
	Dir string
	// Fetched is true when the repository was cloned during this call.
	Fetched bool
	// Kept and Removed count files after pruning. Zero on reuse.
	Kept    int
	Removed int
}

// Checkout returns the checkout of repository id, cloning it when absent,
// expired or when force is set. Clone failures caused by the network or by
// a missing remote are reachability faults.
func (c *Cloner) Checkout(ctx context.Context, id, url, branch string, force bool) (*Result, error) {
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	dir, err := horosafe.SafePath(c.cfg.Root, id)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	if !force {
		if fetchedAt, ok := c.fetchedAt(dir); ok && c.now().Sub(fetchedAt) < c.cfg.Freshness {
			return &Result{Dir: dir}, nil
		}
	}

	if err := c.cfg.Policy.Check(url); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("checkout: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("checkout: mkdir: %w", err)
	}

	c.cfg.Logger.Info("checkout: cloning", "id", id, "url", url)
	if err := c.cfg.Clone(ctx, dir, url, branch); err != nil {
		os.RemoveAll(dir)
		return nil, classifyClone(err)
	}

	kept, removed, err := Prune(dir, c.cfg.MaxFileSize)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("checkout: prune: %w", err)
	}
	stamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(stamp), 0o644); err != nil {
		return nil, fmt.Errorf("checkout: marker: %w", err)
	}
	c.cfg.Logger.Info("checkout: pruned", "id", id, "kept", kept, "removed", removed)
	return &Result{Dir: dir, Fetched: true, Kept: kept, Removed: removed}, nil
}

func (c *Cloner) fetchedAt(dir string) (time.Time, bool) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func classifyClone(err error) error {
	if errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return faults.Reachability("checkout.clone", err)
	}
	return faults.ClassifyNetwork("checkout.clone", fmt.Errorf("checkout: clone: %w", err))
}

// Prune removes .git, files over maxSize and files the analysis does not
// read. Empty directories are left in place.
func Prune(dir string, maxSize int64) (kept, removed int, err error) {
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return 0, 0, err
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				n, err := countFiles(path)
				if err != nil {
					return err
				}
				removed += n
				if err := os.RemoveAll(path); err != nil {
					return err
				}
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || info.Size() > maxSize || !Keep(path) {
			removed++
			return os.Remove(path)
		}
		kept++
		return nil
	})
	return kept, removed, err
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	})
	return n, err
}
