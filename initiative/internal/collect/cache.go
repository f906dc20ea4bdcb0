package collect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hazyhaar/etabli/horosafe"
)

// Cache is the on-disk store of collected artefacts, laid out as
//
//	websites/<id>.html
//	websites/<id>.md
//	websites/<id>.fingerprint.json
//	repositories/<id>/            (checkout)
//	repositories/<id>.analysis.json
//
// Files are written atomically (write .tmp then rename) so that an
// interrupted run never leaves a truncated artefact behind.
type Cache struct {
	root string
}

// NewCache creates a Cache rooted at dir. Directories are created on
// first write.
func NewCache(dir string) *Cache { return &Cache{root: dir} }

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// RepositoriesDir is where checkouts live.
func (c *Cache) RepositoriesDir() string { return filepath.Join(c.root, "repositories") }

func websiteFile(id, suffix string) string    { return "websites/" + id + suffix }
func repositoryFile(id, suffix string) string { return "repositories/" + id + suffix }

// Path resolves rel inside the cache.
func (c *Cache) Path(rel string) (string, error) {
	return horosafe.SafePath(c.root, rel)
}

// Read returns the content at rel and whether it exists.
func (c *Cache) Read(rel string) ([]byte, bool, error) {
	path, err := c.Path(rel)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("collect: read cache %s: %w", rel, err)
	}
	return data, true, nil
}

// Write stores data at rel atomically.
func (c *Cache) Write(rel string, data []byte) error {
	target, err := c.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("collect: mkdir %s: %w", filepath.Dir(target), err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("collect: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("collect: rename: %w", err)
	}
	return nil
}

// ReadJSON decodes the JSON at rel into v. It reports false when absent.
func (c *Cache) ReadJSON(rel string, v any) (bool, error) {
	data, ok, err := c.Read(rel)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("collect: decode cache %s: %w", rel, err)
	}
	return true, nil
}

// WriteJSON stores v as indented JSON at rel.
func (c *Cache) WriteJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("collect: encode cache %s: %w", rel, err)
	}
	return c.Write(rel, data)
}
