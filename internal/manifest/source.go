package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/d0labs/aof/internal/infra/filestore"
)

// DirSource resolves a project id to its manifest by reading
// <dir>/<project>.yaml (or .yml), caching the parsed result until the file's
// modification time changes. It is the daemon's concrete ManifestSource.
type DirSource struct {
	dir string

	mu    sync.Mutex
	cache map[string]cachedManifest
}

type cachedManifest struct {
	modTime int64
	m       *Manifest
}

// NewDirSource returns a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir, cache: make(map[string]cachedManifest)}
}

// Get returns the parsed manifest for project, reloading from disk if the
// file has changed since it was last read.
func (d *DirSource) Get(project string) (*Manifest, error) {
	path, err := d.resolve(project)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: no manifest for project %q: %w", project, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cached, ok := d.cache[project]; ok && cached.modTime == info.ModTime().UnixNano() {
		return cached.m, nil
	}

	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	d.cache[project] = cachedManifest{modTime: info.ModTime().UnixNano(), m: m}
	return m, nil
}

func (d *DirSource) resolve(project string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		candidate := filepath.Join(d.dir, project+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("manifest: no manifest file found for project %q in %s", project, d.dir)
}
