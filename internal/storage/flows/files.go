// Discovery of per-tab flow files.

package flows

import (
	"os"
	"path/filepath"
	"strings"
)

// TabFileSuffix is the file name suffix of per-tab flow files.
const TabFileSuffix = ".flows.json"

// Discover walks root recursively and returns every regular file named
// *.flows.json, in lexicographic order at each directory level.
//
// Unreadable directories are skipped; a missing or unreadable root yields no
// file. Symlinked directories are not followed.
func Discover(root string) []string {
	var files []string
	discover(root, &files)
	return files
}

func discover(dir string, files *[]string) {
	// os.ReadDir returns entries sorted by file name.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		switch mode := entry.Type(); {
		case mode.IsDir():
			discover(p, files)
		case mode.IsRegular():
			if isTabFile(entry.Name()) {
				*files = append(*files, p)
			}
		case mode&os.ModeSymlink != 0:
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && isTabFile(entry.Name()) {
				*files = append(*files, p)
			}
		}
	}
}

// isTabFile matches hidden names too: a tab id may start with a dot, and
// backups and temporary files never end with TabFileSuffix.
func isTabFile(name string) bool {
	return strings.HasSuffix(name, TabFileSuffix)
}

// FileRegistry is the set of per-tab files known under a root directory.
type FileRegistry struct {
	root  string
	paths []string
	known map[string]struct{}
}

// NewFileRegistry returns an empty registry for root.
func NewFileRegistry(root string) *FileRegistry {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &FileRegistry{root: root, known: map[string]struct{}{}}
}

// Root returns the directory the registry scans.
func (r *FileRegistry) Root() string {
	return r.root
}

// Refresh replaces the registry content with a fresh scan of the root.
func (r *FileRegistry) Refresh() []string {
	r.paths = Discover(r.root)
	r.known = make(map[string]struct{}, len(r.paths))
	for _, p := range r.paths {
		r.known[p] = struct{}{}
	}
	return r.Paths()
}

// Paths returns the known paths in discovery order.
func (r *FileRegistry) Paths() []string {
	return append([]string(nil), r.paths...)
}

// Contains reports whether path was seen by the last scan.
func (r *FileRegistry) Contains(path string) bool {
	_, ok := r.known[path]
	return ok
}

// Len returns the number of known paths.
func (r *FileRegistry) Len() int {
	return len(r.paths)
}
