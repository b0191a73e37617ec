// Manager lists, creates, activates and deletes projects.

package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	ferrors "github.com/maruel/flowtabs/internal/errors"
	"github.com/maruel/flowtabs/internal/storage/flows"
	"github.com/maruel/flowtabs/internal/storage/git"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

// Manager owns the projects directory and the active project of a Store.
type Manager struct {
	dir    string
	store  *flows.Store
	author git.Author

	mu     sync.Mutex
	active *Project
}

// NewManager returns a Manager for the projects under dir. Activating a
// project switches store to it.
func NewManager(dir string, store *flows.Store, author git.Author) *Manager {
	return &Manager{dir: dir, store: store, author: author}
}

// Dir returns the projects directory.
func (m *Manager) Dir() string {
	return m.dir
}

// path resolves a project name. A name containing a path separator is used
// as a path as is.
func (m *Manager) path(name string) string {
	if strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(m.dir, name)
}

// List returns the project names, sorted case-insensitively. Hidden entries
// and anything that is not a directory are ignored.
func (m *Manager) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	slices.SortStableFunc(names, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return names, nil
}

// CreateOptions configures a new project.
type CreateOptions struct {
	// Description goes to package.json.
	Description string
	// FlowFile is the flow file name; defaults to "flow.json".
	FlowFile string
}

// Create initializes a project: a git repository with a package.json, a
// README.md and an empty flow file, committed.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*Project, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid project name %q", name)
	}
	dir := m.path(name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("project %q already exists", name)
	}
	if opts.FlowFile == "" {
		opts.FlowFile = "flow.json"
	}
	repo, err := git.Open(ctx, dir, m.author.Name, m.author.Email)
	if err != nil {
		return nil, err
	}

	type settings struct {
		FlowFile        string `json:"flowFile"`
		CredentialsFile string `json:"credentialsFile"`
	}
	manifest := struct {
		Name         string            `json:"name"`
		Description  string            `json:"description"`
		Version      string            `json:"version"`
		Dependencies map[string]string `json:"dependencies"`
		NodeRED      struct {
			Settings settings `json:"settings"`
		} `json:"node-red"`
	}{
		Name:         name,
		Description:  opts.Description,
		Version:      "0.0.1",
		Dependencies: map[string]string{},
	}
	manifest.NodeRED.Settings = settings{
		FlowFile:        opts.FlowFile,
		CredentialsFile: filepath.Base(CredentialsPath(opts.FlowFile)),
	}
	pkg, err := json.MarshalIndent(manifest, "", "    ")
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{
		PackageFile:   pkg,
		"README.md":   []byte("# " + name + "\n\n" + opts.Description + "\n"),
		opts.FlowFile: []byte("[]"),
	}
	err = repo.CommitTx(ctx, m.author, func() (string, []string, error) {
		var names []string
		for f, data := range files {
			if err := flows.WriteFile(filepath.Join(dir, f), data, "", 0o644); err != nil {
				return "", nil, err
			}
			names = append(names, f)
		}
		slices.Sort(names)
		return "Create project", names, nil
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create project %q: %w", name, err), os.RemoveAll(dir))
	}
	slog.InfoContext(ctx, "Created project", "project", name, "dir", dir)
	return Load(ctx, dir, m.author)
}

// SetActive loads the named project and makes it the store's active project.
func (m *Manager) SetActive(ctx context.Context, name string) (*Project, error) {
	dir := m.path(name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("project %q not found", name)
	}
	p, err := Load(ctx, dir, m.author)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active = p
	m.mu.Unlock()
	m.store.SetProject(p)
	slog.InfoContext(ctx, "Active project", "project", p.Name(), "flowFile", p.FlowFile())
	return p, nil
}

// Delete removes a project directory. The active project cannot be deleted.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil && active.Name() == name {
		return ferrors.CannotDeleteActiveProject(name)
	}
	dir := m.path(name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("project %q not found: %w", name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete project %q: %w", name, err)
	}
	slog.InfoContext(ctx, "Deleted project", "project", name)
	return nil
}
