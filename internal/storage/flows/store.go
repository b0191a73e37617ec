// Package flows stores a flow document as one JSON file per tab.
//
// A flow document is a flat list of nodes. Nodes of type "tab" or "subflow"
// define a tab; other nodes point at their tab through "z". The Store splits
// the document into <root>/<tab name>/<tab id>.flows.json files on save and
// joins them back on load. Nodes without a tab (configuration nodes) are
// copied into every tab file that mentions their id, and reconciled on load
// by their "_ts" timestamp.
package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	ferrors "github.com/maruel/flowtabs/internal/errors"
)

// Project is the active project gating loads and saves.
type Project interface {
	Name() string
	FlowFile() string
	FlowFileBackup() string
	CredentialsFile() string
	CredentialsFileBackup() string
	// IsEmpty reports whether the project's repository has no commit.
	IsEmpty() bool
	// IsMerging reports whether the project has an unresolved merge.
	IsMerging() bool
	// MissingFiles lists the expected project files that do not exist.
	MissingFiles() []string
}

// Publisher receives the full document after every successful save.
type Publisher interface {
	Publish(ctx context.Context, doc []Node) error
}

// Options configures a Store.
type Options struct {
	// UserDir holds the per-tab root, "<UserDir>/flows".
	UserDir string
	// FlowFile is the primary flow file, read on load and never written.
	FlowFile string
	// CredentialsFile is the credentials file used when no project is active.
	CredentialsFile string
	// Pretty writes files with 4-space indentation.
	Pretty bool
	// ReadOnly turns saves into no-ops.
	ReadOnly bool
	// SortFlows sorts each tab file by (z, type, id) with the tab node first.
	SortFlows bool
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Store is the flow storage for one user directory.
//
// It owns the tabless registry, the per-tab file registry and the active
// file paths. Store is safe for concurrent use: loads, saves and project
// switches run one at a time.
type Store struct {
	mu sync.Mutex

	opts      Options
	files     *FileRegistry
	tabless   *TablessRegistry
	project   Project
	publisher Publisher

	flowFile              string
	flowFileBackup        string
	credentialsFile       string
	credentialsFileBackup string
	flowFileExists        bool
	lastSave              time.Time
}

// New returns a Store for opts.
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts:    opts,
		files:   NewFileRegistry(filepath.Join(opts.UserDir, "flows")),
		tabless: NewTablessRegistry(),
	}
	s.setPaths(nil)
	return s
}

// SetProject makes p the active project; nil returns to the configured files.
func (s *Store) SetProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = p
	s.setPaths(p)
}

// Project returns the active project, if any.
func (s *Store) Project() Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// SetPublisher sets the destination of documents after each save.
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

func (s *Store) setPaths(p Project) {
	if p != nil {
		s.flowFile = p.FlowFile()
		s.flowFileBackup = p.FlowFileBackup()
		s.credentialsFile = p.CredentialsFile()
		s.credentialsFileBackup = p.CredentialsFileBackup()
		return
	}
	s.flowFile = s.opts.FlowFile
	s.flowFileBackup = ""
	if s.flowFile != "" {
		s.flowFileBackup = BackupPath(s.flowFile)
	}
	s.credentialsFile = s.opts.CredentialsFile
	s.credentialsFileBackup = ""
	if s.credentialsFile != "" {
		s.credentialsFileBackup = BackupPath(s.credentialsFile)
	}
}

// TabDir returns the root directory of per-tab files.
func (s *Store) TabDir() string {
	return s.files.Root()
}

// FlowFilename returns the base name of the primary flow file.
func (s *Store) FlowFilename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowFile == "" {
		return ""
	}
	return filepath.Base(s.flowFile)
}

// CredentialsFilename returns the base name of the credentials file.
func (s *Store) CredentialsFilename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowFile == "" || s.credentialsFile == "" {
		return ""
	}
	return filepath.Base(s.credentialsFile)
}

// FlowFileExists reports whether flows were loaded or saved at least once.
func (s *Store) FlowFileExists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowFileExists
}

// LastSave returns when the last save completed.
func (s *Store) LastSave() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}

// checkLoad returns the project gate error for a load, if any.
func (s *Store) checkLoad() error {
	p := s.project
	if p == nil {
		return nil
	}
	if p.IsEmpty() {
		return ferrors.ProjectEmpty().WithDetail("project", p.Name())
	}
	for _, f := range p.MissingFiles() {
		if f == "package.json" {
			return ferrors.MissingPackageFile().WithDetail("project", p.Name())
		}
	}
	if p.FlowFile() == "" {
		return ferrors.MissingFlowFile().WithDetail("project", p.Name())
	}
	if p.IsMerging() {
		return ferrors.MergeConflict("load").WithDetail("project", p.Name())
	}
	return nil
}

// GetCredentials returns the credentials document, "{}" when there is none.
func (s *Store) GetCredentials(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credentialsFile == "" {
		return json.RawMessage("{}"), nil
	}
	data, usedDefault := readValid(s.credentialsFile, s.credentialsFileBackup, []byte("{}"), json.Valid)
	if usedDefault {
		slog.DebugContext(ctx, "No credentials file", "path", s.credentialsFile)
	}
	return json.RawMessage(data), nil
}

// SaveCredentials writes the credentials document.
func (s *Store) SaveCredentials(ctx context.Context, creds json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ReadOnly || s.credentialsFile == "" {
		return nil
	}
	var buf bytes.Buffer
	var err error
	if s.opts.Pretty {
		err = json.Indent(&buf, creds, "", "    ")
	} else {
		err = json.Compact(&buf, creds)
	}
	if err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	if err := WriteFile(s.credentialsFile, buf.Bytes(), s.credentialsFileBackup, 0o600); err != nil {
		return err
	}
	slog.DebugContext(ctx, "Saved credentials", "path", s.credentialsFile)
	return nil
}

// removeFile deletes path and its backup, ignoring failures.
func removeFile(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil {
		slog.DebugContext(ctx, "Failed to delete stale flow file", "path", path, "err", err)
		return
	}
	_ = os.Remove(BackupPath(path))
	slog.InfoContext(ctx, "Deleted stale flow file", "path", path)
}
