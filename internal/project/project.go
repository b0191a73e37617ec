// Package project manages the git-backed projects a flow store can switch to.
//
// A project is a directory holding a git repository and a package.json whose
// "node-red.settings" object names the flow and credentials files.
package project

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maruel/flowtabs/internal/storage/flows"
	"github.com/maruel/flowtabs/internal/storage/git"
)

// PackageFile is the name of the project manifest.
const PackageFile = "package.json"

// Project is a loaded project. It implements flows.Project.
type Project struct {
	name            string
	dir             string
	repo            *git.Repo
	flowFile        string
	credentialsFile string
	missing         []string
}

var _ flows.Project = (*Project)(nil)

// Load opens the project in dir and reads its manifest.
//
// A missing or unreadable manifest is not an error: it is reported by
// MissingFiles and leaves the project without a flow file.
func Load(ctx context.Context, dir string, author git.Author) (*Project, error) {
	repo, err := git.Open(ctx, dir, author.Name, author.Email)
	if err != nil {
		return nil, err
	}
	p := &Project{name: filepath.Base(dir), dir: dir, repo: repo}
	data, err := os.ReadFile(filepath.Join(dir, PackageFile)) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "Failed to read project manifest", "project", p.name, "err", err)
		}
		p.missing = append(p.missing, PackageFile)
		return p, nil
	}
	settings := gjson.GetBytes(data, "node-red.settings")
	if f := settings.Get("flowFile").String(); f != "" {
		p.flowFile = filepath.Join(dir, filepath.FromSlash(f))
		if c := settings.Get("credentialsFile").String(); c != "" {
			p.credentialsFile = filepath.Join(dir, filepath.FromSlash(c))
		} else {
			p.credentialsFile = CredentialsPath(p.flowFile)
		}
		if _, err := os.Stat(p.flowFile); errors.Is(err, os.ErrNotExist) {
			p.missing = append(p.missing, f)
		}
	}
	return p, nil
}

// CredentialsPath returns the credentials file paired with a flow file:
// "<dir>/<base>_cred<ext>".
func CredentialsPath(flowFile string) string {
	ext := filepath.Ext(flowFile)
	base := strings.TrimSuffix(filepath.Base(flowFile), ext)
	return filepath.Join(filepath.Dir(flowFile), base+"_cred"+ext)
}

// Name returns the project name, the base name of its directory.
func (p *Project) Name() string { return p.name }

// Dir returns the project directory.
func (p *Project) Dir() string { return p.dir }

// Repo returns the project's git repository.
func (p *Project) Repo() *git.Repo { return p.repo }

// FlowFile returns the absolute flow file path, "" when none is configured.
func (p *Project) FlowFile() string { return p.flowFile }

// FlowFileBackup returns the backup of the flow file.
func (p *Project) FlowFileBackup() string {
	if p.flowFile == "" {
		return ""
	}
	return flows.BackupPath(p.flowFile)
}

// CredentialsFile returns the absolute credentials file path.
func (p *Project) CredentialsFile() string { return p.credentialsFile }

// CredentialsFileBackup returns the backup of the credentials file.
func (p *Project) CredentialsFileBackup() string {
	if p.credentialsFile == "" {
		return ""
	}
	return flows.BackupPath(p.credentialsFile)
}

// IsEmpty reports whether the repository has no commit.
func (p *Project) IsEmpty() bool {
	empty, err := p.repo.IsEmpty(context.Background())
	if err != nil {
		slog.Warn("Failed to inspect project repository", "project", p.name, "err", err)
		return false
	}
	return empty
}

// IsMerging reports whether the repository has a merge in progress.
func (p *Project) IsMerging() bool {
	merging, err := p.repo.IsMerging(context.Background())
	if err != nil {
		slog.Warn("Failed to inspect project repository", "project", p.name, "err", err)
		return false
	}
	return merging
}

// MissingFiles lists the project files that were expected but not found
// when the project was loaded, relative to the project directory.
func (p *Project) MissingFiles() []string {
	return append([]string(nil), p.missing...)
}
