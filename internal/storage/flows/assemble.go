// Loading: joins the primary flow file and the per-tab files into one document.

package flows

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentIO bounds the number of files read or written at once.
const maxConcurrentIO = 16

// GetFlows loads the flow document.
//
// The primary flow file comes first, followed by the per-tab files in
// discovery order, followed by the reconciled tabless nodes. A file that
// cannot be read or decoded contributes nothing; it never fails the load.
//
// When a project is active, its state is checked before any file is read.
func (s *Store) GetFlows(ctx context.Context) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLoad(); err != nil {
		slog.WarnContext(ctx, "Cannot load flows", "err", err)
		return nil, err
	}
	first := !s.flowFileExists
	s.flowFileExists = true

	paths := s.files.Refresh()
	if first {
		slog.InfoContext(ctx, "Flow files", "primary", s.flowFile, "dir", s.files.Root(), "count", len(paths))
	}
	for _, p := range paths {
		slog.DebugContext(ctx, "Flow file", "path", p)
	}

	var primary []Node
	perTab := make([][]Node, len(paths))
	var g errgroup.Group
	g.SetLimit(maxConcurrentIO)
	if s.flowFile != "" {
		g.Go(func() error {
			primary = readNodes(s.flowFile, s.flowFileBackup)
			return nil
		})
	}
	for i, p := range paths {
		g.Go(func() error {
			perTab[i] = readNodes(p, BackupPath(p))
			return nil
		})
	}
	_ = g.Wait()

	// Tabless nodes are always written after the tab content, so only the
	// tail of each file is examined.
	primary = s.stripTabless(primary)
	member := map[string]struct{}{}
	for i := range perTab {
		perTab[i] = s.stripTabless(perTab[i])
		for _, n := range perTab[i] {
			if n.IsObject() {
				member[n.ID()] = struct{}{}
			}
		}
	}

	var doc []Node
	for _, n := range primary {
		// A node already split into a per-tab file supersedes the copy left
		// in the primary file.
		if !n.IsObject() {
			doc = append(doc, n)
			continue
		}
		if _, ok := member[n.ID()]; ok {
			continue
		}
		doc = append(doc, n)
		member[n.ID()] = struct{}{}
	}
	for _, nodes := range perTab {
		doc = append(doc, nodes...)
	}
	for id := range member {
		s.tabless.Remove(id)
	}
	doc = append(doc, s.tabless.Nodes()...)
	if doc == nil {
		doc = []Node{}
	}
	return doc, nil
}

// stripTabless removes the trailing tabless and malformed elements of nodes,
// feeding the tabless ones to the registry.
func (s *Store) stripTabless(nodes []Node) []Node {
	j := len(nodes)
	for j > 0 {
		n := nodes[j-1]
		if !n.IsObject() {
			j--
			continue
		}
		if n.IsTab() || n.HasZ() {
			break
		}
		s.tabless.Ingest(n)
		j--
	}
	return nodes[:j]
}

// readNodes reads a JSON array of nodes from path, with backup fallback.
func readNodes(path, backupPath string) []Node {
	data, _ := readValid(path, backupPath, []byte("[]"), isArray)
	nodes, err := ParseDocument(data)
	if err != nil {
		slog.Warn("Failed to decode flow file", "path", path, "err", err)
		return nil
	}
	return nodes
}

func isArray(b []byte) bool {
	return gjson.ValidBytes(b) && gjson.ParseBytes(b).IsArray()
}
