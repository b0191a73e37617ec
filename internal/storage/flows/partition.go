// Saving: splits a document into one file per tab.

package flows

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	ferrors "github.com/maruel/flowtabs/internal/errors"
)

// reattachPasses is the number of extra passes looking for tabless nodes
// referenced by tabless nodes already attached to a tab.
const reattachPasses = 2

var unsafeName = regexp.MustCompile(`[?/\\*:><" ,-]+`)

// SanitizeName turns a tab label into a directory name.
func SanitizeName(name string) string {
	return unsafeName.ReplaceAllString(name, "-")
}

// bucket is the content of one tab file.
type bucket struct {
	id    string
	name  string
	nodes []Node
}

// TabPath returns the file a tab is saved to:
// <root>/<sanitized tab name>/<tab id>.flows.json.
func TabPath(root, tabName, tabID string) string {
	return filepath.Join(root, pathSegment(SanitizeName(tabName), tabID), pathSegment(tabID, "tab")+TabFileSuffix)
}

// pathSegment returns the first of s, fallback and their sanitized forms that
// is usable as a single path element.
func pathSegment(s, fallback string) string {
	for _, c := range [...]string{s, SanitizeName(s), SanitizeName(fallback)} {
		if c != "" && c != "." && c != ".." && filepath.Base(c) == c {
			return c
		}
	}
	return "_"
}

// SaveFlows saves the document, one file per tab.
//
// Tab files no longer produced by the document are deleted. When a project is
// active and merging, nothing is written. Write failures are returned joined;
// files already written are kept and stale files are not deleted.
func (s *Store) SaveFlows(ctx context.Context, doc []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ReadOnly {
		return nil
	}
	if s.project != nil && s.project.IsMerging() {
		return ferrors.MergeConflict("deploy new").WithDetail("project", s.project.Name())
	}
	s.flowFileExists = true

	stale := s.files.Refresh()
	buckets, fresh, doc := s.partition(doc)
	if len(buckets) == 0 && len(fresh) > 0 {
		slog.WarnContext(ctx, "No tab to store tabless nodes in, they are kept in memory only", "count", len(fresh))
	}
	s.reattach(buckets, fresh)

	type write struct {
		path string
		data []byte
	}
	writes := make([]write, 0, len(buckets))
	written := map[string]struct{}{}
	for _, b := range buckets {
		if s.opts.SortFlows {
			sortBucket(b.nodes)
		}
		data, err := MarshalDocument(b.nodes, s.opts.Pretty)
		if err != nil {
			return fmt.Errorf("failed to encode tab %s: %w", b.id, err)
		}
		p := TabPath(s.files.Root(), b.name, b.id)
		if _, dup := written[p]; dup {
			// Distinct ids can sanitize alike, e.g. "a/b" and "a-b".
			base := strings.TrimSuffix(p, TabFileSuffix)
			for i := 2; ; i++ {
				p = fmt.Sprintf("%s-%d%s", base, i, TabFileSuffix)
				if _, dup := written[p]; !dup {
					break
				}
			}
			slog.WarnContext(ctx, "Two tabs map to the same file", "path", p, "tab", b.id)
		}
		written[p] = struct{}{}
		writes = append(writes, write{path: p, data: data})
	}

	errs := make([]error, len(writes))
	var g errgroup.Group
	g.SetLimit(maxConcurrentIO)
	for i, w := range writes {
		g.Go(func() error {
			errs[i] = WriteFile(w.path, w.data, BackupPath(w.path), 0o644)
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "Failed to save flows", "err", err)
		return err
	}

	for _, p := range stale {
		if _, ok := written[p]; !ok {
			removeFile(ctx, p)
		}
	}
	s.lastSave = s.opts.Now()
	slog.InfoContext(ctx, "Saved flows", "tabs", len(buckets), "nodes", len(doc))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, doc); err != nil {
			slog.WarnContext(ctx, "Failed to publish flows", "err", err)
		}
	}
	return nil
}

// partition groups doc by tab and feeds the tabless nodes to the registry.
// It returns the buckets in first-seen order, the ids of the tabless nodes in
// doc and doc with the tabless nodes carrying their updated _ts.
func (s *Store) partition(doc []Node) ([]*bucket, []string, []Node) {
	var order []*bucket
	byID := map[string]*bucket{}
	get := func(id string) *bucket {
		b, ok := byID[id]
		if !ok {
			b = &bucket{id: id, name: id}
			byID[id] = b
			order = append(order, b)
		}
		return b
	}
	now := s.opts.Now().UnixMilli()
	var fresh []string
	out := slices.Clone(doc)
	for i, n := range doc {
		switch {
		case n.IsTab():
			b := get(n.ID())
			if l := n.Label(); l != "" {
				b.name = l
			}
			b.nodes = append(b.nodes, n)
			s.tabless.Remove(n.ID())
		case n.HasZ():
			b := get(n.Z())
			b.nodes = append(b.nodes, n)
			s.tabless.Remove(n.ID())
		case n.IsObject():
			out[i] = s.tabless.Stamp(n, now)
			s.tabless.Ingest(out[i])
			fresh = append(fresh, n.ID())
		}
	}
	return order, fresh, out
}

// reattach appends to each bucket the tabless nodes whose id appears in its
// content.
//
// Containment is textual: an id mentioned anywhere in the tab, or in a
// tabless node already attached, counts as a reference. This finds false
// positives on coincidental substrings and misses references deeper than
// reattachPasses levels. Tabless nodes of the document that no tab mentions
// are appended to the first tab so they are not lost.
func (s *Store) reattach(buckets []*bucket, fresh []string) {
	ids := s.tabless.IDs()
	claimed := map[string]struct{}{}
	for _, b := range buckets {
		var staged []Node
		seen := map[string]struct{}{}
		for pass := 0; pass <= reattachPasses; pass++ {
			text, err := MarshalDocument(slices.Concat(b.nodes, staged), false)
			if err != nil {
				break
			}
			modified := false
			for _, id := range ids {
				if _, ok := seen[id]; ok || id == "" {
					continue
				}
				if bytes.Contains(text, []byte(id)) {
					n, _ := s.tabless.Get(id)
					staged = append(staged, n)
					seen[id] = struct{}{}
					claimed[id] = struct{}{}
					modified = true
				}
			}
			if !modified {
				break
			}
		}
		b.nodes = append(b.nodes, staged...)
	}
	if len(buckets) == 0 {
		return
	}
	first := buckets[0]
	for _, id := range fresh {
		if _, ok := claimed[id]; ok {
			continue
		}
		if n, ok := s.tabless.Get(id); ok {
			first.nodes = append(first.nodes, n)
			claimed[id] = struct{}{}
		}
	}
}

// sortBucket orders nodes by (z, type, id), missing fields last, then moves
// the tab node to the front.
func sortBucket(nodes []Node) {
	slices.SortStableFunc(nodes, func(a, b Node) int {
		for _, field := range [...]string{"z", "type", "id"} {
			if c := compareField(a, b, field); c != 0 {
				return c
			}
		}
		return 0
	})
	if i := slices.IndexFunc(nodes, Node.IsTab); i > 0 {
		tab := nodes[i]
		copy(nodes[1:i+1], nodes[:i])
		nodes[0] = tab
	}
}

func compareField(a, b Node, field string) int {
	av, bv := a.get(field), b.get(field)
	switch {
	case !av.Exists() && !bv.Exists():
		return 0
	case !av.Exists():
		return 1
	case !bv.Exists():
		return -1
	}
	return cmp.Compare(av.String(), bv.String())
}
