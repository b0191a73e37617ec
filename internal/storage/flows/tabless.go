// Reconciliation of nodes that belong to no tab.

package flows

// TablessRegistry holds one authoritative copy per tabless node id.
//
// Several per-tab files may each carry a copy of the same configuration node.
// The copy with the highest "_ts" wins; on equal timestamps the first copy
// seen stays. Concurrent edits from two sources are therefore resolved by
// timestamp alone.
type TablessRegistry struct {
	order   []string
	entries map[string]tablessEntry
}

type tablessEntry struct {
	node Node
	ts   int64
}

// NewTablessRegistry returns an empty registry.
func NewTablessRegistry() *TablessRegistry {
	return &TablessRegistry{entries: map[string]tablessEntry{}}
}

// Ingest offers a candidate copy of a tabless node. It is stored when no copy
// of that id is known or when its "_ts" is strictly greater than the stored
// one. A missing "_ts" counts as 0. It returns true when n was stored.
func (r *TablessRegistry) Ingest(n Node) bool {
	id := n.ID()
	ts := n.TS()
	if e, ok := r.entries[id]; ok {
		if ts <= e.ts {
			return false
		}
	} else {
		r.order = append(r.order, id)
	}
	r.entries[id] = tablessEntry{node: n, ts: ts}
	return true
}

// Stamp returns n with "_ts" set to now when its content, ignoring "_ts",
// differs from the stored copy of the same id. A node with no stored copy, or
// with identical content, is returned unchanged.
func (r *TablessRegistry) Stamp(n Node, now int64) Node {
	e, ok := r.entries[n.ID()]
	if !ok {
		return n
	}
	if n.WithoutTS().Equal(e.node.WithoutTS()) {
		return n
	}
	return n.WithTS(now)
}

// Get returns the stored copy of id.
func (r *TablessRegistry) Get(id string) (Node, bool) {
	e, ok := r.entries[id]
	return e.node, ok
}

// TS returns the timestamp of the stored copy of id.
func (r *TablessRegistry) TS(id string) (int64, bool) {
	e, ok := r.entries[id]
	return e.ts, ok
}

// Remove forgets id. It is used when a node previously seen without a tab
// now belongs to one.
func (r *TablessRegistry) Remove(id string) {
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// IDs returns the stored ids in insertion order.
func (r *TablessRegistry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Nodes returns the stored nodes in insertion order.
func (r *TablessRegistry) Nodes() []Node {
	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].node)
	}
	return out
}

// Len returns the number of stored nodes.
func (r *TablessRegistry) Len() int {
	return len(r.order)
}
