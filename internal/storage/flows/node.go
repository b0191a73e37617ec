// Defines Node, an opaque flow node kept as raw JSON.

package flows

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Node is one element of a flow document.
//
// The raw JSON is kept verbatim (compacted) so fields the storage layer does
// not know about, and their order, survive a load/save cycle.
type Node struct {
	raw []byte
}

// NewNode returns a Node from its JSON encoding.
func NewNode(raw []byte) (Node, error) {
	var n Node
	if err := n.UnmarshalJSON(raw); err != nil {
		return Node{}, err
	}
	return n, nil
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	if len(n.raw) == 0 {
		return []byte("null"), nil
	}
	return n.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(b []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}
	n.raw = buf.Bytes()
	return nil
}

// String returns the compact JSON encoding of the node.
func (n Node) String() string {
	return string(n.raw)
}

// IsObject reports whether the node is a JSON object.
func (n Node) IsObject() bool {
	return gjson.ParseBytes(n.raw).IsObject()
}

// ID returns the node's "id" field.
func (n Node) ID() string {
	return n.get("id").String()
}

// Type returns the node's "type" field.
func (n Node) Type() string {
	return n.get("type").String()
}

// Z returns the node's parent tab id.
func (n Node) Z() string {
	return n.get("z").String()
}

// Label returns the "label" field, or "name" when label is not truthy.
func (n Node) Label() string {
	if l := n.get("label"); truthy(l) {
		return l.String()
	}
	if name := n.get("name"); truthy(name) {
		return name.String()
	}
	return ""
}

// TS returns the "_ts" modification timestamp in milliseconds, 0 if absent.
func (n Node) TS() int64 {
	return n.get("_ts").Int()
}

// IsTab reports whether the node defines a tab, i.e. is a tab or a subflow.
func (n Node) IsTab() bool {
	t := n.Type()
	return t == "tab" || t == "subflow"
}

// HasZ reports whether the node's "z" field is truthy.
func (n Node) HasZ() bool {
	return truthy(n.get("z"))
}

// IsTabless reports whether the node is an object that belongs to no tab.
func (n Node) IsTabless() bool {
	return n.IsObject() && !n.IsTab() && !n.HasZ()
}

// WithTS returns a copy of the node with "_ts" set to ts.
func (n Node) WithTS(ts int64) Node {
	raw, err := sjson.SetBytes(bytes.Clone(n.raw), "_ts", ts)
	if err != nil {
		return n
	}
	return Node{raw: raw}
}

// WithoutTS returns a copy of the node without the "_ts" field.
func (n Node) WithoutTS() Node {
	if !n.get("_ts").Exists() {
		return n
	}
	raw, err := sjson.DeleteBytes(bytes.Clone(n.raw), "_ts")
	if err != nil {
		return n
	}
	return Node{raw: raw}
}

// Equal reports whether both nodes have the same encoding.
func (n Node) Equal(o Node) bool {
	return bytes.Equal(n.raw, o.raw)
}

func (n Node) get(path string) gjson.Result {
	if len(n.raw) == 0 || n.raw[0] != '{' {
		return gjson.Result{}
	}
	return gjson.GetBytes(n.raw, path)
}

// truthy mirrors JavaScript truthiness for a JSON value.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}

// ParseDocument decodes a JSON array of nodes.
func ParseDocument(data []byte) ([]Node, error) {
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, nil
}

// MarshalDocument encodes nodes as a JSON array, compact or with 4-space
// indentation. HTML characters are not escaped.
func MarshalDocument(nodes []Node, pretty bool) ([]byte, error) {
	if nodes == nil {
		nodes = []Node{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "    ")
	}
	if err := enc.Encode(nodes); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
