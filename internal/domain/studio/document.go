package studio

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// RootPath addresses the agent itself.
const RootPath = "/"

// Document is the materialized component tree of an agent. Nodes are keyed
// by canonical slash path; a node's children are the keys sharing its path
// as a prefix.
type Document struct {
	nodes map[string]json.RawMessage
}

func NewDocument() *Document {
	return &Document{nodes: map[string]json.RawMessage{}}
}

// CanonicalPath normalizes a target path. Empty segments are collapsed,
// "." and ".." are rejected.
func CanonicalPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: target path must start with /", ErrInvalidIntent)
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, seg := range parts {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: relative segment in target path %q", ErrInvalidIntent, p)
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return RootPath, nil
	}
	return "/" + strings.Join(out, "/"), nil
}

// Apply mutates the document with one event. The resolution policy is last
// writer wins: create and update overwrite the node (recreating it after a
// delete), delete of an absent node changes nothing.
func (d *Document) Apply(e ChangeEvent) (changed bool) {
	switch e.Kind {
	case KindComponentDelete:
		return d.remove(e.TargetPath)
	case KindComponentCreate, KindComponentUpdate, KindAgentUpdate:
		prev, ok := d.nodes[e.TargetPath]
		d.nodes[e.TargetPath] = cloneRaw(e.Payload)
		return !ok || !bytes.Equal(prev, e.Payload)
	}
	return false
}

func (d *Document) remove(p string) bool {
	removed := false
	if p == RootPath {
		removed = len(d.nodes) > 0
		d.nodes = map[string]json.RawMessage{}
		return removed
	}
	prefix := p + "/"
	for k := range d.nodes {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(d.nodes, k)
			removed = true
		}
	}
	return removed
}

// Get returns the value stored at a canonical path.
func (d *Document) Get(p string) (json.RawMessage, bool) {
	v, ok := d.nodes[p]
	return v, ok
}

func (d *Document) Len() int { return len(d.nodes) }

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := &Document{nodes: make(map[string]json.RawMessage, len(d.nodes))}
	for k, v := range d.nodes {
		out.nodes[k] = cloneRaw(v)
	}
	return out
}

// Entries returns a copy of the path to value mapping.
func (d *Document) Entries() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.nodes))
	for k, v := range d.nodes {
		out[k] = cloneRaw(v)
	}
	return out
}

// Digest hashes the canonical encoding of the document: paths in sorted
// order, each followed by its compacted JSON value.
func (d *Document) Digest() string {
	keys := make([]string, 0, len(d.nodes))
	for k := range d.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	var buf bytes.Buffer
	for _, k := range keys {
		buf.Reset()
		if err := json.Compact(&buf, d.nodes[k]); err != nil {
			buf.Reset()
			buf.Write(d.nodes[k])
		}
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(buf.Bytes())
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Replay builds a document from an ordered event sequence applied on top
// of base. A nil base means an empty document.
func Replay(base *Document, events []ChangeEvent) *Document {
	var doc *Document
	if base == nil {
		doc = NewDocument()
	} else {
		doc = base.Clone()
	}
	for _, e := range events {
		doc.Apply(e)
	}
	return doc
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
