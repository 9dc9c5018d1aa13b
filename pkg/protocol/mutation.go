package protocol

import (
	"errors"
	"fmt"
	"math"
)

// Valuer is implemented by types that travel as call arguments by
// converting themselves into plain maps and slices first.
type Valuer interface {
	ToValue() any
}

// NodeKind discriminates mirrored nodes.
type NodeKind uint8

const (
	KindComponent NodeKind = iota // Typed node with props and children
	KindText                      // Leaf holding text
)

// String returns the wire name of the kind.
func (k NodeKind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// RootID is the id of the root node of every tree.
const RootID = "root"

// ErrMalformedBatch is returned when a value does not describe a batch,
// record or node.
var ErrMalformedBatch = errors.New("protocol: malformed mutation batch")

// NodeWire is the transferable form of a node and its subtree. Props may
// hold function values; the endpoint encoder turns them into handles.
type NodeWire struct {
	ID       string
	Kind     NodeKind
	Type     string
	Props    map[string]any
	Children []*NodeWire
	Text     string
}

// NewTextWire creates a text node.
func NewTextWire(id, text string) *NodeWire {
	return &NodeWire{ID: id, Kind: KindText, Text: text}
}

// NewComponentWire creates a component node.
func NewComponentWire(id, typ string, props map[string]any, children ...*NodeWire) *NodeWire {
	return &NodeWire{ID: id, Kind: KindComponent, Type: typ, Props: props, Children: children}
}

// ToValue converts the subtree into nested maps.
func (n *NodeWire) ToValue() any {
	if n == nil {
		return nil
	}
	if n.Kind == KindText {
		return map[string]any{"id": n.ID, "kind": "text", "text": n.Text}
	}
	props := make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		props[k] = v
	}
	children := make([]any, len(n.Children))
	for i, c := range n.Children {
		children[i] = c.ToValue()
	}
	return map[string]any{
		"id":       n.ID,
		"kind":     "component",
		"type":     n.Type,
		"props":    props,
		"children": children,
	}
}

// Walk visits n and its descendants depth-first, parents first.
func (n *NodeWire) Walk(fn func(*NodeWire)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// NodeFromValue parses the output of NodeWire.ToValue.
func NodeFromValue(v any) (*NodeWire, error) {
	return nodeFromValue(v, 0)
}

func nodeFromValue(v any, depth int) (*NodeWire, error) {
	if depth > MaxValueDepth {
		return nil, ErrMaxDepthExceeded
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("node is %T, not an object", v)
	}
	id, err := stringField(obj, "id")
	if err != nil {
		return nil, err
	}
	kind, err := stringField(obj, "kind")
	if err != nil {
		return nil, err
	}

	switch kind {
	case "text":
		text, err := stringField(obj, "text")
		if err != nil {
			return nil, err
		}
		return NewTextWire(id, text), nil

	case "component":
		typ, err := stringField(obj, "type")
		if err != nil {
			return nil, err
		}
		props, err := objectField(obj, "props")
		if err != nil {
			return nil, err
		}
		n := NewComponentWire(id, typ, props)
		rawChildren, _ := obj["children"].([]any)
		if obj["children"] != nil && rawChildren == nil {
			return nil, malformed("node %s: children is %T", id, obj["children"])
		}
		n.Children = make([]*NodeWire, 0, len(rawChildren))
		for _, rc := range rawChildren {
			child, err := nodeFromValue(rc, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		}
		return n, nil

	default:
		return nil, malformed("node %s: unknown kind %q", id, kind)
	}
}

// RecordOp names a mutation.
type RecordOp string

const (
	OpInsertChild RecordOp = "insertChild"
	OpRemoveChild RecordOp = "removeChild"
	OpUpdateProps RecordOp = "updateProps"
	OpUpdateText  RecordOp = "updateText"
)

// Record is one structural change of a tree.
//
//	insertChild  ParentID, Node, Index (position after insertion)
//	removeChild  ParentID, ID
//	updateProps  ID, Props (nil values delete keys)
//	updateText   ID, Text
type Record struct {
	Op       RecordOp
	ParentID string
	ID       string
	Index    int
	Node     *NodeWire
	Props    map[string]any
	Text     string
}

// InsertChild creates an insertChild record.
func InsertChild(parentID string, node *NodeWire, index int) Record {
	return Record{Op: OpInsertChild, ParentID: parentID, ID: node.ID, Node: node, Index: index}
}

// RemoveChild creates a removeChild record.
func RemoveChild(parentID, id string) Record {
	return Record{Op: OpRemoveChild, ParentID: parentID, ID: id}
}

// UpdateProps creates an updateProps record.
func UpdateProps(id string, props map[string]any) Record {
	return Record{Op: OpUpdateProps, ID: id, Props: props}
}

// UpdateText creates an updateText record.
func UpdateText(id, text string) Record {
	return Record{Op: OpUpdateText, ID: id, Text: text}
}

// ToValue converts the record into a map.
func (r Record) ToValue() any {
	switch r.Op {
	case OpInsertChild:
		return map[string]any{"op": string(r.Op), "parentId": r.ParentID, "index": int64(r.Index), "node": r.Node.ToValue()}
	case OpRemoveChild:
		return map[string]any{"op": string(r.Op), "parentId": r.ParentID, "id": r.ID}
	case OpUpdateProps:
		props := make(map[string]any, len(r.Props))
		for k, v := range r.Props {
			props[k] = v
		}
		return map[string]any{"op": string(r.Op), "id": r.ID, "props": props}
	default:
		return map[string]any{"op": string(r.Op), "id": r.ID, "text": r.Text}
	}
}

// RecordFromValue parses the output of Record.ToValue.
func RecordFromValue(v any) (Record, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Record{}, malformed("record is %T, not an object", v)
	}
	op, err := stringField(obj, "op")
	if err != nil {
		return Record{}, err
	}
	r := Record{Op: RecordOp(op)}

	switch r.Op {
	case OpInsertChild:
		if r.ParentID, err = stringField(obj, "parentId"); err != nil {
			return Record{}, err
		}
		idx, ok := ToInt64(obj["index"])
		if !ok || idx < 0 || idx > math.MaxInt32 {
			return Record{}, malformed("insertChild: invalid index %v", obj["index"])
		}
		r.Index = int(idx)
		if r.Node, err = NodeFromValue(obj["node"]); err != nil {
			return Record{}, err
		}
		r.ID = r.Node.ID
	case OpRemoveChild:
		if r.ParentID, err = stringField(obj, "parentId"); err != nil {
			return Record{}, err
		}
		if r.ID, err = stringField(obj, "id"); err != nil {
			return Record{}, err
		}
	case OpUpdateProps:
		if r.ID, err = stringField(obj, "id"); err != nil {
			return Record{}, err
		}
		if r.Props, err = objectField(obj, "props"); err != nil {
			return Record{}, err
		}
	case OpUpdateText:
		if r.ID, err = stringField(obj, "id"); err != nil {
			return Record{}, err
		}
		if r.Text, err = stringField(obj, "text"); err != nil {
			return Record{}, err
		}
	default:
		return Record{}, malformed("unknown op %q", op)
	}
	return r, nil
}

// Batch is the unit a tree sends to its receiver: either a full snapshot
// of the root or an ordered list of records. Seq increases by one per batch
// of one tree instance.
type Batch struct {
	Instance string
	Seq      uint64
	Snapshot *NodeWire
	Records  []Record
}

// IsSnapshot reports whether the batch replaces the whole mirror.
func (b *Batch) IsSnapshot() bool { return b.Snapshot != nil }

// ToValue converts the batch into a map.
func (b *Batch) ToValue() any {
	v := map[string]any{
		"instance": b.Instance,
		"seq":      int64(b.Seq),
	}
	if b.Snapshot != nil {
		v["snapshot"] = b.Snapshot.ToValue()
	}
	records := make([]any, len(b.Records))
	for i, r := range b.Records {
		records[i] = r.ToValue()
	}
	v["records"] = records
	return v
}

// BatchFromValue parses the output of Batch.ToValue.
func BatchFromValue(v any) (*Batch, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, malformed("batch is %T, not an object", v)
	}
	instance, err := stringField(obj, "instance")
	if err != nil {
		return nil, err
	}
	seq, ok := ToInt64(obj["seq"])
	if !ok || seq < 0 {
		return nil, malformed("invalid seq %v", obj["seq"])
	}
	b := &Batch{Instance: instance, Seq: uint64(seq)}

	if raw, present := obj["snapshot"]; present && raw != nil {
		if b.Snapshot, err = NodeFromValue(raw); err != nil {
			return nil, err
		}
	}

	rawRecords, _ := obj["records"].([]any)
	b.Records = make([]Record, 0, len(rawRecords))
	for _, rr := range rawRecords {
		r, err := RecordFromValue(rr)
		if err != nil {
			return nil, err
		}
		b.Records = append(b.Records, r)
	}
	return b, nil
}

// ToInt64 converts any Go integer, or an integral float64, to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float64:
		return int64(n), n == math.Trunc(n)
	default:
		return 0, false
	}
}

func stringField(obj map[string]any, key string) (string, error) {
	s, ok := obj[key].(string)
	if !ok {
		return "", malformed("field %q is %T, not a string", key, obj[key])
	}
	return s, nil
}

func objectField(obj map[string]any, key string) (map[string]any, error) {
	raw, present := obj[key]
	if !present || raw == nil {
		return map[string]any{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed("field %q is %T, not an object", key, raw)
	}
	return m, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedBatch, fmt.Sprintf(format, args...))
}
