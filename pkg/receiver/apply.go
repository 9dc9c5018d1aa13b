package receiver

import (
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/rpc"
)

// txn applies the records of one batch to the mirror. Every change pushes
// its inverse onto undo; a failed batch runs them in reverse so the mirror
// is left exactly as it was.
type txn struct {
	r       *Receiver
	undo    []func()
	changed []string
	seen    map[string]bool

	// stand-ins that leave the mirror if the batch commits
	dropped []*rpc.RemoteFunc
}

func newTxn(r *Receiver) *txn {
	return &txn{r: r, seen: make(map[string]bool)}
}

func (tx *txn) touch(id string) {
	if !tx.seen[id] {
		tx.seen[id] = true
		tx.changed = append(tx.changed, id)
	}
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.dropped = nil
}

func (tx *txn) commit() {
	for _, f := range tx.dropped {
		f.Release()
	}
	tx.undo = nil
	tx.dropped = nil
}

func (tx *txn) apply(rec protocol.Record) error {
	switch rec.Op {
	case protocol.OpInsertChild:
		return tx.insertChild(rec)
	case protocol.OpRemoveChild:
		return tx.removeChild(rec)
	case protocol.OpUpdateProps:
		return tx.updateProps(rec)
	case protocol.OpUpdateText:
		return tx.updateText(rec)
	}
	return protocol.ErrMalformedBatch
}

func (tx *txn) component(id string) (*Node, error) {
	n, ok := tx.r.nodes[id]
	if !ok {
		return nil, ErrUnknownNode
	}
	if n.kind != protocol.KindComponent {
		return nil, ErrWrongKind
	}
	return n, nil
}

func (tx *txn) insertChild(rec protocol.Record) error {
	parent, err := tx.component(rec.ParentID)
	if err != nil {
		return err
	}
	if rec.Index < 0 || rec.Index > len(parent.children) {
		return ErrIndexOutOfRange
	}
	if rec.Node == nil {
		return protocol.ErrMalformedBatch
	}
	n, err := tx.r.build(rec.Node, tx.r.nodes)
	if err != nil {
		return err
	}

	n.walk(func(d *Node) { tx.r.nodes[d.id] = d })
	parent.insert(n, rec.Index)
	tx.undo = append(tx.undo, func() {
		parent.remove(parent.index(n))
		n.walk(func(d *Node) { delete(tx.r.nodes, d.id) })
	})
	tx.touch(parent.id)
	return nil
}

func (tx *txn) removeChild(rec protocol.Record) error {
	parent, err := tx.component(rec.ParentID)
	if err != nil {
		return err
	}
	child, ok := tx.r.nodes[rec.ID]
	if !ok {
		return ErrUnknownNode
	}
	if child.parent != parent {
		return ErrNotChild
	}

	i := parent.index(child)
	parent.remove(i)
	child.walk(func(d *Node) { delete(tx.r.nodes, d.id) })
	mark := len(tx.dropped)
	child.walk(func(d *Node) { tx.dropped = append(tx.dropped, rpc.Functions(d.props)...) })

	tx.undo = append(tx.undo, func() {
		parent.insert(child, i)
		child.walk(func(d *Node) { tx.r.nodes[d.id] = d })
		tx.dropped = tx.dropped[:mark]
	})
	tx.touch(parent.id)
	return nil
}

func (tx *txn) updateProps(rec protocol.Record) error {
	n, err := tx.component(rec.ID)
	if err != nil {
		return err
	}

	type prior struct {
		key string
		val any
		had bool
	}
	prev := make([]prior, 0, len(rec.Props))
	mark := len(tx.dropped)
	for k, v := range rec.Props {
		old, had := n.props[k]
		prev = append(prev, prior{k, old, had})
		if had {
			tx.dropped = append(tx.dropped, replaced(old, v)...)
		}
		if v == nil {
			delete(n.props, k)
		} else {
			n.props[k] = v
		}
	}

	tx.undo = append(tx.undo, func() {
		for _, p := range prev {
			if p.had {
				n.props[p.key] = p.val
			} else {
				delete(n.props, p.key)
			}
		}
		tx.dropped = tx.dropped[:mark]
	})
	tx.touch(n.id)
	return nil
}

func (tx *txn) updateText(rec protocol.Record) error {
	n, ok := tx.r.nodes[rec.ID]
	if !ok {
		return ErrUnknownNode
	}
	if n.kind != protocol.KindText {
		return ErrWrongKind
	}
	old := n.text
	n.text = rec.Text
	tx.undo = append(tx.undo, func() { n.text = old })
	tx.touch(n.id)
	return nil
}

// replaced returns the stand-ins in old that do not also appear in v.
func replaced(old, v any) []*rpc.RemoteFunc {
	funcs := rpc.Functions(old)
	if len(funcs) == 0 {
		return nil
	}
	keep := make(map[*rpc.RemoteFunc]bool)
	for _, f := range rpc.Functions(v) {
		keep[f] = true
	}
	out := funcs[:0]
	for _, f := range funcs {
		if !keep[f] {
			out = append(out, f)
		}
	}
	return out
}

// build creates detached mirror nodes for w. Ids already in existing, or
// repeated inside w, fail with ErrDuplicateNode.
func (r *Receiver) build(w *protocol.NodeWire, existing map[string]*Node) (*Node, error) {
	seen := make(map[string]bool)
	var build func(w *protocol.NodeWire, depth int) (*Node, error)
	build = func(w *protocol.NodeWire, depth int) (*Node, error) {
		if w == nil || depth > protocol.MaxValueDepth {
			return nil, protocol.ErrMalformedBatch
		}
		if _, ok := existing[w.ID]; ok || seen[w.ID] || w.ID == protocol.RootID {
			return nil, ErrDuplicateNode
		}
		seen[w.ID] = true

		n := &Node{r: r, id: w.ID, kind: w.Kind}
		if w.Kind == protocol.KindText {
			n.text = w.Text
			return n, nil
		}
		n.typ = w.Type
		n.props = make(map[string]any, len(w.Props))
		for k, v := range w.Props {
			if v != nil {
				n.props[k] = v
			}
		}
		n.children = make([]*Node, 0, len(w.Children))
		for _, cw := range w.Children {
			c, err := build(cw, depth+1)
			if err != nil {
				return nil, err
			}
			c.parent = n
			n.children = append(n.children, c)
		}
		return n, nil
	}
	return build(w, 0)
}
