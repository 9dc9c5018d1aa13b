package receiver

import (
	"maps"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Node is a read-only view of one mirrored node. Its contents change only
// when the receiver applies a batch.
type Node struct {
	r        *Receiver
	id       string
	kind     protocol.NodeKind
	typ      string
	props    map[string]any
	text     string
	parent   *Node
	children []*Node
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Kind reports whether n is a component or text.
func (n *Node) Kind() protocol.NodeKind { return n.kind }

// Type returns the component type. It is empty for text nodes and the
// root.
func (n *Node) Type() string { return n.typ }

// Props returns a copy of the props. Function props are *rpc.RemoteFunc
// stand-ins owned by the mirror.
func (n *Node) Props() map[string]any {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	return maps.Clone(n.props)
}

// Prop returns one prop.
func (n *Node) Prop(key string) (any, bool) {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	v, ok := n.props[key]
	return v, ok
}

// Text returns the content of a text node.
func (n *Node) Text() string {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	return n.text
}

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	return append([]*Node(nil), n.children...)
}

// Parent returns the parent, or nil for the root and removed nodes.
func (n *Node) Parent() *Node {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	return n.parent
}

// Get returns the mirrored node with the given id.
func (n *Node) Get(id string) (*Node, bool) {
	return n.r.Get(id)
}

// Wire serializes the subtree rooted at n.
func (n *Node) Wire() *protocol.NodeWire {
	n.r.mu.RLock()
	defer n.r.mu.RUnlock()
	return n.wire()
}

func (n *Node) wire() *protocol.NodeWire {
	if n.kind == protocol.KindText {
		return protocol.NewTextWire(n.id, n.text)
	}
	children := make([]*protocol.NodeWire, len(n.children))
	for i, c := range n.children {
		children[i] = c.wire()
	}
	return protocol.NewComponentWire(n.id, n.typ, maps.Clone(n.props), children...)
}

func (n *Node) index(child *Node) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

func (n *Node) insert(child *Node, i int) {
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child
	child.parent = n
}

func (n *Node) remove(i int) *Node {
	child := n.children[i]
	copy(n.children[i:], n.children[i+1:])
	n.children[len(n.children)-1] = nil
	n.children = n.children[:len(n.children)-1]
	child.parent = nil
	return child
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}
