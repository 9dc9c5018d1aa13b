package tree

import (
	"maps"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Node is a component or text node owned by one Root.
type Node interface {
	// ID returns the node id, unique for the lifetime of its Root.
	ID() string

	// Kind reports whether the node is a component or text.
	Kind() protocol.NodeKind

	// Parent returns the container holding the node, or nil when the node
	// is detached.
	Parent() Container

	base() *nodeBase
}

// Container is a node that holds children: the Root or a Component.
type Container interface {
	ID() string
	Children() []Node

	list() *childList
}

type nodeBase struct {
	root   *Root
	id     string
	parent Container

	// orphaned marks a node removed from the mounted tree.
	orphaned bool
}

type childList struct {
	nodes []Node
}

func (l *childList) index(n Node) int {
	for i, c := range l.nodes {
		if c == n {
			return i
		}
	}
	return -1
}

func (l *childList) insert(n Node, i int) {
	l.nodes = append(l.nodes, nil)
	copy(l.nodes[i+1:], l.nodes[i:])
	l.nodes[i] = n
}

func (l *childList) remove(i int) {
	copy(l.nodes[i:], l.nodes[i+1:])
	l.nodes[len(l.nodes)-1] = nil
	l.nodes = l.nodes[:len(l.nodes)-1]
}

// Component is a typed node with props and ordered children.
type Component struct {
	nodeBase
	typ      string
	props    map[string]any
	children childList
}

// ID returns the node id.
func (c *Component) ID() string { return c.id }

// Kind returns protocol.KindComponent.
func (c *Component) Kind() protocol.NodeKind { return protocol.KindComponent }

// Type returns the component type name.
func (c *Component) Type() string { return c.typ }

// Parent returns the node's container, or nil when detached.
func (c *Component) Parent() Container {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	return c.parent
}

// Props returns a copy of the current props.
func (c *Component) Props() map[string]any {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	return maps.Clone(c.props)
}

// Children returns a copy of the child list.
func (c *Component) Children() []Node {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	return append([]Node(nil), c.children.nodes...)
}

// AppendChild is shorthand for Root.AppendChild(c, child).
func (c *Component) AppendChild(child Node) error {
	return c.root.AppendChild(c, child)
}

// InsertChildBefore is shorthand for Root.InsertChildBefore(c, child, before).
func (c *Component) InsertChildBefore(child, before Node) error {
	return c.root.InsertChildBefore(c, child, before)
}

// RemoveChild is shorthand for Root.RemoveChild(c, child).
func (c *Component) RemoveChild(child Node) error {
	return c.root.RemoveChild(c, child)
}

// UpdateProps is shorthand for Root.UpdateProps(c, props).
func (c *Component) UpdateProps(props map[string]any) error {
	return c.root.UpdateProps(c, props)
}

func (c *Component) base() *nodeBase  { return &c.nodeBase }
func (c *Component) list() *childList { return &c.children }

// Text is a leaf node holding a string.
type Text struct {
	nodeBase
	text string
}

// ID returns the node id.
func (t *Text) ID() string { return t.id }

// Kind returns protocol.KindText.
func (t *Text) Kind() protocol.NodeKind { return protocol.KindText }

// Parent returns the node's container, or nil when detached.
func (t *Text) Parent() Container {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	return t.parent
}

// Text returns the current content.
func (t *Text) Text() string {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	return t.text
}

// Update is shorthand for Root.UpdateText(t, text).
func (t *Text) Update(text string) error {
	return t.root.UpdateText(t, text)
}

func (t *Text) base() *nodeBase { return &t.nodeBase }

// wire serializes n as it is now. Props maps are copied so later updates
// do not leak into records already queued.
func wire(n Node) *protocol.NodeWire {
	switch n := n.(type) {
	case *Text:
		return protocol.NewTextWire(n.id, n.text)
	case *Component:
		children := make([]*protocol.NodeWire, len(n.children.nodes))
		for i, c := range n.children.nodes {
			children[i] = wire(c)
		}
		return protocol.NewComponentWire(n.id, n.typ, maps.Clone(n.props), children...)
	}
	return nil
}

// walk visits n and its descendants.
func walk(n Node, fn func(Node)) {
	fn(n)
	if c, ok := n.(*Component); ok {
		for _, child := range c.children.nodes {
			walk(child, fn)
		}
	}
}
