package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/receiver"
	"github.com/vango-dev/remote/pkg/rpc"
)

var (
	// ErrUnknownComponent is wrapped by *UnknownComponentError.
	ErrUnknownComponent = errors.New("render: unknown component type")

	// ErrNotCallable is returned by Invoke when the prop is missing or is
	// not a function.
	ErrNotCallable = errors.New("render: prop is not callable")
)

// UnknownComponentError reports a node whose type has no renderer.
type UnknownComponentError struct {
	ID   string
	Type string
}

func (e *UnknownComponentError) Error() string {
	return fmt.Sprintf("render: node %s: unknown component type %q", e.ID, e.Type)
}

func (e *UnknownComponentError) Unwrap() error { return ErrUnknownComponent }

// Renderer turns a component node into a renderable, given the already
// rendered children.
type Renderer func(node *receiver.Node, children []any) (any, error)

// TextRenderer turns a text node into a renderable.
type TextRenderer func(node *receiver.Node) (any, error)

// Controller maps component types to renderers. Controllers are plain
// values: each mirror can use its own.
type Controller struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
	text      TextRenderer
}

// NewController creates a controller with no component renderers. Text
// nodes render to their string content.
func NewController() *Controller {
	return &Controller{
		renderers: make(map[string]Renderer),
		text: func(node *receiver.Node) (any, error) {
			return node.Text(), nil
		},
	}
}

// Register sets the renderer for typ, replacing any previous one. The
// root of a mirror has the empty type; without a renderer for "" it
// renders to the slice of its rendered children.
func (c *Controller) Register(typ string, r Renderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderers[typ] = r
}

// SetTextRenderer replaces the text node renderer.
func (c *Controller) SetTextRenderer(r TextRenderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = r
}

// Lookup returns the renderer registered for typ.
func (c *Controller) Lookup(typ string) (Renderer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.renderers[typ]
	return r, ok
}

// Types returns the registered types in sorted order.
func (c *Controller) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.renderers))
	for typ := range c.renderers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Render renders node and its subtree, children first.
func (c *Controller) Render(node *receiver.Node) (any, error) {
	if node.Kind() == protocol.KindText {
		c.mu.RLock()
		text := c.text
		c.mu.RUnlock()
		return text(node)
	}

	kids := node.Children()
	children := make([]any, 0, len(kids))
	for _, kid := range kids {
		out, err := c.Render(kid)
		if err != nil {
			return nil, err
		}
		children = append(children, out)
	}

	r, ok := c.Lookup(node.Type())
	if !ok {
		if node.ID() == protocol.RootID {
			return children, nil
		}
		return nil, &UnknownComponentError{ID: node.ID(), Type: node.Type()}
	}
	return r(node, children)
}

// Invoke calls the function held in node's prop, typically an event
// handler owned by the producer, and returns its result.
func (c *Controller) Invoke(ctx context.Context, node *receiver.Node, prop string, args ...any) (any, error) {
	v, ok := node.Prop(prop)
	if !ok {
		return nil, fmt.Errorf("%w: node %s has no prop %q", ErrNotCallable, node.ID(), prop)
	}
	fn, ok := v.(rpc.Caller)
	if !ok {
		return nil, fmt.Errorf("%w: node %s prop %q is %T", ErrNotCallable, node.ID(), prop, v)
	}
	return fn.Call(ctx, args...)
}
