// Package render binds a mirrored tree to a concrete UI toolkit.
//
// A Controller maps component type names to Renderer functions. Render
// walks a mirror bottom-up: children are rendered first and handed to
// the parent's renderer. A type without a renderer is an error, not a
// silent no-op:
//
//	c := render.NewController()
//	c.Register("Button", func(n *receiver.Node, children []any) (any, error) {
//	    return widgets.NewButton(children...), nil
//	})
//	ui, err := c.Render(mirror.Root())
//
// Event props arrive as function stand-ins. Invoke calls one and returns
// the producer's result:
//
//	_, err := c.Invoke(ctx, button, "onPress")
//
// NewHTMLController renders a mirror to an HTML string, which is enough
// for inspection pages and tests.
package render
