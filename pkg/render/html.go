package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vango-dev/remote/pkg/receiver"
	"github.com/vango-dev/remote/pkg/rpc"
)

// voidElements have no closing tag.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true,
	"embed": true, "hr": true, "img": true, "input": true,
	"link": true, "meta": true, "source": true, "track": true,
	"wbr": true,
}

// HTMLElement returns a renderer that writes node as the element tag.
// String, number and boolean props become attributes; function props
// become data-remote-<prop> markers carrying the node id so a page can
// route events back through Invoke. Other prop values are skipped.
// Children must have rendered to strings.
func HTMLElement(tag string) Renderer {
	return func(node *receiver.Node, children []any) (any, error) {
		var b strings.Builder
		b.WriteByte('<')
		b.WriteString(tag)
		writeAttrs(&b, node)
		b.WriteByte('>')
		if voidElements[tag] {
			return b.String(), nil
		}
		for _, child := range children {
			s, ok := child.(string)
			if !ok {
				return nil, fmt.Errorf("render: node %s: child rendered to %T, not HTML", node.ID(), child)
			}
			b.WriteString(s)
		}
		fmt.Fprintf(&b, "</%s>", tag)
		return b.String(), nil
	}
}

// HTMLText renders a text node as escaped HTML.
func HTMLText(node *receiver.Node) (any, error) {
	return escapeHTML(node.Text()), nil
}

// NewHTMLController returns a controller that renders each component
// type as the element named by tags. The root renders to the
// concatenation of its children.
func NewHTMLController(tags map[string]string) *Controller {
	c := NewController()
	c.SetTextRenderer(HTMLText)
	for typ, tag := range tags {
		c.Register(typ, HTMLElement(tag))
	}
	c.Register("", func(_ *receiver.Node, children []any) (any, error) {
		var b strings.Builder
		for _, child := range children {
			s, _ := child.(string)
			b.WriteString(s)
		}
		return b.String(), nil
	})
	return c
}

func writeAttrs(b *strings.Builder, node *receiver.Node) {
	props := node.Props()
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			fmt.Fprintf(b, ` %s="%s"`, k, escapeAttr(v))
		case bool:
			if v {
				b.WriteByte(' ')
				b.WriteString(k)
			}
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			fmt.Fprintf(b, ` %s="%v"`, k, v)
		case rpc.Caller:
			fmt.Fprintf(b, ` data-remote-%s="%s"`, strings.ToLower(k), escapeAttr(node.ID()))
		}
	}
}
