package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-yaml"
	"github.com/goccy/go-yaml/ast"
	"github.com/goccy/go-yaml/parser"

	"github.com/vango-dev/remote/internal/errors"
	"github.com/vango-dev/remote/pkg/rpc"
	"github.com/vango-dev/remote/pkg/tree"
)

// description is a UI read from YAML:
//
//	children:
//	  - type: Stack
//	    props: {gap: 8}
//	    children:
//	      - type: Button
//	        props: {title: Save}
//	        onPress: log
//	        children:
//	          - text: Save
type description struct {
	Children []*uiNode `yaml:"children"`

	path string
	file *ast.File
}

type uiNode struct {
	Type     string            `yaml:"type"`
	Text     *string           `yaml:"text"`
	Props    map[string]any    `yaml:"props"`
	OnPress  string            `yaml:"onPress"`
	On       map[string]string `yaml:"on"`
	Children []*uiNode         `yaml:"children"`
}

// events returns the node's event props mapped to handler names.
func (n *uiNode) events() map[string]string {
	events := maps.Clone(n.On)
	if n.OnPress != "" {
		if events == nil {
			events = make(map[string]string, 1)
		}
		events["onPress"] = n.OnPress
	}
	return events
}

// handlerFactory makes the function bound to one event prop. path names
// the node in the description.
type handlerFactory func(logger *slog.Logger, path, event string) rpc.HandlerFunc

var handlers = map[string]handlerFactory{
	// log writes the event and its arguments to the worker log.
	"log": func(logger *slog.Logger, path, event string) rpc.HandlerFunc {
		return func(_ context.Context, args ...any) (any, error) {
			logger.Info("event", "node", path, "event", event, "args", args)
			return nil, nil
		}
	},
	// count returns how many times the event fired.
	"count": func(logger *slog.Logger, path, event string) rpc.HandlerFunc {
		var n atomic.Int64
		return func(context.Context, ...any) (any, error) {
			c := n.Add(1)
			logger.Debug("event", "node", path, "event", event, "count", c)
			return c, nil
		}
	},
	// echo returns its arguments.
	"echo": func(_ *slog.Logger, _, _ string) rpc.HandlerFunc {
		return func(_ context.Context, args ...any) (any, error) {
			if args == nil {
				args = []any{}
			}
			return args, nil
		}
	},
}

func handlerNames() string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// loadDescription reads and validates the UI file at path.
func loadDescription(path string) (*description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("R010").WithDetail(path).Wrap(err)
	}
	return parseDescription(path, data)
}

// parseDescription parses and validates a UI. path is used for error
// locations and may be empty.
func parseDescription(path string, data []byte) (*description, error) {
	d := &description{path: path}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, errors.New("R011").WithDetail(yaml.FormatError(err, false, true))
	}
	// Only used to map validation failures back to lines.
	d.file, _ = parser.ParseBytes(data, 0)

	for i, n := range d.Children {
		if err := d.validate(n, fmt.Sprintf("$.children[%d]", i)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *description) validate(n *uiNode, at string) error {
	if n == nil {
		return d.fail("R011", at, "empty node")
	}
	if n.Text != nil {
		if n.Type != "" {
			return d.fail("R011", at, "node has both text and type %q", n.Type)
		}
		if len(n.Children) > 0 || len(n.Props) > 0 || len(n.events()) > 0 {
			return d.fail("R011", at, "text nodes take no children, props or handlers")
		}
		return nil
	}
	if n.Type == "" {
		return d.fail("R011", at, "node needs a type or text")
	}
	for event, name := range n.events() {
		if _, ok := handlers[name]; !ok {
			return d.fail("R012", at, "%s: unknown handler %q (have %s)", event, name, handlerNames())
		}
		if _, ok := n.Props[event]; ok {
			return d.fail("R011", at, "%s is set as both a prop and a handler", event)
		}
	}
	for i, c := range n.Children {
		if err := d.validate(c, fmt.Sprintf("%s.children[%d]", at, i)); err != nil {
			return err
		}
	}
	return nil
}

func (d *description) fail(code, at, format string, args ...any) *errors.Error {
	err := errors.New(code).WithDetail(at + ": " + fmt.Sprintf(format, args...))
	if line := d.line(at); line > 0 && d.path != "" {
		err = err.WithLocation(d.path, line)
	}
	return err
}

// line returns the source line of the YAML path at, or 0.
func (d *description) line(at string) int {
	if d.file == nil {
		return 0
	}
	p, err := yaml.PathString(at)
	if err != nil {
		return 0
	}
	node, err := p.FilterFile(d.file)
	if err != nil || node == nil || node.GetToken() == nil {
		return 0
	}
	return node.GetToken().Position.Line
}

// build creates the described nodes in root, detached. Event props get
// fresh functions on every build.
func (d *description) build(root *tree.Root, logger *slog.Logger) ([]tree.Node, error) {
	nodes := make([]tree.Node, 0, len(d.Children))
	for i, n := range d.Children {
		node, err := buildNode(root, n, fmt.Sprintf("$.children[%d]", i), logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func buildNode(root *tree.Root, n *uiNode, at string, logger *slog.Logger) (tree.Node, error) {
	if n.Text != nil {
		return root.CreateText(*n.Text), nil
	}

	children := make([]tree.Node, 0, len(n.Children))
	for i, c := range n.Children {
		child, err := buildNode(root, c, fmt.Sprintf("%s.children[%d]", at, i), logger)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	props := maps.Clone(n.Props)
	if props == nil {
		props = make(map[string]any)
	}
	for event, name := range n.events() {
		props[event] = rpc.Func(handlers[name](logger, at, event))
	}
	c, err := root.CreateComponent(n.Type, props, children...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", at, err)
	}
	return c, nil
}
