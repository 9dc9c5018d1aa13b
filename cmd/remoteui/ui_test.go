package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-dev/remote/internal/config"
	"github.com/vango-dev/remote/internal/errors"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/receiver"
	"github.com/vango-dev/remote/pkg/remotetest"
	"github.com/vango-dev/remote/pkg/rpc"
	"github.com/vango-dev/remote/pkg/tree"
)

const buttonUI = `
children:
  - type: Button
    props: {title: Save}
    onPress: count
    children:
      - text: Save
  - type: Label
    props: {title: hi}
`

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeUI(t *testing.T, dir, content string) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	path := filepath.Join(dir, "ui.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// outline renders a mirror as Type(children...) with quoted text.
func outline(n *receiver.Node) string {
	if n.Kind() == protocol.KindText {
		return strconv.Quote(n.Text())
	}
	parts := make([]string, 0, len(n.Children()))
	for _, c := range n.Children() {
		parts = append(parts, outline(c))
	}
	return n.Type() + "(" + strings.Join(parts, " ") + ")"
}

func TestParseDescriptionErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantCode string
		contains string
	}{
		{"bad yaml", "children: [unclosed\n", "R011", ""},
		{"text and type", "children:\n  - type: Button\n    text: hi\n", "R011", "both text and type"},
		{"neither", "children:\n  - props: {a: 1}\n", "R011", "needs a type or text"},
		{"text with children", "children:\n  - text: hi\n    children:\n      - text: x\n", "R011", "text nodes"},
		{"unknown handler", "children:\n  - type: Button\n    onPress: launch\n", "R012", `unknown handler "launch"`},
		{"nested", "children:\n  - type: Stack\n    children:\n      - type: Button\n        on: {onHover: nope}\n", "R012", "$.children[0].children[0]"},
		{"prop and handler", "children:\n  - type: Button\n    props: {onPress: x}\n    onPress: log\n", "R011", "both a prop and a handler"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDescription("", []byte(tt.doc))
			var e *errors.Error
			if !stderrors.As(err, &e) {
				t.Fatalf("parseDescription() error = %v, want *errors.Error", err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", e.Code, tt.wantCode)
			}
			if !strings.Contains(e.Detail, tt.contains) {
				t.Errorf("Detail = %q, want it to contain %q", e.Detail, tt.contains)
			}
		})
	}
}

func TestLoadDescriptionLocation(t *testing.T) {
	path := writeUI(t, "", "children:\n  - type: Stack\n    children:\n      - type: Button\n        text: oops\n")
	_, err := loadDescription(path)
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("loadDescription() error = %v", err)
	}
	if e.Location == nil || e.Location.File != path || e.Location.Line != 4 {
		t.Errorf("Location = %v, want %s:4", e.Location, path)
	}

	_, err = loadDescription(filepath.Join(t.TempDir(), "missing.yaml"))
	if !stderrors.As(err, &e) || e.Code != "R010" {
		t.Errorf("missing file error = %v, want R010", err)
	}
}

func TestBuild(t *testing.T) {
	d, err := parseDescription("", []byte(buttonUI))
	if err != nil {
		t.Fatal(err)
	}
	root := tree.NewRoot(nil)
	nodes, err := d.build(root, discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("built %d nodes, want 2", len(nodes))
	}

	button := nodes[0].(*tree.Component)
	if button.Type() != "Button" || button.Props()["title"] != "Save" {
		t.Errorf("button = %s %v", button.Type(), button.Props())
	}
	if button.Parent() != nil {
		t.Error("built nodes should be detached")
	}
	text := button.Children()[0].(*tree.Text)
	if text.Text() != "Save" {
		t.Errorf("text = %q, want Save", text.Text())
	}

	press, ok := button.Props()["onPress"].(*rpc.Function)
	if !ok {
		t.Fatalf("onPress = %T, want *rpc.Function", button.Props()["onPress"])
	}
	for want := int64(1); want <= 2; want++ {
		got, err := press.Call(context.Background())
		if err != nil || got != want {
			t.Errorf("press %d = %v, %v", want, got, err)
		}
	}

	// A second build gets fresh handlers.
	again, _ := d.build(root, discard)
	if again[0].(*tree.Component).Props()["onPress"] == press {
		t.Error("rebuild reused the handler")
	}
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()
	got, err := handlers["echo"](discard, "$", "onPress")(ctx, "a", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"a", true}, got); diff != "" {
		t.Errorf("echo (-want +got):\n%s", diff)
	}
	if got, _ := handlers["log"](discard, "$", "onPress")(ctx); got != nil {
		t.Errorf("log returned %v, want nil", got)
	}
	if handlerNames() != "count, echo, log" {
		t.Errorf("handlerNames() = %q", handlerNames())
	}
}

func TestRenderAndReload(t *testing.T) {
	ctx := remotetest.Context(t)
	host, peer := remotetest.Pair(t)

	cfg := config.New()
	cfg.Worker.UI = writeUI(t, "", buttonUI)
	w, err := newWorker(cfg, discard)
	if err != nil {
		t.Fatal(err)
	}
	peer.Callable(w.api())

	recv := receiver.New(receiver.WithLogger(discard))
	if _, err := host.Proxy().Call(ctx, "render", recv.Func()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got, want := outline(recv.Root()), `(Button("Save") Label())`; got != want {
		t.Errorf("mirror = %s, want %s", got, want)
	}
	if peer.Stats().Exported != 1 {
		t.Errorf("worker exports %d functions, want 1", peer.Stats().Exported)
	}

	writeUI(t, filepath.Dir(cfg.Worker.UI), `
children:
  - type: Stack
    children:
      - type: Button
        onPress: log
        children:
          - text: One
      - type: Button
        onPress: echo
        children:
          - text: Two
`)
	if err := w.reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, want := outline(recv.Root()), `(Stack(Button("One") Button("Two")))`; got != want {
		t.Errorf("mirror after reload = %s, want %s", got, want)
	}
	remotetest.Eventually(t, func() bool {
		return peer.Stats().Exported == 2 && host.Stats().Imported == 2
	}, "old handler not released: worker exports %d", peer.Stats().Exported)

	// A broken file leaves the mirror alone.
	writeUI(t, filepath.Dir(cfg.Worker.UI), "children:\n  - type: Button\n    text: x\n")
	if err := w.reload(ctx); err == nil {
		t.Error("reload of an invalid file succeeded")
	}
	if got := outline(recv.Root()); !strings.HasPrefix(got, "(Stack(") {
		t.Errorf("mirror changed after failed reload: %s", got)
	}
}

func TestRenderRejectsBadArguments(t *testing.T) {
	cfg := config.New()
	cfg.Worker.UI = writeUI(t, "", buttonUI)
	w, err := newWorker(cfg, discard)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.render(context.Background()); err == nil {
		t.Error("render() with no arguments succeeded")
	}
	if _, err := w.render(context.Background(), "receiver"); err == nil {
		t.Error("render() with a string succeeded")
	}
}
