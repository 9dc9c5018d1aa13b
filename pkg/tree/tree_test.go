package tree_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/rpc"
	"github.com/vango-dev/remote/pkg/tree"
)

type sink struct {
	batches []*protocol.Batch
	err     error
}

func (s *sink) Call(ctx context.Context, args ...any) (any, error) {
	s.batches = append(s.batches, args[0].(*protocol.Batch))
	return nil, s.err
}

func (s *sink) last(t *testing.T) *protocol.Batch {
	t.Helper()
	if len(s.batches) == 0 {
		t.Fatal("no batch sent")
	}
	return s.batches[len(s.batches)-1]
}

func newRoot(t *testing.T) (*tree.Root, *sink) {
	t.Helper()
	s := &sink{}
	return tree.NewRoot(s, tree.WithInstanceID("test")), s
}

func mustComponent(t *testing.T, r *tree.Root, typ string, props map[string]any, children ...tree.Node) *tree.Component {
	t.Helper()
	c, err := r.CreateComponent(typ, props, children...)
	if err != nil {
		t.Fatalf("CreateComponent(%q) error = %v", typ, err)
	}
	return c
}

func TestIDsAreSequential(t *testing.T) {
	r, _ := newRoot(t)
	a := r.CreateText("a")
	b := mustComponent(t, r, "View", nil)
	c := r.CreateText("c")

	got := []string{a.ID(), b.ID(), c.ID()}
	if diff := cmp.Diff([]string{"1", "2", "3"}, got); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if r.ID() != protocol.RootID {
		t.Errorf("Root.ID() = %q; want %q", r.ID(), protocol.RootID)
	}
}

func TestCreateComponentDropsNilProps(t *testing.T) {
	r, _ := newRoot(t)
	c := mustComponent(t, r, "Button", map[string]any{"title": "Save", "disabled": nil})
	if diff := cmp.Diff(map[string]any{"title": "Save"}, c.Props()); diff != "" {
		t.Errorf("Props() (-want +got):\n%s", diff)
	}
}

func TestMountSendsSnapshot(t *testing.T) {
	r, s := newRoot(t)
	label := r.CreateText("Save")
	button := mustComponent(t, r, "Button", map[string]any{"primary": true}, label)
	if err := r.AppendChild(r, button); err != nil {
		t.Fatal(err)
	}
	if len(s.batches) != 0 {
		t.Fatalf("sent %d batches before Mount", len(s.batches))
	}

	if err := r.Mount(context.Background()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	b := s.last(t)
	if b.Seq != 1 || b.Instance != "test" || !b.IsSnapshot() {
		t.Fatalf("batch = seq %d instance %q snapshot %v; want seq 1 snapshot", b.Seq, b.Instance, b.IsSnapshot())
	}
	want := protocol.NewComponentWire(protocol.RootID, "", map[string]any{},
		protocol.NewComponentWire(button.ID(), "Button", map[string]any{"primary": true},
			protocol.NewTextWire(label.ID(), "Save")))
	if diff := cmp.Diff(want, b.Snapshot); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	// Mount again behaves like Flush: nothing queued, nothing sent.
	if err := r.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.batches) != 1 {
		t.Errorf("batches after second Mount = %d; want 1", len(s.batches))
	}
}

func TestRecordsAfterMount(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	list := mustComponent(t, r, "List", nil)
	if err := r.AppendChild(r, list); err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	a := r.CreateText("a")
	b := r.CreateText("b")
	err := r.Update(ctx, func() error {
		if err := list.AppendChild(a); err != nil {
			return err
		}
		if err := list.InsertChildBefore(b, a); err != nil {
			return err
		}
		if err := a.Update("A"); err != nil {
			return err
		}
		return list.UpdateProps(map[string]any{"title": "letters", "gone": nil})
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := s.last(t)
	if got.Seq != 2 || got.IsSnapshot() {
		t.Fatalf("batch seq %d snapshot %v; want seq 2 records", got.Seq, got.IsSnapshot())
	}
	want := []protocol.Record{
		protocol.InsertChild(list.ID(), protocol.NewTextWire(a.ID(), "a"), 0),
		protocol.InsertChild(list.ID(), protocol.NewTextWire(b.ID(), "b"), 0),
		protocol.UpdateText(a.ID(), "A"),
		protocol.UpdateProps(list.ID(), map[string]any{"title": "letters", "gone": nil}),
	}
	if diff := cmp.Diff(want, got.Records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	var ids []string
	for _, n := range list.Children() {
		ids = append(ids, n.ID())
	}
	if diff := cmp.Diff([]string{b.ID(), a.ID()}, ids); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
}

func TestMoveRecordsRemoveThenInsert(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	x := r.CreateText("x")
	left := mustComponent(t, r, "View", nil, x)
	right := mustComponent(t, r, "View", nil)
	for _, c := range []tree.Node{left, right} {
		if err := r.AppendChild(r, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	if err := r.AppendChild(right, x); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	want := []protocol.Record{
		protocol.RemoveChild(left.ID(), x.ID()),
		protocol.InsertChild(right.ID(), protocol.NewTextWire(x.ID(), "x"), 0),
	}
	if diff := cmp.Diff(want, s.last(t).Records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	if x.Parent() != tree.Container(right) {
		t.Errorf("Parent() = %v; want right", x.Parent())
	}
}

func TestDetachedChangesAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	label := r.CreateText("draft")
	card := mustComponent(t, r, "Card", nil, label)
	if err := label.Update("final"); err != nil {
		t.Fatal(err)
	}
	if err := card.UpdateProps(map[string]any{"elevated": true}); err != nil {
		t.Fatal(err)
	}
	if n := r.Pending(); n != 0 {
		t.Fatalf("Pending() = %d; want 0 for detached changes", n)
	}

	if err := r.AppendChild(r, card); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	want := []protocol.Record{
		protocol.InsertChild(protocol.RootID,
			protocol.NewComponentWire(card.ID(), "Card", map[string]any{"elevated": true},
				protocol.NewTextWire(label.ID(), "final")), 0),
	}
	if diff := cmp.Diff(want, s.last(t).Records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}

	// Once removed from the mounted tree, the subtree rejects updates
	// until it is inserted again.
	if err := r.RemoveChild(r, card); err != nil {
		t.Fatal(err)
	}
	if err := label.Update("again"); !errors.Is(err, tree.ErrUnknownNode) {
		t.Errorf("Update() on removed text error = %v; want ErrUnknownNode", err)
	}
	if err := card.UpdateProps(map[string]any{"elevated": false}); !errors.Is(err, tree.ErrUnknownNode) {
		t.Errorf("UpdateProps() on removed component error = %v; want ErrUnknownNode", err)
	}
	if n := r.Pending(); n != 1 {
		t.Errorf("Pending() = %d; want only the removeChild", n)
	}
	if label.Text() != "final" {
		t.Errorf("Text() = %q after rejected update; want %q", label.Text(), "final")
	}

	if err := r.AppendChild(r, card); err != nil {
		t.Fatal(err)
	}
	if err := label.Update("again"); err != nil {
		t.Errorf("Update() after reinsert error = %v", err)
	}
	if n := r.Pending(); n != 3 {
		t.Errorf("Pending() = %d; want removeChild, insertChild, updateText", n)
	}
}

func TestUpdatesBeforeMountAreAllowedAfterRemoval(t *testing.T) {
	r, _ := newRoot(t)
	text := r.CreateText("a")
	if err := r.AppendChild(r, text); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveChild(r, text); err != nil {
		t.Fatal(err)
	}
	if err := text.Update("b"); err != nil {
		t.Errorf("Update() before Mount error = %v; want nil", err)
	}
}

func TestFlushAfterSendErrorSendsSnapshot(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	text := r.CreateText("a")
	if err := r.AppendChild(r, text); err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	s.err = errors.New("connection reset")
	if err := text.Update("b"); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != s.err {
		t.Fatalf("Flush() error = %v; want %v", err, s.err)
	}

	// Nothing new is queued, but the lost batch must be made up for.
	s.err = nil
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	b := s.last(t)
	if !b.IsSnapshot() || b.Seq != 3 {
		t.Fatalf("batch after failure: seq %d snapshot %v; want seq 3 snapshot", b.Seq, b.IsSnapshot())
	}
	if diff := cmp.Diff(r.Snapshot(), b.Snapshot); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	// Later flushes are incremental again.
	if err := text.Update("c"); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	want := &protocol.Batch{Instance: "test", Seq: 4, Records: []protocol.Record{protocol.UpdateText(text.ID(), "c")}}
	if diff := cmp.Diff(want, s.last(t)); diff != "" {
		t.Errorf("batch (-want +got):\n%s", diff)
	}
	if len(s.batches) != 4 {
		t.Errorf("batches = %d; want 4", len(s.batches))
	}
}

func TestRecordedPropsAreCopies(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	c := mustComponent(t, r, "View", map[string]any{"n": 1})
	if err := r.AppendChild(r, c); err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	props := map[string]any{"n": 2}
	if err := c.UpdateProps(props); err != nil {
		t.Fatal(err)
	}
	props["n"] = 3
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.last(t).Records[0].Props["n"]; got != 2 {
		t.Errorf("recorded n = %v; want 2", got)
	}
	if got := s.batches[0].Snapshot.Children[0].Props["n"]; got != 1 {
		t.Errorf("snapshot n = %v; want 1", got)
	}
}

func TestFlushIsNoopWhenEmpty(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.batches) != 0 {
		t.Fatalf("Flush before Mount sent %d batches", len(s.batches))
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.batches) != 1 {
		t.Errorf("batches = %d; want only the snapshot", len(s.batches))
	}
}

func TestRemountSendsSnapshot(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	text := r.CreateText("t")
	if err := r.AppendChild(r, text); err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	if err := text.Update("u"); err != nil {
		t.Fatal(err)
	}

	if err := r.Remount(ctx); err != nil {
		t.Fatal(err)
	}
	b := s.last(t)
	if !b.IsSnapshot() || b.Seq != 2 {
		t.Fatalf("Remount batch seq %d snapshot %v; want seq 2 snapshot", b.Seq, b.IsSnapshot())
	}
	if diff := cmp.Diff(r.Snapshot(), b.Snapshot); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after Remount; want 0", r.Pending())
	}
}

func TestUpdateError(t *testing.T) {
	r, s := newRoot(t)
	if err := r.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := r.Update(context.Background(), func() error { return boom }); err != boom {
		t.Errorf("Update() error = %v; want %v", err, boom)
	}
	if len(s.batches) != 1 {
		t.Errorf("batches = %d; want no flush after error", len(s.batches))
	}
}

func TestSendError(t *testing.T) {
	r, s := newRoot(t)
	s.err = errors.New("rejected")
	if err := r.Mount(context.Background()); err != s.err {
		t.Errorf("Mount() error = %v; want %v", err, s.err)
	}

	if err := tree.NewRoot(nil).Mount(context.Background()); !errors.Is(err, tree.ErrNoReceiver) {
		t.Errorf("Mount() without receiver error = %v; want ErrNoReceiver", err)
	}
}

func TestMutationErrors(t *testing.T) {
	r, _ := newRoot(t)
	other, _ := newRoot(t)

	parent := mustComponent(t, r, "View", nil)
	child := mustComponent(t, r, "View", nil)
	if err := parent.AppendChild(child); err != nil {
		t.Fatal(err)
	}
	stranger := other.CreateText("x")
	loose := r.CreateText("loose")

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"append foreign child", func() error { return r.AppendChild(r, stranger) }, tree.ErrForeignNode},
		{"append into foreign parent", func() error { return r.AppendChild(other, loose) }, tree.ErrForeignNode},
		{"append nil", func() error { return r.AppendChild(r, nil) }, tree.ErrForeignNode},
		{"append self", func() error { return parent.AppendChild(parent) }, tree.ErrCycle},
		{"append ancestor", func() error { return child.AppendChild(parent) }, tree.ErrCycle},
		{"remove non-child", func() error { return parent.RemoveChild(loose) }, tree.ErrNotChild},
		{"insert before non-child", func() error { return parent.InsertChildBefore(loose, parent) }, tree.ErrNotChild},
		{"update foreign text", func() error { return r.UpdateText(stranger, "y") }, tree.ErrForeignNode},
		{"create with attached child", func() error {
			_, err := r.CreateComponent("View", nil, child)
			return err
		}, tree.ErrAttached},
		{"create with repeated child", func() error {
			_, err := r.CreateComponent("View", nil, loose, loose)
			return err
		}, tree.ErrAttached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v; want %v", err, tt.want)
			}
			var nodeErr *tree.NodeError
			if !errors.As(err, &nodeErr) {
				t.Errorf("error %T is not a *NodeError", err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	r, _ := newRoot(t)
	text := r.CreateText("t")
	view := mustComponent(t, r, "View", nil, text)

	if _, err := r.Node(view.ID()); !errors.Is(err, tree.ErrUnknownNode) {
		t.Errorf("Node() of detached = %v; want ErrUnknownNode", err)
	}
	if err := r.AppendChild(r, view); err != nil {
		t.Fatal(err)
	}

	if c, err := r.Component(view.ID()); err != nil || c != view {
		t.Errorf("Component() = %v, %v; want view", c, err)
	}
	if got, err := r.Text(text.ID()); err != nil || got != text {
		t.Errorf("Text() = %v, %v; want text", got, err)
	}
	if _, err := r.Text(view.ID()); !errors.Is(err, tree.ErrWrongKind) {
		t.Errorf("Text() of component = %v; want ErrWrongKind", err)
	}
	if _, err := r.Component(text.ID()); !errors.Is(err, tree.ErrWrongKind) {
		t.Errorf("Component() of text = %v; want ErrWrongKind", err)
	}

	if err := r.RemoveChild(r, view); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Node(text.ID()); !errors.Is(err, tree.ErrUnknownNode) {
		t.Errorf("Node() after removal = %v; want ErrUnknownNode", err)
	}
}

func TestFunctionProps(t *testing.T) {
	ctx := context.Background()
	r, s := newRoot(t)
	onPress := rpc.Func(func(ctx context.Context, args ...any) (any, error) { return nil, nil })
	button := mustComponent(t, r, "Button", map[string]any{"onPress": onPress})
	if err := r.AppendChild(r, button); err != nil {
		t.Fatal(err)
	}
	if err := r.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.last(t).Snapshot.Children[0].Props["onPress"]; got != onPress {
		t.Errorf("snapshot onPress = %v; want the same *Function", got)
	}
}
