package receiver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/receiver"
	"github.com/vango-dev/remote/pkg/remotetest"
	"github.com/vango-dev/remote/pkg/rpc"
	"github.com/vango-dev/remote/pkg/tree"
)

// connect returns a host-side receiver and a worker-side tree joined by
// connected endpoints.
func connect(t *testing.T, opts ...receiver.Option) (*receiver.Receiver, *tree.Root, *rpc.Endpoint, *rpc.Endpoint) {
	t.Helper()
	host, worker := remotetest.Pair(t)
	r := receiver.New(opts...)
	r.Attach(host)
	root := tree.NewRoot(worker.Proxy().Method("receive"))
	return r, root, host, worker
}

func snapshot(nodes ...*protocol.NodeWire) *protocol.Batch {
	return &protocol.Batch{
		Instance: "t",
		Seq:      1,
		Snapshot: protocol.NewComponentWire(protocol.RootID, "", map[string]any{}, nodes...),
	}
}

func records(seq uint64, recs ...protocol.Record) *protocol.Batch {
	return &protocol.Batch{Instance: "t", Seq: seq, Records: recs}
}

// seeded returns a receiver holding root > list(2) > [a(3), b(4)].
func seeded(t *testing.T, opts ...receiver.Option) *receiver.Receiver {
	t.Helper()
	r := receiver.New(opts...)
	err := r.Receive(context.Background(), snapshot(
		protocol.NewComponentWire("2", "List", map[string]any{"title": "letters"},
			protocol.NewTextWire("3", "a"),
			protocol.NewTextWire("4", "b")),
	))
	if err != nil {
		t.Fatalf("Receive(snapshot) error = %v", err)
	}
	return r
}

var equateEmpty = cmpopts.EquateEmpty()

func TestConvergence(t *testing.T) {
	ctx := remotetest.Context(t)
	r, root, _, _ := connect(t)

	list, err := root.CreateComponent("List", map[string]any{"title": "todo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AppendChild(root, list); err != nil {
		t.Fatal(err)
	}
	if err := root.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	var items []*tree.Component
	steps := []struct {
		name string
		fn   func() error
	}{
		{"append items", func() error {
			for _, label := range []string{"milk", "eggs", "bread"} {
				item, err := root.CreateComponent("Item", map[string]any{"done": false}, root.CreateText(label))
				if err != nil {
					return err
				}
				items = append(items, item)
				if err := list.AppendChild(item); err != nil {
					return err
				}
			}
			return nil
		}},
		{"insert first", func() error {
			first, err := root.CreateComponent("Item", map[string]any{"done": true}, root.CreateText("coffee"))
			if err != nil {
				return err
			}
			return list.InsertChildBefore(first, items[0])
		}},
		{"move last to front", func() error {
			return list.InsertChildBefore(items[2], list.Children()[0])
		}},
		{"update props", func() error {
			return items[1].UpdateProps(map[string]any{"done": true, "note": "free range"})
		}},
		{"delete prop", func() error {
			return items[1].UpdateProps(map[string]any{"note": nil})
		}},
		{"update text", func() error {
			return items[0].Children()[0].(*tree.Text).Update("oat milk")
		}},
		{"remove and reinsert", func() error {
			if err := list.RemoveChild(items[0]); err != nil {
				return err
			}
			return root.AppendChild(root, items[0])
		}},
		{"remove subtree", func() error {
			return root.RemoveChild(root, list)
		}},
	}
	for _, step := range steps {
		if err := root.Update(ctx, step.fn); err != nil {
			t.Fatalf("%s: Update() error = %v", step.name, err)
		}
		if diff := cmp.Diff(root.Snapshot(), r.Snapshot(), equateEmpty); diff != "" {
			t.Fatalf("%s: mirror diverged (-tree +mirror):\n%s", step.name, diff)
		}
	}
	if got, want := r.Len(), 3; got != want {
		t.Errorf("Len() = %d; want %d (root, item, text)", got, want)
	}
}

func TestButtonScenario(t *testing.T) {
	ctx := remotetest.Context(t)
	var changes []receiver.Change
	var mu sync.Mutex
	r, root, host, worker := connect(t, receiver.WithOnChange(func(c receiver.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))

	presses := remotetest.NewRecorder("pressed", nil)
	button, err := root.CreateComponent("Button", map[string]any{"onPress": rpc.Func(presses.Call)},
		root.CreateText("Click me"))
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AppendChild(root, button); err != nil {
		t.Fatal(err)
	}
	if err := root.Mount(ctx); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	kids := r.Root().Children()
	if len(kids) != 1 || kids[0].Type() != "Button" {
		t.Fatalf("root children = %v; want one Button", kids)
	}
	mirrored := kids[0]
	if text := mirrored.Children(); len(text) != 1 || text[0].Text() != "Click me" {
		t.Fatalf("button children = %v; want text \"Click me\"", text)
	}
	onPress, _ := mirrored.Prop("onPress")
	fn, ok := onPress.(*rpc.RemoteFunc)
	if !ok {
		t.Fatalf("onPress = %T; want *rpc.RemoteFunc", onPress)
	}

	for i := 1; i <= 2; i++ {
		got, err := fn.Call(ctx, "tap")
		if err != nil || got != "pressed" {
			t.Fatalf("onPress() = %v, %v; want pressed", got, err)
		}
		if presses.Count() != i {
			t.Errorf("presses = %d; want %d", presses.Count(), i)
		}
	}

	// Removing the button releases its handler on both sides.
	if err := root.Update(ctx, func() error { return root.RemoveChild(root, button) }); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(button.ID()); ok {
		t.Error("button still mirrored after removal")
	}
	remotetest.Eventually(t, func() bool {
		return worker.Stats().Exported == 0 && host.Stats().Imported == 0
	}, "onPress handle not released")
	if !fn.Released() {
		t.Error("stand-in not released after removal")
	}

	// The orphaned button's props no longer validate, on either side.
	err = button.UpdateProps(map[string]any{"label": "late"})
	if !errors.Is(err, tree.ErrUnknownNode) {
		t.Fatalf("UpdateProps() on removed button error = %v; want ErrUnknownNode", err)
	}
	if n := root.Pending(); n != 0 {
		t.Errorf("Pending() = %d after rejected update; want 0", n)
	}
	_, err = worker.Proxy().Call(ctx, "receive", &protocol.Batch{
		Instance: root.Instance(),
		Seq:      3,
		Records:  []protocol.Record{protocol.UpdateProps(button.ID(), map[string]any{"label": "late"})},
	})
	var re *rpc.RemoteError
	if !errors.As(err, &re) || re.Code != protocol.ErrValidation {
		t.Fatalf("update of removed node error = %v; want validation error", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Errorf("onChange calls = %d; want 2", len(changes))
	}
}

func TestConvergenceAfterUnsentBatch(t *testing.T) {
	ctx := remotetest.Context(t)
	r, root, _, _ := connect(t)

	card, err := root.CreateComponent("Card", nil, root.CreateText("draft"))
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AppendChild(root, card); err != nil {
		t.Fatal(err)
	}
	if err := root.Mount(ctx); err != nil {
		t.Fatal(err)
	}

	// The batch fails to encode and never reaches the receiver.
	err = root.Update(ctx, func() error {
		return card.UpdateProps(map[string]any{"style": struct{ Width int }{10}})
	})
	if !errors.Is(err, rpc.ErrUnsupportedValue) {
		t.Fatalf("Update() error = %v; want ErrUnsupportedValue", err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"drop bad prop", func() error {
			return card.UpdateProps(map[string]any{"style": nil, "elevated": true})
		}},
		{"update text", func() error {
			return card.Children()[0].(*tree.Text).Update("final")
		}},
	}
	for _, step := range steps {
		if err := root.Update(ctx, step.fn); err != nil {
			t.Fatalf("%s: Update() error = %v", step.name, err)
		}
		if diff := cmp.Diff(root.Snapshot(), r.Snapshot(), equateEmpty); diff != "" {
			t.Fatalf("%s: mirror diverged (-tree +mirror):\n%s", step.name, diff)
		}
	}
}

func TestAtomicity(t *testing.T) {
	var errs []error
	var changes int
	r := seeded(t,
		receiver.WithOnError(func(err error) { errs = append(errs, err) }),
		receiver.WithOnChange(func(receiver.Change) { changes++ }))
	before := r.Snapshot()

	err := r.Receive(context.Background(), records(2,
		protocol.UpdateProps("2", map[string]any{"title": "changed", "new": true}),
		protocol.InsertChild("2", protocol.NewTextWire("5", "c"), 2),
		protocol.UpdateText("3", "A"),
		protocol.RemoveChild("2", "4"),
		protocol.RemoveChild("2", "99"),
	))

	var batchErr *receiver.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Receive() error = %v; want *BatchError", err)
	}
	if batchErr.Index != 4 || batchErr.ID != "99" || !errors.Is(err, receiver.ErrUnknownNode) {
		t.Errorf("BatchError = %+v; want record 4 unknown node 99", batchErr)
	}
	if diff := cmp.Diff(before, r.Snapshot(), equateEmpty); diff != "" {
		t.Errorf("mirror changed by rejected batch (-before +after):\n%s", diff)
	}
	if _, ok := r.Get("5"); ok {
		t.Error("node 5 registered by rejected batch")
	}
	if len(errs) != 1 || changes != 1 {
		t.Errorf("onError calls = %d, onChange calls = %d; want 1 and 1 (snapshot only)", len(errs), changes)
	}

	// The rejected batch still consumed its seq.
	if err := r.Receive(context.Background(), records(3, protocol.UpdateText("3", "A"))); err != nil {
		t.Fatalf("Receive(seq 3) error = %v", err)
	}
	if n, _ := r.Get("3"); n.Text() != "A" {
		t.Errorf("text = %q; want A", n.Text())
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		rec  protocol.Record
		want error
	}{
		{"insert under unknown parent", protocol.InsertChild("42", protocol.NewTextWire("9", "x"), 0), receiver.ErrUnknownNode},
		{"insert under text", protocol.InsertChild("3", protocol.NewTextWire("9", "x"), 0), receiver.ErrWrongKind},
		{"insert past end", protocol.InsertChild("2", protocol.NewTextWire("9", "x"), 3), receiver.ErrIndexOutOfRange},
		{"insert negative index", protocol.InsertChild("2", protocol.NewTextWire("9", "x"), -1), receiver.ErrIndexOutOfRange},
		{"insert existing id", protocol.InsertChild("2", protocol.NewTextWire("3", "x"), 0), receiver.ErrDuplicateNode},
		{"insert root id", protocol.InsertChild("2", protocol.NewTextWire(protocol.RootID, "x"), 0), receiver.ErrDuplicateNode},
		{"insert repeated id", protocol.InsertChild("2", protocol.NewComponentWire("9", "View", nil,
			protocol.NewTextWire("10", "x"), protocol.NewTextWire("10", "y")), 0), receiver.ErrDuplicateNode},
		{"remove unknown", protocol.RemoveChild("2", "42"), receiver.ErrUnknownNode},
		{"remove from wrong parent", protocol.RemoveChild(protocol.RootID, "3"), receiver.ErrNotChild},
		{"update unknown props", protocol.UpdateProps("42", map[string]any{"a": "b"}), receiver.ErrUnknownNode},
		{"update props of text", protocol.UpdateProps("3", map[string]any{"a": "b"}), receiver.ErrWrongKind},
		{"update text of component", protocol.UpdateText("2", "x"), receiver.ErrWrongKind},
		{"update unknown text", protocol.UpdateText("42", "x"), receiver.ErrUnknownNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := seeded(t)
			before := r.Snapshot()
			err := r.Receive(context.Background(), records(2, tt.rec))
			if !errors.Is(err, tt.want) {
				t.Errorf("Receive() error = %v; want %v", err, tt.want)
			}
			var coder rpc.ErrorCoder
			if !errors.As(err, &coder) || coder.ErrorCode() != protocol.ErrValidation {
				t.Errorf("error %v does not report ErrValidation", err)
			}
			if diff := cmp.Diff(before, r.Snapshot(), equateEmpty); diff != "" {
				t.Errorf("mirror changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestRemoveThenUpdateInOneBatch(t *testing.T) {
	r := seeded(t)
	err := r.Receive(context.Background(), records(2,
		protocol.RemoveChild(protocol.RootID, "2"),
		protocol.UpdateText("3", "orphan"),
	))
	if !errors.Is(err, receiver.ErrUnknownNode) {
		t.Fatalf("Receive() error = %v; want ErrUnknownNode", err)
	}
	if n, ok := r.Get("3"); !ok || n.Text() != "a" {
		t.Errorf("node 3 after rollback = %v, %v; want text a", n, ok)
	}
	if p := r.Root().Children(); len(p) != 1 || p[0].ID() != "2" {
		t.Errorf("root children after rollback = %v; want [2]", p)
	}
}

func TestChangeIDs(t *testing.T) {
	var got receiver.Change
	r := seeded(t, receiver.WithOnChange(func(c receiver.Change) { got = c }))
	err := r.Receive(context.Background(), records(2,
		protocol.UpdateText("4", "B"),
		protocol.InsertChild("2", protocol.NewTextWire("5", "c"), 0),
		protocol.UpdateProps("2", map[string]any{"title": "x"}),
	))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"4", "2"}, got.IDs); diff != "" {
		t.Errorf("Change.IDs (-want +got):\n%s", diff)
	}
	if got.Seq != 2 || got.Root != r.Root() {
		t.Errorf("Change = seq %d root %p; want seq 2 root %p", got.Seq, got.Root, r.Root())
	}
}

func TestSeqOrdering(t *testing.T) {
	var order []uint64
	r := seeded(t, receiver.WithOnChange(func(c receiver.Change) { order = append(order, c.Seq) }))

	done := make(chan error, 1)
	go func() {
		done <- r.Receive(context.Background(), records(3, protocol.UpdateText("3", "third")))
	}()
	select {
	case err := <-done:
		t.Fatalf("seq 3 applied before seq 2: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := r.Receive(context.Background(), records(2, protocol.UpdateText("3", "second"))); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Receive(seq 3) error = %v", err)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, order); diff != "" {
		t.Errorf("apply order (-want +got):\n%s", diff)
	}
	if n, _ := r.Get("3"); n.Text() != "third" {
		t.Errorf("text = %q; want third", n.Text())
	}
}

func TestSeqGapTimesOut(t *testing.T) {
	r := seeded(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Receive(ctx, records(5, protocol.UpdateText("3", "x")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v; want DeadlineExceeded", err)
	}
}

func TestStaleBatch(t *testing.T) {
	r := seeded(t)
	if err := r.Receive(context.Background(), records(2, protocol.UpdateText("3", "x"))); err != nil {
		t.Fatal(err)
	}
	err := r.Receive(context.Background(), records(2, protocol.UpdateText("3", "y")))
	if !errors.Is(err, receiver.ErrStaleBatch) {
		t.Errorf("Receive() of repeated seq error = %v; want ErrStaleBatch", err)
	}
	stale := snapshot()
	if err := r.Receive(context.Background(), stale); !errors.Is(err, receiver.ErrStaleBatch) {
		t.Errorf("Receive() of old snapshot error = %v; want ErrStaleBatch", err)
	}
}

func TestSnapshotResets(t *testing.T) {
	r := seeded(t)
	err := r.Receive(context.Background(), &protocol.Batch{
		Instance: "other",
		Seq:      1,
		Snapshot: protocol.NewComponentWire(protocol.RootID, "", nil, protocol.NewTextWire("1", "fresh")),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := protocol.NewComponentWire(protocol.RootID, "", map[string]any{}, protocol.NewTextWire("1", "fresh"))
	if diff := cmp.Diff(want, r.Snapshot(), equateEmpty); diff != "" {
		t.Errorf("mirror (-want +got):\n%s", diff)
	}
	if _, ok := r.Get("2"); ok {
		t.Error("node from previous instance still mirrored")
	}

	// Records of the old instance wait for a snapshot that never comes.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Receive(ctx, records(2, protocol.UpdateText("3", "x"))); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() for old instance error = %v; want DeadlineExceeded", err)
	}
}

func TestRemountReleasesOldHandlers(t *testing.T) {
	ctx := remotetest.Context(t)
	r, root, host, worker := connect(t)

	onPress := rpc.Func(remotetest.NewRecorder(nil, nil).Call)
	button, err := root.CreateComponent("Button", map[string]any{"onPress": onPress})
	if err != nil {
		t.Fatal(err)
	}
	if err := root.AppendChild(root, button); err != nil {
		t.Fatal(err)
	}
	if err := root.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	old, _ := r.Root().Children()[0].Prop("onPress")

	if err := root.Remount(ctx); err != nil {
		t.Fatal(err)
	}
	if !old.(*rpc.RemoteFunc).Released() {
		t.Error("stand-in from the replaced mirror not released")
	}
	current, _ := r.Root().Children()[0].Prop("onPress")
	if current.(*rpc.RemoteFunc).Released() {
		t.Error("current stand-in released")
	}
	remotetest.Eventually(t, func() bool {
		return worker.Stats().Exported == 1 && host.Stats().Imported == 1
	}, "want one live handle, got worker %+v host %+v", worker.Stats(), host.Stats())
}

func TestFuncRejectsMalformedBatch(t *testing.T) {
	var reported error
	r := receiver.New(receiver.WithOnError(func(err error) { reported = err }))
	_, err := r.Func().Call(context.Background(), map[string]any{"seq": "x"})
	var batchErr *receiver.BatchError
	if !errors.As(err, &batchErr) || !errors.Is(err, protocol.ErrMalformedBatch) {
		t.Errorf("Call() error = %v; want *BatchError wrapping ErrMalformedBatch", err)
	}
	if reported != err {
		t.Errorf("onError got %v; want %v", reported, err)
	}
}
