// Package tree builds a component tree on the producer side and mirrors
// it to a receiver in another context.
//
// A Root owns every node created through it. Nodes start detached; once
// appended under the root they are attached, and after Mount each change
// to an attached node is recorded. Records are sent as one batch per
// Flush or Update:
//
//	root := tree.NewRoot(receive)
//	button, _ := root.CreateComponent("Button", map[string]any{
//	    "onPress": rpc.Func(onPress),
//	}, root.CreateText("Save"))
//	root.AppendChild(root, button)
//	root.Mount(ctx)
//
//	root.Update(ctx, func() error {
//	    return button.UpdateProps(map[string]any{"disabled": true})
//	})
//
// Props may hold functions; the endpoint that carries the batch turns them
// into handles. Mutations of detached nodes are not recorded: the node is
// sent whole when it is inserted. A node removed after Mount rejects
// updates with ErrUnknownNode until it is inserted again.
//
// If a batch fails to send, the next Flush sends a snapshot instead.
package tree
