// Package receiver maintains the host-side mirror of a tree built with
// package tree in another context.
//
// A Receiver starts with an empty root. The producer sends it a snapshot
// when it mounts and batches of records afterwards:
//
//	r := receiver.New(receiver.WithOnChange(func(c receiver.Change) {
//	    render(c.Root)
//	}))
//	r.Attach(ep)
//
// Each batch is validated record by record and applied atomically: if any
// record is invalid the mirror is restored to its state before the batch
// and the producer's call fails with a *BatchError. Rendering code reads
// the mirror through Node and never mutates it.
package receiver
