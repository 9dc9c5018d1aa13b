// Package protocol defines the messages exchanged by two endpoints and the
// mutation records a remote tree sends to its mirror.
//
// Nothing here holds state. Endpoints (package rpc) produce and consume
// Message values; channel adapters (package channel) move them, either as
// Go values (in-memory pipes), as binary frames (WebSocket) or as JSON
// objects (byte streams).
//
// # Messages
//
//	call        {id, path, args}        invoke a callable on the peer
//	result      {id, value} or {id, error}
//	release     {ids, counts}           drop references to function handles
//	replace     {transport}             transport swap sentinel
//	replaceAck  {transport}             swap accepted
//	terminate   {}                      peer torn down
//
// # Values
//
// Arguments and results are built from nil, bool, integers, floats,
// strings, byte slices, []any, map[string]any and FunctionRef. The binary
// form tags every value with one byte:
//
//	0x00 null   0x01 bool   0x02 int (zigzag varint)   0x03 float64
//	0x04 string 0x05 array  0x06 object                0x07 bytes
//	0x08 function (handle id)
//
// In JSON a FunctionRef is the object {"__remoteFunction": "<id>"}.
//
// # Frames
//
// Binary transports wrap each encoded message in a frame:
//
//	┌────────────┬───────────┬──────────────────────────────┐
//	│ Frame Type │ Flags     │ Length (uint16, or uint32    │
//	│ (1 byte)   │ (1 byte)  │ with FlagExtended)           │
//	└────────────┴───────────┴──────────────────────────────┘
//
// # Mutation batches
//
// A Batch carries either a full Snapshot of a tree or a list of Records
// (insertChild, removeChild, updateProps, updateText). Batches travel as a
// plain call argument through Batch.ToValue and BatchFromValue, so function
// props inside them go through the regular handle machinery.
package protocol
