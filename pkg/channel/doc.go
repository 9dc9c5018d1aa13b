// Package channel provides transports for endpoints.
//
// A Channel posts protocol messages to its peer and hands received ones to
// a single handler, in order. Three adapters are provided:
//
//   - Pipe: two connected in-memory ends, for same-process hosts and tests
//   - WebSocket: binary frames over a gorilla/websocket connection, with
//     optional deflate compression of large payloads
//   - Stream: Content-Length framed JSON objects over any io.ReadWriteCloser
//
// Adapters that can fail after construction implement ErrorNotifier; the
// endpoint treats such failures like a teardown of its in-flight calls.
package channel
