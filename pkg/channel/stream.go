package channel

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/vango-dev/remote/pkg/protocol"
)

// Stream carries messages as JSON objects over a byte stream (pipes,
// stdio of a child process, a TCP connection). Objects are framed with
// Content-Length headers, the framing language servers use.
type Stream struct {
	stream jsonrpc2.ObjectStream
	logger *slog.Logger
	inbox  *mailbox
	stats  counters

	writeMu sync.Mutex
	closed  atomic.Bool

	errMu   sync.Mutex
	onError func(error)

	done chan struct{}
}

// NewStream wraps rwc and starts its read loop. l may be nil.
func NewStream(rwc io.ReadWriteCloser, l *slog.Logger) *Stream {
	s := &Stream{
		stream: jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
		logger: logger(l, "stream"),
		inbox:  newMailbox(),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Post writes msg as one JSON object.
func (s *Stream) Post(msg *protocol.Message, transfer ...any) error {
	if len(transfer) > 0 {
		return ErrTransferUnsupported
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.stream.WriteObject(msg); err != nil {
		s.stats.errors.Add(1)
		return err
	}
	s.stats.sent(0)
	return nil
}

// OnMessage sets the message handler.
func (s *Stream) OnMessage(h Handler) {
	s.inbox.setHandler(h)
}

// OnError sets the callback for asynchronous transport failures.
func (s *Stream) OnError(fn func(error)) {
	s.errMu.Lock()
	s.onError = fn
	s.errMu.Unlock()
}

// Done is closed when the read loop exits.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close closes the underlying stream.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.inbox.close()
	return s.stream.Close()
}

// Stats returns traffic counters. Byte counts are not tracked for streams.
func (s *Stream) Stats() Stats {
	return s.stats.snapshot()
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer s.inbox.close()

	for {
		msg := new(protocol.Message)
		err := s.stream.ReadObject(msg)
		if err == nil {
			s.stats.received(0)
			s.inbox.push(envelope{msg: msg})
			continue
		}
		if s.closed.Load() {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug("stream closed by peer", "error", err)
		} else {
			s.logger.Error("read error", "error", err)
		}
		s.stats.errors.Add(1)
		s.errMu.Lock()
		fn := s.onError
		s.errMu.Unlock()
		if fn != nil {
			fn(err)
		}
		return
	}
}
