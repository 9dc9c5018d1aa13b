package channel

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Channel errors.
var (
	// ErrClosed is returned by Post after Close.
	ErrClosed = errors.New("channel: closed")

	// ErrTransferUnsupported is returned when transferables are posted on a
	// transport that cannot carry host-native handles.
	ErrTransferUnsupported = errors.New("channel: transferables not supported by transport")
)

// Handler receives one message and the transferables posted with it.
// Handlers are called one at a time, in the order messages were sent.
type Handler func(msg *protocol.Message, transfer []any)

// Channel is the uniform duplex message interface endpoints are built on.
// Implementations deliver messages in send order and call the handler
// serially. Messages that arrive before OnMessage is called are queued.
type Channel interface {
	// Post sends msg to the peer. transfer carries opaque host-native
	// handles; the core never inspects them.
	Post(msg *protocol.Message, transfer ...any) error

	// OnMessage sets the handler for incoming messages. The last call wins.
	OnMessage(h Handler)

	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// ErrorNotifier is implemented by channels that can fail asynchronously
// (a dropped socket, an undecodable frame). fn is called from the
// channel's read goroutine.
type ErrorNotifier interface {
	OnError(fn func(error))
}

// Stats counts traffic on a channel.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
}

// StatsProvider is implemented by every adapter in this package.
type StatsProvider interface {
	Stats() Stats
}

type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errors           atomic.Uint64
}

func (c *counters) sent(n int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *counters) received(n int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *counters) snapshot() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Errors:           c.errors.Load(),
	}
}

type envelope struct {
	msg      *protocol.Message
	transfer []any
}

// mailbox is an unbounded FIFO drained by a single goroutine, so posting
// never blocks the sender and the handler never runs concurrently with
// itself.
type mailbox struct {
	mu      sync.Mutex
	items   []envelope
	handler Handler
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) push(env envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, env)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *mailbox) setHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.signal()
}

// close stops accepting messages. Messages already queued are still
// delivered if a handler is set.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) run() {
	defer close(m.done)
	for range m.wake {
		for {
			m.mu.Lock()
			if m.handler == nil || len(m.items) == 0 {
				finished := m.closed && (m.handler == nil || len(m.items) == 0)
				m.mu.Unlock()
				if finished {
					return
				}
				break
			}
			env := m.items[0]
			m.items[0] = envelope{}
			m.items = m.items[1:]
			h := m.handler
			m.mu.Unlock()

			h(env.msg, env.transfer)
		}
	}
}

func logger(l *slog.Logger, kind string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("channel", kind)
}
