package channel

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/remote/pkg/protocol"
)

// WebSocketConfig configures a WebSocket channel.
type WebSocketConfig struct {
	// WriteTimeout bounds each frame write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout is the maximum idle time between frames. Zero disables
	// the read deadline.
	// Default: 0.
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming WebSocket messages.
	// Default: 16MB + header.
	MaxMessageSize int64

	// CompressThreshold deflates payloads larger than this many bytes.
	// Zero disables compression.
	// Default: DefaultCompressThreshold.
	CompressThreshold int

	// Logger receives read and decode errors.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    protocol.MaxFramePayload + protocol.ExtendedHeaderSize,
		CompressThreshold: DefaultCompressThreshold,
	}
}

// WebSocket adapts a gorilla/websocket connection. Every message travels
// as one binary WebSocket message holding one protocol frame.
type WebSocket struct {
	conn   *websocket.Conn
	config *WebSocketConfig
	logger *slog.Logger
	inbox  *mailbox
	stats  counters

	writeMu sync.Mutex
	closed  atomic.Bool

	errMu   sync.Mutex
	onError func(error)

	done chan struct{}
}

// NewWebSocket wraps conn and starts its read loop. config may be nil.
func NewWebSocket(conn *websocket.Conn, config *WebSocketConfig) *WebSocket {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	ws := &WebSocket{
		conn:   conn,
		config: config,
		logger: logger(config.Logger, "websocket"),
		inbox:  newMailbox(),
		done:   make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

// Post encodes msg as a binary frame and writes it.
func (ws *WebSocket) Post(msg *protocol.Message, transfer ...any) error {
	if len(transfer) > 0 {
		return ErrTransferUnsupported
	}
	if ws.closed.Load() {
		return ErrClosed
	}

	data, err := encodeFrame(msg, ws.config.CompressThreshold)
	if err != nil {
		ws.stats.errors.Add(1)
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.config.WriteTimeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
	}
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		ws.stats.errors.Add(1)
		return err
	}
	ws.stats.sent(len(data))
	return nil
}

// OnMessage sets the message handler.
func (ws *WebSocket) OnMessage(h Handler) {
	ws.inbox.setHandler(h)
}

// OnError sets the callback for asynchronous transport failures.
func (ws *WebSocket) OnError(fn func(error)) {
	ws.errMu.Lock()
	ws.onError = fn
	ws.errMu.Unlock()
}

// Done is closed when the read loop exits.
func (ws *WebSocket) Done() <-chan struct{} {
	return ws.done
}

// Close sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	if !ws.closed.CompareAndSwap(false, true) {
		return nil
	}
	ws.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	ws.writeMu.Unlock()
	ws.inbox.close()
	return ws.conn.Close()
}

// Stats returns traffic counters.
func (ws *WebSocket) Stats() Stats {
	return ws.stats.snapshot()
}

func (ws *WebSocket) readLoop() {
	defer close(ws.done)
	defer ws.inbox.close()

	for {
		if ws.config.ReadTimeout > 0 {
			ws.conn.SetReadDeadline(time.Now().Add(ws.config.ReadTimeout))
		}

		kind, data, err := ws.conn.ReadMessage()
		if err != nil {
			if ws.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				ws.logger.Error("read error", "error", err)
			}
			ws.fail(err)
			return
		}
		if kind != websocket.BinaryMessage {
			ws.logger.Warn("ignoring non-binary message", "type", kind)
			continue
		}
		ws.stats.received(len(data))

		msg, err := decodeFrame(data)
		if err != nil {
			var em *protocol.ErrorMessage
			if errors.As(err, &em) {
				ws.logger.Warn("peer reported transport error", "code", em.Code, "message", em.Message)
			} else {
				ws.logger.Error("frame decode error", "error", err)
			}
			ws.fail(err)
			continue
		}
		ws.inbox.push(envelope{msg: msg})
	}
}

func (ws *WebSocket) fail(err error) {
	ws.stats.errors.Add(1)
	ws.errMu.Lock()
	fn := ws.onError
	ws.errMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
