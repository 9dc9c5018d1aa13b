package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/protocol"
)

// Replace moves the session to ch. A replace message carrying this
// side's Hello goes out on ch and outgoing traffic is held until the peer
// acknowledges on ch. Then ch becomes current, held messages are flushed
// in order and the old channel is closed. Pending calls keep their ids
// and resolve on whichever channel their result arrives.
//
// The peer must have been handed its end of ch with Accept. If the
// handshake fails, pending calls are rejected with ErrReplaced, ch is
// closed and the old channel stays current.
func (e *Endpoint) Replace(ctx context.Context, ch channel.Channel) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	if e.replace != nil {
		e.mu.Unlock()
		return ErrReplaceInProgress
	}
	rs := &replaceState{ch: ch, ack: make(chan *protocol.Message, 1)}
	e.replace = rs
	e.mu.Unlock()

	e.sendMu.Lock()
	e.holding = true
	e.sendMu.Unlock()

	e.listen(ch)
	if err := ch.Post(&protocol.Message{Type: protocol.MessageReplace, Hello: protocol.NewHello()}); err != nil {
		return e.replaceFailed(rs, err)
	}

	select {
	case ack := <-rs.ack:
		if ack.Error != nil {
			return e.replaceFailed(rs, ack.Error)
		}
		if err := protocol.CheckCompatible(ack.Hello); err != nil {
			return e.replaceFailed(rs, err)
		}
	case <-ctx.Done():
		return e.replaceFailed(rs, ctx.Err())
	case <-e.done:
		return ErrTerminated
	}

	e.sendMu.Lock()
	old := e.ch
	e.ch = ch
	e.flushQueueLocked()
	e.sendMu.Unlock()

	e.mu.Lock()
	if e.replace == rs {
		e.replace = nil
	}
	e.mu.Unlock()

	if err := old.Close(); err != nil {
		e.logger.Debug("close replaced channel", "error", err)
	}
	e.logger.Info("channel replaced")
	return nil
}

// Accept starts listening on ch for a replace initiated by the peer.
func (e *Endpoint) Accept(ch channel.Channel) {
	e.listen(ch)
}

func (e *Endpoint) replaceFailed(rs *replaceState, cause error) error {
	e.mu.Lock()
	if e.replace == rs {
		e.replace = nil
	}
	e.mu.Unlock()

	e.logger.Warn("channel replace failed", "error", cause)
	e.rejectPending(ErrReplaced)

	e.sendMu.Lock()
	e.flushQueueLocked()
	e.sendMu.Unlock()

	rs.ch.Close()
	return fmt.Errorf("%w: %w", ErrReplaced, cause)
}

// flushQueueLocked posts held messages on the current channel.
func (e *Endpoint) flushQueueLocked() {
	queue := e.queue
	e.queue = nil
	e.holding = false
	for _, out := range queue {
		if err := e.ch.Post(out.msg, out.transfer...); err != nil {
			e.logger.Debug("held message not sent", "type", out.msg.Type, "error", err)
		}
	}
}

// acceptReplace answers a replace message received on from and, when the
// versions are compatible, makes from the current channel. The old
// channel is left for the initiator to close.
func (e *Endpoint) acceptReplace(from channel.Channel, msg *protocol.Message) {
	e.mu.Lock()
	terminated := e.terminated
	e.mu.Unlock()

	ack := &protocol.Message{Type: protocol.MessageReplaceAck, Hello: protocol.NewHello()}
	err := protocol.CheckCompatible(msg.Hello)
	if terminated {
		err = ErrTerminated
	}
	if err != nil {
		ack.Error = protocol.NewError(protocol.ErrInvalidMessage, err.Error())
		if perr := from.Post(ack); perr != nil {
			e.logger.Debug("replace refusal not sent", "error", perr)
		}
		e.logger.Warn("replace refused", "error", err)
		return
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.ch == from {
		return
	}
	if err := from.Post(ack); err != nil {
		e.logger.Warn("replace ack not sent", "error", err)
		return
	}
	e.ch = from
	e.logger.Info("channel replaced by peer")
}

func (e *Endpoint) replaceAcked(from channel.Channel, msg *protocol.Message) {
	e.mu.Lock()
	rs := e.replace
	e.mu.Unlock()
	if rs == nil || rs.ch != from {
		e.logger.Debug("unexpected replace ack")
		return
	}
	select {
	case rs.ack <- msg:
	default:
	}
}

// IsTeardown reports whether err is a teardown error (terminate or failed
// replace) rather than a failure reported by the peer.
func IsTeardown(err error) bool {
	return errors.Is(err, ErrTerminated) || errors.Is(err, ErrReplaced)
}
