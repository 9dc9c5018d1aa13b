package channel

import (
	"sync"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Pipe returns two connected in-memory channels. A message posted on one
// end is delivered to the other end's handler.
//
// Messages are cloned through the binary codec on Post, the way a
// structured-clone transport would, so the two sides never share maps or
// slices and a value that cannot cross a real transport fails here too.
// Transferables are handed over as they are.
func Pipe() (Channel, Channel) {
	shared := &pipeState{}
	a := &pipeEnd{state: shared, inbox: newMailbox()}
	b := &pipeEnd{state: shared, inbox: newMailbox()}
	a.peer, b.peer = b, a
	return a, b
}

type pipeState struct {
	mu     sync.Mutex
	closed bool
}

type pipeEnd struct {
	state *pipeState
	peer  *pipeEnd
	inbox *mailbox
	stats counters
}

// Post clones msg and queues it for the peer.
func (p *pipeEnd) Post(msg *protocol.Message, transfer ...any) error {
	p.state.mu.Lock()
	closed := p.state.closed
	p.state.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		p.stats.errors.Add(1)
		return err
	}
	clone, err := protocol.DecodeMessage(data)
	if err != nil {
		p.stats.errors.Add(1)
		return err
	}

	if !p.peer.inbox.push(envelope{msg: clone, transfer: transfer}) {
		return ErrClosed
	}
	p.stats.sent(len(data))
	p.peer.stats.received(len(data))
	return nil
}

// OnMessage sets the handler for messages posted by the peer.
func (p *pipeEnd) OnMessage(h Handler) {
	p.inbox.setHandler(h)
}

// Close closes both ends. Messages already posted are still delivered.
func (p *pipeEnd) Close() error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if p.state.closed {
		return nil
	}
	p.state.closed = true
	p.inbox.close()
	p.peer.inbox.close()
	return nil
}

// Stats returns traffic counters for this end.
func (p *pipeEnd) Stats() Stats {
	return p.stats.snapshot()
}
