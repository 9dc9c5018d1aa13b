package rpc

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vango-dev/remote/pkg/metrics"
	"github.com/vango-dev/remote/pkg/protocol"
)

// export is a local function the peer holds references to.
type export struct {
	id      string
	key     any
	fn      HandlerFunc
	refs    int
	standIn *RemoteFunc
}

// imported tracks the stand-ins decoded for one of the peer's handles.
// received counts occurrences the owner sent; live counts stand-ins that
// have not detached yet. The owner is told to drop received references
// once live reaches zero.
type imported struct {
	received uint32
	live     int
}

// memory is the handle table of one endpoint.
type memory struct {
	ep      *Endpoint
	logger  *slog.Logger
	metrics *metrics.Metrics
	delay   time.Duration

	mu      sync.Mutex
	nextID  uint64
	exports map[string]*export
	keys    map[any]*export
	imports map[string]*imported
	closed  bool

	// queued releases, flushed as one message
	releaseIDs    []string
	releaseCounts map[string]uint32
	timer         *time.Timer
}

func newMemory(ep *Endpoint, logger *slog.Logger, m *metrics.Metrics, delay time.Duration) *memory {
	return &memory{
		ep:            ep,
		logger:        logger,
		metrics:       m,
		delay:         delay,
		exports:       make(map[string]*export),
		keys:          make(map[any]*export),
		imports:       make(map[string]*imported),
		releaseCounts: make(map[string]uint32),
	}
}

// retain mints a handle for fn or, when key identifies a function already
// exported, adds a reference to its handle.
func (m *memory) retain(key any, fn HandlerFunc, standIn *RemoteFunc) *export {
	m.mu.Lock()
	if key != nil {
		if e, ok := m.keys[key]; ok {
			e.refs++
			m.mu.Unlock()
			return e
		}
	}
	m.nextID++
	e := &export{
		id:   strconv.FormatUint(m.nextID, 10),
		key:  key,
		fn:   fn,
		refs: 1,
	}
	m.exports[e.id] = e
	if key != nil {
		m.keys[key] = e
	}
	if standIn != nil && standIn.Retain() {
		e.standIn = standIn
	}
	m.mu.Unlock()

	m.metrics.AddExported(1)
	return e
}

// unretain drops one reference per entry.
func (m *memory) unretain(entries []*export) {
	for _, e := range entries {
		m.releaseExport(e.id, 1)
	}
}

// releaseExport handles a release from the peer. Unknown handles and
// over-release are ignored.
func (m *memory) releaseExport(id string, count uint32) {
	m.mu.Lock()
	e, ok := m.exports[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("release of unknown function", "handle", id)
		return
	}
	e.refs -= int(count)
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.exports, id)
	if e.key != nil {
		delete(m.keys, e.key)
	}
	m.mu.Unlock()

	if e.standIn != nil {
		e.standIn.Release()
	}
	m.metrics.AddExported(-1)
}

// lookup returns the exported function for a handle.
func (m *memory) lookup(id string) (HandlerFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// importFunc creates a stand-in for one received occurrence of a handle.
func (m *memory) importFunc(id string) *RemoteFunc {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newRemoteFunc(m.ep, id)
	}
	entry, ok := m.imports[id]
	if !ok {
		entry = &imported{}
		m.imports[id] = entry
	}
	entry.received++
	entry.live++
	m.mu.Unlock()

	if !ok {
		m.metrics.AddImported(1)
	}
	return newRemoteFunc(m.ep, id)
}

// detach is called exactly once per stand-in.
func (m *memory) detach(id string) {
	m.mu.Lock()
	entry, ok := m.imports[id]
	if m.closed || !ok {
		m.mu.Unlock()
		return
	}
	entry.live--
	if entry.live > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.imports, id)
	if _, queued := m.releaseCounts[id]; !queued {
		m.releaseIDs = append(m.releaseIDs, id)
	}
	m.releaseCounts[id] += entry.received
	flushNow := m.delay <= 0
	if !flushNow && m.timer == nil {
		m.timer = time.AfterFunc(m.delay, m.flush)
	}
	m.mu.Unlock()

	m.metrics.AddImported(-1)
	if flushNow {
		m.flush()
	}
}

// takeReleases removes and returns the queued releases.
func (m *memory) takeReleases() *protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeReleasesLocked()
}

func (m *memory) takeReleasesLocked() *protocol.Message {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if len(m.releaseIDs) == 0 {
		return nil
	}
	ids := m.releaseIDs
	counts := make([]uint32, len(ids))
	for i, id := range ids {
		counts[i] = m.releaseCounts[id]
	}
	m.releaseIDs = nil
	m.releaseCounts = make(map[string]uint32)
	return protocol.NewRelease(ids, counts)
}

func (m *memory) hasReleases() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.releaseIDs) > 0
}

// flush posts queued releases.
func (m *memory) flush() {
	msg := m.takeReleases()
	if msg == nil {
		return
	}
	if err := m.ep.post(msg); err != nil {
		m.logger.Debug("release not sent", "handles", len(msg.IDs), "error", err)
		return
	}
	m.metrics.ReleasesSent(len(msg.IDs))
}

// close drops every export and returns one release message covering every
// handle still imported, or nil. Later detaches are ignored.
func (m *memory) close() *protocol.Message {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, entry := range m.imports {
		if _, queued := m.releaseCounts[id]; !queued {
			m.releaseIDs = append(m.releaseIDs, id)
		}
		m.releaseCounts[id] += entry.received
	}
	nImported := len(m.imports)
	m.imports = make(map[string]*imported)
	exports := m.exports
	m.exports = make(map[string]*export)
	m.keys = make(map[any]*export)
	msg := m.takeReleasesLocked()
	m.mu.Unlock()

	for _, e := range exports {
		if e.standIn != nil {
			e.standIn.Release()
		}
	}
	m.metrics.AddExported(-len(exports))
	m.metrics.AddImported(-nImported)
	return msg
}

func (m *memory) counts() (exported, imported int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exports), len(m.imports)
}
