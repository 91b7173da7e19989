package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// callResult is what a PendingCall completes with.
type callResult struct {
	payload json.RawMessage
	err     error
}

// PendingCall is an in-flight request awaiting its response.
type PendingCall struct {
	id   string
	kind error
	done chan callResult // buffered(1); written at most once
}

// ID returns the request id this call waits on.
func (p *PendingCall) ID() string { return p.id }

// Done delivers the call's single result.
func (p *PendingCall) Done() <-chan callResult { return p.done }

// Correlator pairs response frames with the requests that produced them.
// Frames arrive on the transport's read goroutine, so the map is mutex-guarded.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	logger  *slog.Logger
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending: make(map[string]*PendingCall),
		logger:  logger,
	}
}

// Register creates the pending entry for id. kind is the sentinel a rejection
// unwraps to (domain.ErrGatewayAuth for the handshake, domain.ErrGatewayRemote otherwise).
// It must be called before the request is sent.
func (c *Correlator) Register(id string, kind error) *PendingCall {
	p := &PendingCall{id: id, kind: kind, done: make(chan callResult, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return p
}

// HandleFrame consumes one raw frame. Malformed frames, non-response frames and
// responses for unknown ids are ignored.
func (c *Correlator) HandleFrame(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		c.logger.Debug("gateway: ignoring malformed frame", "error", err)
		return
	}

	res, ok := frame.(*Response)
	if !ok {
		if ev, isEvent := frame.(*Event); isEvent {
			c.logger.Debug("gateway: dropping event frame", "event", ev.Event)
		}
		return
	}

	p := c.take(res.ID)
	if p == nil {
		c.logger.Debug("gateway: response for unknown id", "id", res.ID)
		return
	}

	if res.OK {
		p.done <- callResult{payload: res.Payload}
		return
	}
	p.done <- callResult{err: res.remoteError(p.kind)}
}

// Cancel removes id without completing it. Later responses for id are ignored.
func (c *Correlator) Cancel(id string) {
	c.take(id)
}

// FailAll completes every pending call with err and empties the map.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*PendingCall)
	c.mu.Unlock()

	for _, p := range calls {
		p.done <- callResult{err: err}
	}
}

// Len returns the number of calls still awaiting a response.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the entry for id, or nil. Removal happens before the
// caller completes the call so a duplicate frame can never complete it twice.
func (c *Correlator) take(id string) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
