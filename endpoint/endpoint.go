// Package endpoint forwards messages to a peer node across whatever
// connection handles are currently bound to it. When no handle is ready
// it buffers outbound messages up to a configured count/size budget and
// retries them as handles come and go, synthesizing a failure once a
// message has sat past its timeout or the buffer would overflow.
package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atrun-project/atrun"
	"github.com/atrun-project/atrun/bus"
	"github.com/atrun-project/atrun/discovery"
)

// Owner is the app-level object an Endpoint reports timeouts and
// terminal failures back to, and asks to be woken at a given time.
type Owner interface {
	RegisterWaker(e *Endpoint, at time.Time)
	OnForwardResponse(sender bus.Sender, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata)
}

// Config bounds an Endpoint's pending-message buffer.
type Config struct {
	BufferNumberLimit int
	BufferSizeLimit   int
	MessageTimeout    time.Duration
}

type pendingMessage struct {
	msgType  int32
	sequence uint64
	payload  []byte
	metadata *discovery.Metadata
	expiry   time.Time
}

// Endpoint represents one peer node's outbound message path: zero or more
// live ConnectionHandles plus a bounded queue of messages waiting for one
// to become ready.
type Endpoint struct {
	mu       sync.Mutex
	owner    Owner
	node     *discovery.Node
	registry *Registry
	cfg      Config

	closing     bool
	handleOrder []string
	handles     map[string]ConnectionHandle
	queue       []*pendingMessage
	pendingSize int

	nextSequence uint64
}

// NewEndpoint constructs an Endpoint for node, bound to registry for
// handle bookkeeping. owner receives timeout/failure callbacks and waker
// registrations.
func NewEndpoint(owner Owner, node *discovery.Node, registry *Registry, cfg Config) *Endpoint {
	return &Endpoint{
		owner:    owner,
		node:     node,
		registry: registry,
		cfg:      cfg,
		handles:  make(map[string]ConnectionHandle),
	}
}

// Node returns the peer this endpoint forwards to.
func (e *Endpoint) Node() *discovery.Node {
	return e.node
}

// AddConnectionHandle binds h to this endpoint and records the back
// reference in the shared registry so the handle's owner can later look
// up which endpoint to unbind from without holding a pointer to it.
func (e *Endpoint) AddConnectionHandle(h ConnectionHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handles[h.ID()]; !exists {
		e.handleOrder = append(e.handleOrder, h.ID())
	}
	e.handles[h.ID()] = h
	e.registry.bind(h.ID(), e)
}

// RemoveConnectionHandle unbinds a handle, e.g. when its connection
// drops. Pending messages are left queued for the next ready handle.
func (e *Endpoint) RemoveConnectionHandle(handleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeHandleLocked(handleID)
}

func (e *Endpoint) removeHandleLocked(handleID string) {
	if _, ok := e.handles[handleID]; !ok {
		return
	}
	delete(e.handles, handleID)
	e.registry.unbind(handleID)
	for i, id := range e.handleOrder {
		if id == handleID {
			e.handleOrder = append(e.handleOrder[:i], e.handleOrder[i+1:]...)
			break
		}
	}
}

// GetReadyConnectionHandle returns the first bound handle reporting
// IsReady, in the order handles were added.
func (e *Endpoint) GetReadyConnectionHandle() (ConnectionHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyHandleLocked()
}

func (e *Endpoint) readyHandleLocked() (ConnectionHandle, bool) {
	for _, id := range e.handleOrder {
		if h := e.handles[id]; h.IsReady() {
			return h, true
		}
	}
	return nil, false
}

// PushForwardMessage sends payload to this endpoint's peer. If sequence
// points at zero, an endpoint-local sequence number is assigned. On
// return *sequence always holds the sequence actually used.
//
// A ready handle is tried synchronously; failing that the message is
// queued up to the configured buffer limits and retried from Tick.
func (e *Endpoint) PushForwardMessage(msgType int32, sequence *uint64, payload []byte, meta *discovery.Metadata) error {
	e.mu.Lock()

	if e.closing {
		e.mu.Unlock()
		err := atrun.NewClosingError("Endpoint.PushForwardMessage", nil)
		e.synthesizeFailure(nil, msgType, seqOrAssign(sequence, &e.nextSequence), err, payload, meta)
		return err
	}

	if len(payload) == 0 {
		e.mu.Unlock()
		return nil
	}

	seq := seqOrAssign(sequence, &e.nextSequence)

	var sendHandle ConnectionHandle
	if len(e.queue) == 0 {
		sendHandle, _ = e.readyHandleLocked()
	}
	if sendHandle != nil {
		e.mu.Unlock()
		env := bus.Envelope{Type: msgType, Sequence: seq, Payload: payload, Metadata: meta}
		if err := sendHandle.Connector().Send(sendHandle, env); err != nil {
			e.synthesizeFailure(sendHandle, msgType, seq, err, payload, meta)
			return err
		}
		return nil
	}

	if e.pendingCountLocked()+1 > e.cfg.BufferNumberLimit {
		e.mu.Unlock()
		err := atrun.NewBufferLimitError("Endpoint.PushForwardMessage", nil)
		e.synthesizeFailure(nil, msgType, seq, err, payload, meta)
		return err
	}
	if e.pendingSize+len(payload) > e.cfg.BufferSizeLimit {
		e.mu.Unlock()
		err := atrun.NewBufferLimitError("Endpoint.PushForwardMessage", nil)
		e.synthesizeFailure(nil, msgType, seq, err, payload, meta)
		return err
	}

	msg := &pendingMessage{
		msgType:  msgType,
		sequence: seq,
		payload:  payload,
		metadata: meta,
		expiry:   time.Now().Add(e.cfg.MessageTimeout),
	}
	e.queue = append(e.queue, msg)
	e.pendingSize += len(payload)
	owner, waker := e.owner, e.queue[0].expiry
	e.mu.Unlock()

	if owner != nil {
		owner.RegisterWaker(e, waker)
	}
	return nil
}

func seqOrAssign(sequence *uint64, counter *uint64) uint64 {
	if sequence != nil && *sequence != 0 {
		return *sequence
	}
	next := atomic.AddUint64(counter, 1)
	if sequence != nil {
		*sequence = next
	}
	return next
}

func (e *Endpoint) pendingCountLocked() int {
	return len(e.queue)
}

// RetryPendingMessages drains queued messages that can now be sent over
// a ready handle, and synthesizes timeout failures for any that have
// expired. At most maxCount messages are sent in one call; once that
// budget is spent, remaining un-expired messages stay queued for the
// next call, while already-expired ones are still failed regardless of
// budget. It returns the time of the next pending expiry, or the zero
// time if the queue is empty afterward.
func (e *Endpoint) RetryPendingMessages(now time.Time, maxCount int) time.Time {
	e.mu.Lock()

	var remaining []*pendingMessage
	var toSend []*pendingMessage
	var toFail []*pendingMessage

	h, ready := e.readyHandleLocked()
	sent := 0
	for _, msg := range e.queue {
		switch {
		case ready && sent < maxCount:
			toSend = append(toSend, msg)
			sent++
		case !msg.expiry.After(now):
			toFail = append(toFail, msg)
		default:
			remaining = append(remaining, msg)
		}
	}

	e.queue = remaining
	e.pendingSize = sumPayloadSize(remaining)
	var nextWake time.Time
	if len(remaining) > 0 {
		nextWake = remaining[0].expiry
	}
	e.mu.Unlock()

	for _, msg := range toSend {
		env := bus.Envelope{Type: msg.msgType, Sequence: msg.sequence, Payload: msg.payload, Metadata: msg.metadata}
		if err := h.Connector().Send(h, env); err != nil {
			e.synthesizeFailure(h, msg.msgType, msg.sequence, err, msg.payload, msg.metadata)
		}
	}
	for _, msg := range toFail {
		e.synthesizeFailure(nil, msg.msgType, msg.sequence, atrun.NewNodeTimeoutError("Endpoint.RetryPendingMessages", nil), msg.payload, msg.metadata)
	}
	return nextWake
}

func sumPayloadSize(msgs []*pendingMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.payload)
	}
	return n
}

// Close marks the endpoint closing: no further messages are accepted,
// every queued message is failed with a closing error, and every bound
// handle is unbound.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closing = true
	queue := e.queue
	e.queue = nil
	e.pendingSize = 0
	for _, id := range append([]string(nil), e.handleOrder...) {
		e.removeHandleLocked(id)
	}
	e.mu.Unlock()

	for _, msg := range queue {
		e.synthesizeFailure(nil, msg.msgType, msg.sequence, atrun.NewClosingError("Endpoint.Close", nil), msg.payload, msg.metadata)
	}
}

// Reset drains any pending messages with a closing failure and unbinds
// every handle, without marking the endpoint permanently closed. Used
// when a peer's identity changes under an otherwise-reused endpoint.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.pendingSize = 0
	for _, id := range append([]string(nil), e.handleOrder...) {
		e.removeHandleLocked(id)
	}
	e.mu.Unlock()

	for _, msg := range queue {
		e.synthesizeFailure(nil, msg.msgType, msg.sequence, atrun.NewClosingError("Endpoint.Reset", nil), msg.payload, msg.metadata)
	}
}

// synthesizeFailure reports a send failure either through the handle's
// connector (if one was involved) or, failing that, through the owner's
// generic forward-response event.
func (e *Endpoint) synthesizeFailure(h ConnectionHandle, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata) {
	if h != nil && h.Connector() != nil {
		h.Connector().OnReceiveForwardResponse(h, msgType, sequence, err, payload, meta)
		return
	}
	if e.owner == nil {
		return
	}
	sender := bus.Sender{}
	if e.node != nil {
		sender.ID = e.node.ID
		sender.Name = e.node.Name
	}
	e.owner.OnForwardResponse(sender, msgType, sequence, err, payload, meta)
}
