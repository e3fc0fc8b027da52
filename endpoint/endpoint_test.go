package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/atrun-project/atrun/bus"
	"github.com/atrun-project/atrun/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	sendErr   error
	sent      []bus.Envelope
	responses []struct {
		msgType  int32
		sequence uint64
		err      error
	}
}

func (c *fakeConnector) Send(h ConnectionHandle, env bus.Envelope) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConnector) OnReceiveForwardResponse(h ConnectionHandle, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata) {
	c.responses = append(c.responses, struct {
		msgType  int32
		sequence uint64
		err      error
	}{msgType, sequence, err})
}

type fakeHandle struct {
	id        string
	ready     bool
	connector *fakeConnector
	remote    *discovery.Node
}

func (h *fakeHandle) ID() string                      { return h.id }
func (h *fakeHandle) IsReady() bool                   { return h.ready }
func (h *fakeHandle) Connector() Connector             { return h.connector }
func (h *fakeHandle) RemoteNode() *discovery.Node      { return h.remote }

type fakeOwner struct {
	wakes     []time.Time
	responses []struct {
		sender   bus.Sender
		msgType  int32
		sequence uint64
		err      error
	}
}

func (o *fakeOwner) RegisterWaker(e *Endpoint, at time.Time) {
	o.wakes = append(o.wakes, at)
}

func (o *fakeOwner) OnForwardResponse(sender bus.Sender, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata) {
	o.responses = append(o.responses, struct {
		sender   bus.Sender
		msgType  int32
		sequence uint64
		err      error
	}{sender, msgType, sequence, err})
}

func newTestEndpoint(owner Owner) *Endpoint {
	node := discovery.NewNode(1, "peer")
	return NewEndpoint(owner, node, NewRegistry(), Config{
		BufferNumberLimit: 4,
		BufferSizeLimit:   1024,
		MessageTimeout:    50 * time.Millisecond,
	})
}

func TestPushForwardMessage_SendsImmediatelyWhenReady(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	conn := &fakeConnector{}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}
	ep.AddConnectionHandle(h)

	var seq uint64
	err := ep.PushForwardMessage(1, &seq, []byte("hello"), nil)
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, []byte("hello"), conn.sent[0].Payload)
	assert.NotZero(t, seq)
	assert.Empty(t, owner.wakes)
}

func TestPushForwardMessage_QueuesWhenNoHandleReady(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)

	var seq uint64
	err := ep.PushForwardMessage(1, &seq, []byte("hello"), nil)
	require.NoError(t, err)
	assert.Len(t, owner.wakes, 1)
	assert.Equal(t, 1, ep.pendingCountLocked())
}

func TestPushForwardMessage_EmptyPayloadIsNoop(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, nil, nil))
	assert.Empty(t, owner.wakes)
	assert.Equal(t, 0, ep.pendingCountLocked())
}

func TestPushForwardMessage_BufferNumberLimitSynthesizesFailure(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.cfg.BufferNumberLimit = 1

	var s1 uint64
	require.NoError(t, ep.PushForwardMessage(1, &s1, []byte("a"), nil))

	var s2 uint64
	err := ep.PushForwardMessage(1, &s2, []byte("b"), nil)
	require.Error(t, err)
	require.Len(t, owner.responses, 1)
	assert.Equal(t, s2, owner.responses[0].sequence)
}

func TestPushForwardMessage_SendErrorSynthesizesViaConnector(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	conn := &fakeConnector{sendErr: errors.New("transport down")}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}
	ep.AddConnectionHandle(h)

	var seq uint64
	err := ep.PushForwardMessage(1, &seq, []byte("hello"), nil)
	require.Error(t, err)
	require.Len(t, conn.responses, 1)
	assert.Equal(t, seq, conn.responses[0].sequence)
}

func TestPushForwardMessage_ClosingRejectsNewMessages(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.Close()

	var seq uint64
	err := ep.PushForwardMessage(1, &seq, []byte("hello"), nil)
	require.Error(t, err)
	require.Len(t, owner.responses, 1)
}

func TestRetryPendingMessages_SendsOnceHandleReady(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)

	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))

	conn := &fakeConnector{}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}
	ep.AddConnectionHandle(h)

	next := ep.RetryPendingMessages(time.Now(), 10)
	assert.True(t, next.IsZero())
	require.Len(t, conn.sent, 1)
	assert.Equal(t, 0, ep.pendingCountLocked())
}

func TestRetryPendingMessages_ExpiresStaleMessages(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.cfg.MessageTimeout = time.Millisecond

	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))

	time.Sleep(5 * time.Millisecond)
	next := ep.RetryPendingMessages(time.Now(), 10)
	assert.True(t, next.IsZero())
	require.Len(t, owner.responses, 1)
	assert.Equal(t, seq, owner.responses[0].sequence)
}

func TestRetryPendingMessages_KeepsUnexpiredWhenNoHandle(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)

	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))

	next := ep.RetryPendingMessages(time.Now(), 10)
	assert.False(t, next.IsZero())
	assert.Equal(t, 1, ep.pendingCountLocked())
}

func TestRetryPendingMessages_StopsEarlyAtBudgetLeavingUnexpiredQueued(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.cfg.BufferNumberLimit = 10
	ep.cfg.MessageTimeout = time.Hour

	for i := 0; i < 3; i++ {
		var seq uint64
		require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))
	}

	conn := &fakeConnector{}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}
	ep.AddConnectionHandle(h)

	next := ep.RetryPendingMessages(time.Now(), 2)
	assert.False(t, next.IsZero())
	require.Len(t, conn.sent, 2)
	assert.Equal(t, 1, ep.pendingCountLocked())
}

func TestRetryPendingMessages_ExpiresBeyondBudgetRegardlessOfLimit(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.cfg.BufferNumberLimit = 10
	ep.cfg.MessageTimeout = time.Millisecond

	for i := 0; i < 3; i++ {
		var seq uint64
		require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))
	}

	time.Sleep(5 * time.Millisecond)
	next := ep.RetryPendingMessages(time.Now(), 0)
	assert.True(t, next.IsZero())
	require.Len(t, owner.responses, 3)
	assert.Equal(t, 0, ep.pendingCountLocked())
}

func TestAddRemoveConnectionHandle_UpdatesRegistry(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	conn := &fakeConnector{}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}

	ep.AddConnectionHandle(h)
	got, ok := ep.registry.Lookup("h1")
	require.True(t, ok)
	assert.Same(t, ep, got)

	ep.RemoveConnectionHandle("h1")
	_, ok = ep.registry.Lookup("h1")
	assert.False(t, ok)

	_, ready := ep.GetReadyConnectionHandle()
	assert.False(t, ready)
}

func TestGetReadyConnectionHandle_SkipsNotReady(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	ep.AddConnectionHandle(&fakeHandle{id: "h1", ready: false, connector: &fakeConnector{}})
	ep.AddConnectionHandle(&fakeHandle{id: "h2", ready: true, connector: &fakeConnector{}})

	h, ok := ep.GetReadyConnectionHandle()
	require.True(t, ok)
	assert.Equal(t, "h2", h.ID())
}

func TestClose_DrainsQueueAndUnbindsHandles(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	h := &fakeHandle{id: "h1", ready: false, connector: &fakeConnector{}}
	ep.AddConnectionHandle(h)

	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))

	ep.Close()
	require.Len(t, owner.responses, 1)
	_, ok := ep.registry.Lookup("h1")
	assert.False(t, ok)

	var seq2 uint64
	err := ep.PushForwardMessage(1, &seq2, []byte("world"), nil)
	assert.Error(t, err)
}

func TestReset_DrainsWithoutPermanentlyClosing(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	h := &fakeHandle{id: "h1", ready: false, connector: &fakeConnector{}}
	ep.AddConnectionHandle(h)

	var seq uint64
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))
	ep.Reset()
	require.Len(t, owner.responses, 1)

	var seq2 uint64
	err := ep.PushForwardMessage(1, &seq2, []byte("world"), nil)
	assert.NoError(t, err)
}

func TestPushForwardMessage_PreservesCallerSuppliedSequence(t *testing.T) {
	owner := &fakeOwner{}
	ep := newTestEndpoint(owner)
	conn := &fakeConnector{}
	h := &fakeHandle{id: "h1", ready: true, connector: conn}
	ep.AddConnectionHandle(h)

	seq := uint64(777)
	require.NoError(t, ep.PushForwardMessage(1, &seq, []byte("hello"), nil))
	assert.Equal(t, uint64(777), seq)
	assert.Equal(t, uint64(777), conn.sent[0].Sequence)
}
