package endpoint

import (
	"github.com/atrun-project/atrun/bus"
	"github.com/atrun-project/atrun/discovery"
)

// Connector is the transport-level sender bound to a ConnectionHandle.
// Send attempts synchronous delivery; OnReceiveForwardResponse is called
// by the endpoint to synthesize a failure (or report a connector-level
// send error) back to whoever is waiting on the message.
type Connector interface {
	Send(h ConnectionHandle, env bus.Envelope) error
	OnReceiveForwardResponse(h ConnectionHandle, msgType int32, sequence uint64, err error, payload []byte, meta *discovery.Metadata)
}

// ConnectionHandle is one live transport-level connection that may be
// bound to an Endpoint. An endpoint may hold several (failover paths,
// multiple listen addresses); a handle is bound to at most one endpoint
// at a time.
type ConnectionHandle interface {
	ID() string
	IsReady() bool
	Connector() Connector
	RemoteNode() *discovery.Node
}

// Registry maps handle ids back to their owning Endpoint without the
// handle itself holding a pointer to the endpoint — a weak back-reference
// realized as a lookup table, so closing a handle can unbind it from its
// endpoint without the two holding direct references to each other.
type Registry struct {
	byHandle map[string]*Endpoint
}

// NewRegistry constructs an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{byHandle: make(map[string]*Endpoint)}
}

func (r *Registry) bind(handleID string, e *Endpoint) {
	r.byHandle[handleID] = e
}

func (r *Registry) unbind(handleID string) {
	delete(r.byHandle, handleID)
}

// Lookup returns the Endpoint a handle id is currently bound to.
func (r *Registry) Lookup(handleID string) (*Endpoint, bool) {
	e, ok := r.byHandle[handleID]
	return e, ok
}
