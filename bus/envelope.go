package bus

import "github.com/atrun-project/atrun/discovery"

// Sender identifies the originator of an Envelope: at least one of ID or
// Name is populated, and Endpoint is set when the envelope arrived over a
// live connection rather than a synthetic failure.
type Sender struct {
	ID       uint64
	Name     string
	Endpoint string
}

// Envelope is the message unit exchanged between peers. Sequence numbers
// are app-assigned; uniqueness across the cluster is not enforced here.
type Envelope struct {
	Sender   Sender
	Type     int32
	Sequence uint64
	Payload  []byte
	Metadata *discovery.Metadata
}
