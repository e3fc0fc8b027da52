package registry

import "github.com/google/uuid"

// deferredDeleteMaxRetries bounds how many times a deferred key deletion
// is retried before being dropped, grounded on the original's
// etcd_keepalive_t deletor default.
const deferredDeleteMaxRetries = 8

// KeepaliveActor owns one key/value pair that must be continually
// refreshed under the session's lease while the session holds one. It is
// activated when the session reaches Running and re-activated after
// lease loss and re-grant.
type KeepaliveActor struct {
	// Key is the etcd key this actor maintains.
	Key string

	// Value supplies the current value to write. Called each time the
	// actor (re-)activates, so registrations reflecting live state (e.g.
	// a discovery record whose fields may change) stay current.
	Value func() []byte

	// correlationID ties this actor's log lines together across
	// activate/re-activate cycles, since Key alone can be reused after a
	// RemoveKeepalive/AddKeepalive pair.
	correlationID string

	written bool
}

// NewKeepaliveActor constructs an actor for key, sourcing its value from
// fn on each activation.
func NewKeepaliveActor(key string, fn func() []byte) *KeepaliveActor {
	return &KeepaliveActor{Key: key, Value: fn, correlationID: uuid.NewString()}
}

// deferredDelete is an enqueued path deletion that must survive the
// actor's own removal, retried up to deferredDeleteMaxRetries times.
type deferredDelete struct {
	key     string
	retries int
}
