package registry

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/atrun-project/atrun/discovery"
)

// Module binds a Client to a discovery.Set: PUT events under
// <root>/by_id/ populate the set, DELETE events (or lease expiry, which
// etcd surfaces as a DELETE once the lease revokes the key) remove from
// it, and the local process's own node is kept alive under the session's
// lease.
type Module struct {
	client *Client
	set    *discovery.Set
	root   string
	logger *slog.Logger
}

// NewModule constructs a Module over client and set, rooted at root
// (etcd.path).
func NewModule(client *Client, set *discovery.Set, root string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{client: client, set: set, root: root, logger: logger}
}

func (m *Module) byIDPrefix() string { return m.root + "/by_id/" }

func byIDKey(root string, id uint64) string {
	return root + "/by_id/" + hex.EncodeToString(encodeID(id))
}

func byNameKey(root, name string) string {
	return root + "/by_name/" + url.QueryEscape(name)
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(id)
		id >>= 8
	}
	return b
}

// RegisterSelf writes self's discovery record under both the by_id and
// by_name paths as keepalive actors, so the entries are continually
// refreshed against the session's lease and removed (after bounded
// retry) when the actor is later deregistered.
func (m *Module) RegisterSelf(self *discovery.Node) {
	idKey := byIDKey(m.root, self.ID)
	nameKey := byNameKey(m.root, self.Name)

	valueFn := func() []byte {
		data, err := json.Marshal(NewDiscoveryRecord(self))
		if err != nil {
			m.logger.Error("failed to marshal discovery record", "node_id", self.ID, "error", err)
			return nil
		}
		return data
	}

	m.client.AddKeepalive(NewKeepaliveActor(idKey, valueFn))
	m.client.AddKeepalive(NewKeepaliveActor(nameKey, valueFn))
}

// DeregisterSelf removes self's keepalive actors, enqueueing their keys
// for deferred deletion.
func (m *Module) DeregisterSelf(self *discovery.Node) {
	m.client.RemoveKeepalive(byIDKey(m.root, self.ID))
	m.client.RemoveKeepalive(byNameKey(m.root, self.Name))
}

// WatchAll starts a watcher over the by_id namespace, decoding each event
// into a discovery.Node and applying it to the bound Set.
func (m *Module) WatchAll() {
	w := NewWatcher(m.byIDPrefix(), m.onEvent)
	m.client.AddWatcher(w)
}

// Close stops the watcher over the by_id namespace.
func (m *Module) Close() {
	m.client.RemoveWatcher(m.byIDPrefix())
}

func (m *Module) onEvent(ev WatchEvent) {
	switch ev.Type {
	case WatchEventPut:
		var rec DiscoveryRecord
		if err := json.Unmarshal(ev.Value, &rec); err != nil {
			m.logger.Warn("failed to decode discovery record", "key", ev.Key, "error", err)
			return
		}
		m.set.Add(rec.ToNode())
	case WatchEventDelete:
		if n, ok := nodeIDFromKey(m.root, ev.Key); ok {
			m.set.RemoveByID(n)
		}
	}
}

func nodeIDFromKey(root, key string) (uint64, bool) {
	prefix := root + "/by_id/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return 0, false
	}
	raw, err := hex.DecodeString(key[len(prefix):])
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	var id uint64
	for _, b := range raw {
		id = id<<8 | uint64(b)
	}
	return id, true
}
