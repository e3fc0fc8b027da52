// Package registry implements the cluster runtime's session to an
// external strongly-consistent key-value service (etcd): authenticated
// access, lease keepalive, ranged watches, and the KV codec that binds a
// discovery.Set to live registry state.
package registry

import (
	"time"

	"github.com/atrun-project/atrun/discovery"
)

// Authorization holds the username/password pair used to authenticate
// against etcd's auth subsystem, corresponding to etcd.authorization.
type Authorization struct {
	Name     string
	Password string
}

// Config holds registry connection configuration, covering the
// etcd.* configuration surface.
type Config struct {
	// Endpoints is the etcd member list (etcd.hosts[]).
	Endpoints []string

	// RootPath holds the etcd.path key prefix. Client does not read it;
	// Module takes its root prefix as a NewModule argument.
	RootPath string

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration

	// RequestTimeout bounds each individual KV/lease/watch request
	// issued during a tick (etcd.init.timeout).
	RequestTimeout time.Duration

	// LeaseTTL is the lease time-to-live. Zero disables the lease
	// requirement entirely (the session reaches Running without one).
	LeaseTTL time.Duration

	// Authorization configures etcd auth; nil disables it.
	Authorization *Authorization

	// AuthorizationRetryInterval lower-bounds how often a failed
	// authenticate is retried.
	AuthorizationRetryInterval time.Duration

	// AuthUserGetInterval controls how often an authenticated session
	// re-validates its token with a user-get probe. Zero derives a
	// 2-minute default.
	AuthUserGetInterval time.Duration

	// MembersRefreshInterval controls how often the member list is
	// re-resolved during normal operation.
	MembersRefreshInterval time.Duration

	// MembersRetryInterval lower-bounds member-list retry after a
	// network error.
	MembersRetryInterval time.Duration

	// ClusterAutoUpdate enables the member auto-update supplemented
	// feature (etcd.cluster.auto_update): periodically re-resolve the
	// etcd member list via Cluster.MemberList and rebuild the client's
	// endpoint set.
	ClusterAutoUpdate bool

	// KeepaliveInterval controls how often lease keepalives are issued.
	// Zero means derive it from LeaseTTL / 3.
	KeepaliveInterval time.Duration

	// TLS holds TLS certificate configuration; nil disables TLS.
	TLS *TLSConfig
}

// TLSConfig holds TLS certificate configuration for secure registry
// communication.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// GatewayRecord is the wire form of discovery.Gateway.
type GatewayRecord struct {
	Address   string   `json:"address"`
	Protocols []string `json:"protocols,omitempty"`
}

// MetadataRecord is the wire form of discovery.Metadata.
type MetadataRecord struct {
	Namespace     string            `json:"namespace,omitempty"`
	APIVersion    string            `json:"api_version,omitempty"`
	Kind          string            `json:"kind,omitempty"`
	Group         string            `json:"group,omitempty"`
	ServiceSubset string            `json:"service_subset,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// DiscoveryRecord is the atapp_discovery wire record stored under
// <root>/by_id/<hex id> and <root>/by_name/<urlencoded name>.
type DiscoveryRecord struct {
	ID              uint64          `json:"id"`
	Name            string          `json:"name"`
	Identity        string          `json:"identity,omitempty"`
	TypeID          uint64          `json:"type_id,omitempty"`
	TypeName        string          `json:"type_name,omitempty"`
	Hostname        string          `json:"hostname,omitempty"`
	PID             int32           `json:"pid,omitempty"`
	Version         string          `json:"version,omitempty"`
	ListenAddresses []string        `json:"listen_addresses,omitempty"`
	Gateways        []GatewayRecord `json:"gateways,omitempty"`
	Metadata        *MetadataRecord `json:"metadata,omitempty"`
}

// NewDiscoveryRecord converts a discovery.Node into its wire record.
func NewDiscoveryRecord(n *discovery.Node) DiscoveryRecord {
	rec := DiscoveryRecord{
		ID:              n.ID,
		Name:            n.Name,
		Identity:        n.Identity,
		TypeID:          n.TypeID,
		TypeName:        n.TypeName,
		Hostname:        n.Hostname,
		PID:             n.PID,
		Version:         n.Version,
		ListenAddresses: n.ListenAddresses,
	}
	for _, g := range n.Gateways {
		rec.Gateways = append(rec.Gateways, GatewayRecord{Address: g.Address, Protocols: g.Protocols})
	}
	if !(discovery.Metadata{}).Equal(n.Metadata) {
		rec.Metadata = &MetadataRecord{
			Namespace:     n.Metadata.Namespace,
			APIVersion:    n.Metadata.APIVersion,
			Kind:          n.Metadata.Kind,
			Group:         n.Metadata.Group,
			ServiceSubset: n.Metadata.ServiceSubset,
			Labels:        n.Metadata.Labels,
			Annotations:   n.Metadata.Annotations,
		}
	}
	return rec
}

// ToNode converts a wire record back into a discovery.Node.
func (rec DiscoveryRecord) ToNode() *discovery.Node {
	n := discovery.NewNode(rec.ID, rec.Name)
	n.Identity = rec.Identity
	n.TypeID = rec.TypeID
	n.TypeName = rec.TypeName
	n.Hostname = rec.Hostname
	n.PID = rec.PID
	n.Version = rec.Version
	n.ListenAddresses = rec.ListenAddresses
	for _, g := range rec.Gateways {
		n.Gateways = append(n.Gateways, discovery.Gateway{Address: g.Address, Protocols: g.Protocols})
	}
	if rec.Metadata != nil {
		n.Metadata = discovery.Metadata{
			Namespace:     rec.Metadata.Namespace,
			APIVersion:    rec.Metadata.APIVersion,
			Kind:          rec.Metadata.Kind,
			Group:         rec.Metadata.Group,
			ServiceSubset: rec.Metadata.ServiceSubset,
			Labels:        rec.Metadata.Labels,
			Annotations:   rec.Metadata.Annotations,
		}
	}
	return n
}
