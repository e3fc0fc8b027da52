package registry

import (
	"encoding/json"
	"testing"

	"github.com/atrun-project/atrun/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryRecord_RoundTrip(t *testing.T) {
	n := discovery.NewNode(42, "worker-42")
	n.Identity = "worker-42@cluster"
	n.TypeID = 7
	n.TypeName = "worker"
	n.Hostname = "host-a"
	n.PID = 1234
	n.Version = "1.2.3"
	n.ListenAddresses = []string{"ipv4://10.0.0.1:9000"}
	n.Gateways = []discovery.Gateway{{Address: "ipv4://10.0.0.1:9001", Protocols: []string{"tcp"}}}
	n.Metadata = discovery.Metadata{
		Namespace: "prod",
		Labels:    map[string]string{"tier": "edge"},
	}

	rec := NewDiscoveryRecord(n)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded DiscoveryRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	got := decoded.ToNode()
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.Name, got.Name)
	assert.Equal(t, n.Identity, got.Identity)
	assert.Equal(t, n.Hostname, got.Hostname)
	assert.Equal(t, n.Version, got.Version)
	assert.Equal(t, n.ListenAddresses, got.ListenAddresses)
	assert.Equal(t, n.Gateways, got.Gateways)
	assert.True(t, n.Metadata.Equal(got.Metadata))
}

func TestDiscoveryRecord_NoMetadataOmitsField(t *testing.T) {
	n := discovery.NewNode(1, "bare")
	rec := NewDiscoveryRecord(n)
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"metadata"`)
}

func TestByIDKey_NodeIDFromKey_RoundTrip(t *testing.T) {
	root := "/atrun/myapp"
	key := byIDKey(root, 9000)
	id, ok := nodeIDFromKey(root, key)
	require.True(t, ok)
	assert.Equal(t, uint64(9000), id)
}

func TestNodeIDFromKey_RejectsForeignPrefix(t *testing.T) {
	_, ok := nodeIDFromKey("/atrun/myapp", "/other/prefix/deadbeef")
	assert.False(t, ok)
}

func TestByNameKey_EscapesName(t *testing.T) {
	key := byNameKey("/atrun/myapp", "node one")
	assert.Contains(t, key, "node+one")
}
