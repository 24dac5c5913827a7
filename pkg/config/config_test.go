package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "helmsman", cfg.Namespace)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Broker.URL)
	assert.Equal(t, 30*time.Minute, cfg.Tasks.StaleAfter)
	assert.True(t, cfg.DHCP.Probe)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	content := `
namespace: tenant-a
broker:
  url: nats://broker.internal:4222
dhcp:
  mask: 172.16.0
  reserved: [1, 2, 10]
  probe: false
tasks:
  staleAfter: 45m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", cfg.Namespace)
	assert.Equal(t, "nats://broker.internal:4222", cfg.Broker.URL)
	assert.Equal(t, "172.16.0", cfg.DHCP.Mask)
	assert.Equal(t, []int{1, 2, 10}, cfg.DHCP.Reserved)
	assert.False(t, cfg.DHCP.Probe)
	assert.Equal(t, 45*time.Minute, cfg.Tasks.StaleAfter)
	// Untouched keys keep their defaults.
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: from-file\n"), 0o600))

	t.Setenv("HELMSMAN_NAMESPACE", "from-env")
	t.Setenv("HELMSMAN_DHCP_RESERVED", "1, 5,9")
	t.Setenv("HELMSMAN_TASK_STALE_AFTER", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, []int{1, 5, 9}, cfg.DHCP.Reserved)
	assert.Equal(t, time.Hour, cfg.Tasks.StaleAfter)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"subject delimiter in namespace", map[string]string{"HELMSMAN_NAMESPACE": "bad.ns"}},
		{"malformed mask", map[string]string{"HELMSMAN_DHCP_MASK": "10.0"}},
		{"octet out of range", map[string]string{"HELMSMAN_DHCP_RESERVED": "300"}},
		{"non-positive staleness", map[string]string{"HELMSMAN_TASK_STALE_AFTER": "-5m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
