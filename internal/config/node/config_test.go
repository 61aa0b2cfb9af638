package node

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptionsValid(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	assert.Equal(t, 4001, opts.ListenPort)
	assert.Equal(t, "/ip4/0.0.0.0/tcp/4001", opts.ListenAddr())
	assert.Equal(t, 15*time.Second, opts.Ping.Interval.Std())
	assert.Equal(t, 20*time.Second, opts.Ping.Timeout.Std())
	assert.True(t, opts.Gateway.Enabled)
	assert.False(t, opts.Diagnostics.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	doc := `{
		"listen_port": 5001,
		"connect": "/ip4/1.2.3.4/tcp/4001",
		"ping": {"interval": "5s", "timeout": "2s"},
		"gateway": {"enabled": true, "discovery_timeout": "3s", "lease_duration": "10m", "enable_natpmp": true},
		"gater": {"blocked_cidrs": ["10.0.0.0/8"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	opts, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, opts.Validate())

	assert.Equal(t, 5001, opts.ListenPort)
	assert.Equal(t, "/ip4/1.2.3.4/tcp/4001", opts.Connect)
	assert.Equal(t, 5*time.Second, opts.Ping.Interval.Std())
	assert.Equal(t, 10*time.Minute, opts.Gateway.LeaseDuration.Std())
	assert.True(t, opts.Gateway.EnableNATPMP)
	assert.Equal(t, []string{"10.0.0.0/8"}, opts.Gater.BlockedCIDRs)

	// 未出现的字段保持默认
	assert.Equal(t, 30*time.Second, opts.InboundHandshakeTimeout.Std())
	assert.Equal(t, "upnp-test", opts.Gateway.Description)
}

func TestLoadEmptyPath(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_prot": 1}`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"port out of range", func(o *Options) { o.ListenPort = 70000 }},
		{"bad cidr", func(o *Options) { o.Gater.BlockedCIDRs = []string{"not-a-cidr"} }},
		{"water marks", func(o *Options) { o.ConnManager.HighWater = 1; o.ConnManager.LowWater = 5 }},
		{"ping interval", func(o *Options) { o.Ping.Interval = 0 }},
		{"diagnostics addr", func(o *Options) { o.Diagnostics.Enabled = true; o.Diagnostics.Addr = "" }},
		{"log level", func(o *Options) { o.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)
			err := opts.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateIgnoresMalformedConnect(t *testing.T) {
	opts := DefaultOptions()
	opts.Connect = "definitely not a multiaddr"
	assert.NoError(t, opts.Validate())
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
