package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFullVersion(t *testing.T) {
	prevVersion, prevTime := Version, BuildTime
	defer func() { Version, BuildTime = prevVersion, prevTime }()

	Version = "v9.9.9"
	BuildTime = "2026-01-02T03:04:05Z"

	out := GetFullVersion()
	assert.Contains(t, out, "upnp-test v9.9.9")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, GoVersion)
	assert.Equal(t, "upnp-test/v9.9.9", AgentVersion())
}
