package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainAndCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Each helper must support chaining level methods off the return value.
	WithComponent("discovery").Warn().Msg("component line")
	WithPeer("02" + "ab" + "cd").Info().Msg("peer line")
	WithCapability("echo").Debug().Msg("capability line")
	WithJobID("job-1").Error().Msg("job line")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "discovery", first["component"])
	assert.Equal(t, "component line", first["message"])

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[3], &last))
	assert.Equal(t, "job-1", last["job_id"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 16))
	got := Truncate("0123456789abcdef0123", 16)
	assert.Equal(t, "0123456789abcdef…", got)
}
