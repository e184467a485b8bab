package testnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgcairui/uartserver-ng-sub000/internal/rpcnode"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := frame("InstructQuery", "evt-1", instructQueryPayload{
		Mac: "AA:BB", Pid: 3, Protocol: "modbus", Content: "0103...",
	})
	require.NoError(t, err)
	assert.Equal(t, "InstructQuery", f.Kind)
	assert.Equal(t, "evt-1", f.EventName)

	p, err := decode[instructQueryPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", p.Mac)
	assert.Equal(t, 3, p.Pid)
	assert.Equal(t, "modbus", p.Protocol)
}

func TestDecode_EmptyPayload(t *testing.T) {
	p, err := decode[instructQueryPayload](rpcnode.Frame{Kind: "heartbeat"})
	require.NoError(t, err)
	assert.Equal(t, instructQueryPayload{}, p)
}

func TestDefaultResponder_AlwaysSucceedsWithEmptyData(t *testing.T) {
	c := New("ws://unused", "node-1", "", nil)
	ok, data, errMsg := c.Responder("AA:BB", 1, "modbus", "content")
	assert.True(t, ok)
	assert.Empty(t, data)
	assert.Empty(t, errMsg)
}
