package rpcnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame_RoundTrip(t *testing.T) {
	f, err := encodeFrame("InstructQuery", "evt-1", instructQueryPayload{Mac: "AABBCC", Pid: 1, Content: "0103"})
	require.NoError(t, err)
	assert.Equal(t, "InstructQuery", f.Kind)
	assert.Equal(t, "evt-1", f.EventName)

	p, err := decodePayload[instructQueryPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", p.Mac)
	assert.Equal(t, 1, p.Pid)
	assert.Equal(t, "0103", p.Content)
}

func TestDecodePayload_EmptyPayloadYieldsZeroValue(t *testing.T) {
	p, err := decodePayload[heartbeatPayload](Frame{Kind: "heartbeat"})
	require.NoError(t, err)
	assert.Equal(t, heartbeatPayload{}, p)
}

func TestDecodePayload_MalformedPayloadErrors(t *testing.T) {
	f := Frame{Kind: "busy", Payload: []byte(`{"busy": "not-a-bool"}`)}
	_, err := decodePayload[busyPayload](f)
	assert.Error(t, err)
}
