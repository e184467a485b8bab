package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

func testProtocol() *store.Protocol {
	return &store.Protocol{
		Name:     "modbus-rtu",
		WireType: 485,
		Category: "sensor",
		Instructions: []store.Instruction{
			{Name: "030000000A", ResultType: "hex"},
			{Name: "greeting", ResultType: "utf8"},
			{Name: "dynamic", ResultType: "hex", NonStandard: true, ScriptStart: `hex(pid) + "0006"`},
		},
	}
}

func TestBuild_StandardInstructionAppendsCRC(t *testing.T) {
	p := testProtocol()
	got, err := Build(p, 1, "030000000A")
	require.NoError(t, err)
	// pid(01) + body(030000000A) -> CRC16/Modbus over "01030000000a" low,high
	assert.Equal(t, "01030000000a", got[:len(got)-4])
	assert.Len(t, got, len("030000000A")+2+4)
}

func TestBuild_Utf8InstructionOnWireType232IsPassthrough(t *testing.T) {
	p := testProtocol()
	p.WireType = 232
	got, err := Build(p, 1, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "greeting", got)
}

func TestBuild_NonStandardUsesScriptStart(t *testing.T) {
	p := testProtocol()
	got, err := Build(p, 10, "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "0a0006", got)
}

func TestBuild_UnknownInstructionErrors(t *testing.T) {
	p := testProtocol()
	_, err := Build(p, 1, "nope")
	assert.Error(t, err)
}

func TestInstructionCache_CachesAcrossCalls(t *testing.T) {
	c := NewInstructionCache()
	calls := 0
	build := func() (string, error) {
		calls++
		return "cafe", nil
	}

	v1 := c.GetOrBuild("modbus-rtu", 1, "x", build)
	v2 := c.GetOrBuild("modbus-rtu", 1, "x", build)

	assert.Equal(t, "cafe", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestInstructionCache_CachesFailureAsEmptyString(t *testing.T) {
	c := NewInstructionCache()
	calls := 0
	build := func() (string, error) {
		calls++
		return "", assert.AnError
	}

	v1 := c.GetOrBuild("modbus-rtu", 1, "x", build)
	assert.Equal(t, "", v1)

	v2 := c.GetOrBuild("modbus-rtu", 1, "x", build)
	assert.Equal(t, "", v2)
	assert.Equal(t, 1, calls, "build must run at most once per key even on failure")
}

func TestInstructionCache_InvalidatePrefixClearsOnlyThatProtocol(t *testing.T) {
	c := NewInstructionCache()
	build := func() (string, error) { return "v", nil }

	_ = c.GetOrBuild("modbus-rtu", 1, "x", build)
	_ = c.GetOrBuild("other-protocol", 1, "x", build)
	require.Equal(t, 2, c.Len())

	c.InvalidatePrefix("modbus-rtu|")

	assert.Equal(t, 1, c.Len())
}
