package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

type fakeProtocolStore struct {
	calls int
	descs map[string]*store.Protocol
}

func (f *fakeProtocolStore) Get(_ context.Context, name string) (*store.Protocol, error) {
	f.calls++
	p, ok := f.descs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func TestRegistry_GetLoadsOnceAndCaches(t *testing.T) {
	backing := &fakeProtocolStore{descs: map[string]*store.Protocol{
		"modbus-rtu": testProtocol(),
	}}
	r := NewRegistry(backing, NewInstructionCache())

	p1, err := r.Get(context.Background(), "modbus-rtu")
	require.NoError(t, err)
	p2, err := r.Get(context.Background(), "modbus-rtu")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, backing.calls)
}

func TestRegistry_GetRejectsInvalidDescriptor(t *testing.T) {
	bad := testProtocol()
	bad.WireType = 9999
	backing := &fakeProtocolStore{descs: map[string]*store.Protocol{"bad": bad}}
	r := NewRegistry(backing, NewInstructionCache())

	_, err := r.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRegistry_PutInvalidatesInstructionCache(t *testing.T) {
	instr := NewInstructionCache()
	r := NewRegistry(&fakeProtocolStore{descs: map[string]*store.Protocol{}}, instr)

	_ = instr.GetOrBuild("modbus-rtu", 1, "x", func() (string, error) { return "stale", nil })
	_ = instr.GetOrBuild("other-protocol", 1, "x", func() (string, error) { return "keep", nil })
	require.Equal(t, 2, instr.Len())

	require.NoError(t, r.Put(testProtocol()))

	assert.Equal(t, 1, instr.Len())
}

func TestValidate_RejectsDuplicateInstructionNames(t *testing.T) {
	p := testProtocol()
	p.Instructions = append(p.Instructions, store.Instruction{Name: "030000000A"})
	assert.Error(t, Validate(p))
}

func TestValidate_RejectsNonStandardWithoutScript(t *testing.T) {
	p := testProtocol()
	p.Instructions = append(p.Instructions, store.Instruction{Name: "bad", NonStandard: true})
	assert.Error(t, Validate(p))
}

func TestValidate_RejectsUnknownWireType(t *testing.T) {
	p := testProtocol()
	p.WireType = 1
	assert.Error(t, Validate(p))
}
