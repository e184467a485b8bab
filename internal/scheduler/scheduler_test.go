package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/id"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
	"github.com/wgcairui/uartserver-ng-sub000/internal/terminal"
)

type fakeProtocolStore struct {
	descs map[string]*store.Protocol
}

func (f *fakeProtocolStore) Get(_ context.Context, name string) (*store.Protocol, error) {
	p, ok := f.descs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

type fakeTerminalStore struct {
	applied []struct {
		mac    string
		update *store.Update
	}
}

func (f *fakeTerminalStore) GetByMac(context.Context, string) (*store.Terminal, error) {
	return nil, store.ErrNotFound
}
func (f *fakeTerminalStore) ListByNode(context.Context, string) ([]*store.Terminal, error) {
	return nil, nil
}
func (f *fakeTerminalStore) ListOnline(context.Context) ([]*store.Terminal, error) { return nil, nil }
func (f *fakeTerminalStore) ApplyUpdate(_ context.Context, mac string, update *store.Update) error {
	f.applied = append(f.applied, struct {
		mac    string
		update *store.Update
	}{mac, update})
	return nil
}

type fakeResultSink struct {
	written []store.ResultRecord
}

func (f *fakeResultSink) WriteResult(_ context.Context, rec store.ResultRecord) error {
	f.written = append(f.written, rec)
	return nil
}

type fakeDispatcher struct {
	online map[string]bool
	sent   []InstructQuery
}

func (f *fakeDispatcher) IsOnline(node string) bool { return f.online[node] }
func (f *fakeDispatcher) SendInstructQuery(_ context.Context, _ string, q InstructQuery) {
	f.sent = append(f.sent, q)
}

func setup(t *testing.T) (*Scheduler, *cache.Cache, *fakeTerminalStore, *fakeDispatcher) {
	t.Helper()
	c := cache.New()
	terms := &fakeTerminalStore{}
	results := &fakeResultSink{}
	backing := &fakeProtocolStore{descs: map[string]*store.Protocol{
		"modbus": {Name: "modbus", WireType: 485, Instructions: []store.Instruction{{Name: "030000000A"}}},
	}}
	instr := protocol.NewInstructionCache()
	registry := protocol.NewRegistry(backing, instr)
	dispatcher := &fakeDispatcher{online: map[string]bool{"N1": true}}

	s := New(NewTable(), c, terms, results, registry, instr, dispatcher, id.EventName)
	return s, c, terms, dispatcher
}

func twoDeviceTerminal(now time.Time) *terminal.Entity {
	return terminal.New(store.Terminal{
		Mac:       "AABBCC",
		MountNode: "N1",
		Online:    true,
		MountDevs: []store.MountDevice{
			{Pid: 1, Protocol: "modbus", Online: true},
			{Pid: 2, Protocol: "modbus", Online: true},
		},
	}, now)
}

func TestTick_ExclusivityAcrossTwoDevicesOnSameTerminal(t *testing.T) {
	s, c, _, dispatcher := setup(t)
	now := time.Now()
	c.Set(twoDeviceTerminal(now), now)

	tab := s.table
	tab.Add("AABBCC", 1, 5*time.Second)
	tab.Add("AABBCC", 2, 5*time.Second)

	s.Tick(context.Background(), now)

	require.Len(t, dispatcher.sent, 1, "only one of the two devices on the shared channel may dispatch this tick")

	e2, _ := tab.Get("AABBCC", 2)
	e1, _ := tab.Get("AABBCC", 1)
	// Whichever pid didn't get the slot (iteration order is weight-sorted,
	// both start at weight 0 so mac/pid tiebreak makes pid=1 win first).
	dispatched := dispatcher.sent[0].Pid
	if dispatched == 1 {
		assert.Equal(t, 1, e2.Weight)
		assert.Equal(t, 0, e1.Weight)
	} else {
		assert.Equal(t, 1, e1.Weight)
		assert.Equal(t, 0, e2.Weight)
	}

	later := now.Add(6 * time.Second)
	dispatcher.sent = nil
	s.Tick(context.Background(), later)
	require.Len(t, dispatcher.sent, 1, "the skipped device must dispatch on the next eligible tick because its weight is higher")
	if dispatched == 1 {
		assert.Equal(t, 2, dispatcher.sent[0].Pid)
	} else {
		assert.Equal(t, 1, dispatcher.sent[0].Pid)
	}
}

func TestDispatch_InFlightDeduplication(t *testing.T) {
	s, c, _, dispatcher := setup(t)
	now := time.Now()

	ent := terminal.New(store.Terminal{
		Mac:       "X",
		MountNode: "N1",
		Online:    true,
		MountDevs: []store.MountDevice{{Pid: 1, Protocol: "modbus", Online: true}},
	}, now)
	ent.SetMountDeviceLastEmit(1, now)
	ent.SetMountDeviceLastRecord(1, now.Add(-time.Second))
	c.Set(ent, now)

	s.table.Add("X", 1, 5*time.Second)

	s.Tick(context.Background(), now)

	assert.Empty(t, dispatcher.sent, "outstanding in-flight request must not be re-dispatched")
	e, _ := s.table.Get("X", 1)
	assert.Equal(t, 1, e.Weight)
}

func TestIngestQueryResult_SuccessUpdatesLastRecordAndOnline(t *testing.T) {
	s, c, terms, _ := setup(t)
	now := time.Now()

	ent := terminal.New(store.Terminal{
		Mac:       "X",
		MountDevs: []store.MountDevice{{Pid: 1, Protocol: "modbus", Online: false}},
	}, now)
	c.Set(ent, now)

	s.IngestQueryResult(context.Background(), now.Add(time.Second), QueryResult{
		Mac: "X", Pid: 1, Success: true, Data: "cafebabe",
	})

	require.Len(t, terms.applied, 1)
	got, ok := c.Get("X", now.Add(time.Second))
	require.True(t, ok)
	idx := got.Terminal().ByPid(1)
	assert.True(t, got.Terminal().MountDevs[idx].Online)
	assert.True(t, got.Terminal().MountDevs[idx].LastRecord.Equal(now.Add(time.Second)))
}

func TestIngestQueryResult_FailureDoesNotTouchStorage(t *testing.T) {
	s, _, terms, _ := setup(t)
	s.IngestQueryResult(context.Background(), time.Now(), QueryResult{Mac: "X", Pid: 1, Success: false, Error: "timeout"})
	assert.Empty(t, terms.applied)
}

func TestBuildInstructionList_FailingScriptStartYieldsStableEmptySegment(t *testing.T) {
	// A NonStandard instruction with an unparsable ScriptStart fails every
	// build attempt. The resulting content must join to the same string
	// — an empty segment in the failing instruction's position, not an
	// omitted one — on the very first call and on every call after, so a
	// repeated dispatch for unchanged input is byte-identical (spec.md P2).
	proto := &store.Protocol{
		Name:     "dynamic-proto",
		WireType: 485,
		Instructions: []store.Instruction{
			{Name: "A"},
			{Name: "B", NonStandard: true, ScriptStart: "not a valid expression("},
			{Name: "C"},
		},
	}
	instr := protocol.NewInstructionCache()
	s := &Scheduler{instructions: instr}

	first := s.buildInstructionList(proto, 1)
	second := s.buildInstructionList(proto, 1)

	assert.Equal(t, first, second, "repeated builds for the same failing key must produce identical content")
	parts := strings.Split(first, ",")
	require.Len(t, parts, 3, "a failed instruction must contribute an empty segment, not be omitted")
	assert.Empty(t, parts[1])
}
