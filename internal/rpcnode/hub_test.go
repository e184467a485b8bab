package rpcnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/id"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/scheduler"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

type fakeTerminalStore struct {
	byMac   map[string]*store.Terminal
	byNode  map[string][]*store.Terminal
	applied []struct {
		mac    string
		update *store.Update
	}
}

func newFakeTerminalStore() *fakeTerminalStore {
	return &fakeTerminalStore{byMac: map[string]*store.Terminal{}, byNode: map[string][]*store.Terminal{}}
}

func (f *fakeTerminalStore) GetByMac(_ context.Context, mac string) (*store.Terminal, error) {
	t, ok := f.byMac[mac]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}
func (f *fakeTerminalStore) ListByNode(_ context.Context, node string) ([]*store.Terminal, error) {
	return f.byNode[node], nil
}
func (f *fakeTerminalStore) ListOnline(context.Context) ([]*store.Terminal, error) { return nil, nil }
func (f *fakeTerminalStore) ApplyUpdate(_ context.Context, mac string, update *store.Update) error {
	f.applied = append(f.applied, struct {
		mac    string
		update *store.Update
	}{mac, update})
	return nil
}

type fakeNodeStore struct {
	upserted []store.NodeRecord
}

func (f *fakeNodeStore) Upsert(_ context.Context, rec store.NodeRecord) error {
	f.upserted = append(f.upserted, rec)
	return nil
}
func (f *fakeNodeStore) Get(context.Context, string) (*store.NodeRecord, error) {
	return nil, store.ErrNotFound
}
func (f *fakeNodeStore) ListActive(context.Context) ([]store.NodeRecord, error) { return nil, nil }

type fakeProtocolStore struct{ descs map[string]*store.Protocol }

func (f *fakeProtocolStore) Get(_ context.Context, name string) (*store.Protocol, error) {
	p, ok := f.descs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

type fakeOperationLog struct {
	appended []store.OperationLogRecord
}

func (f *fakeOperationLog) Append(_ context.Context, rec store.OperationLogRecord) error {
	f.appended = append(f.appended, rec)
	return nil
}

type fakeAlarmSink struct {
	raised    []string
	presences map[string]bool
}

func newFakeAlarmSink() *fakeAlarmSink {
	return &fakeAlarmSink{presences: map[string]bool{}}
}
func (f *fakeAlarmSink) Raise(kind, mac, detail string) { f.raised = append(f.raised, kind+"|"+mac) }
func (f *fakeAlarmSink) NotifyPresence(mac string, online bool) { f.presences[mac] = online }

type testFixture struct {
	hub       *Hub
	terminals *fakeTerminalStore
	nodes     *fakeNodeStore
	alarms    *fakeAlarmSink
	ops       *fakeOperationLog
	table     *scheduler.Table
	clock     time.Time
}

func newTestHub(t *testing.T) *testFixture {
	t.Helper()
	terminals := newFakeTerminalStore()
	nodes := &fakeNodeStore{}
	backing := &fakeProtocolStore{descs: map[string]*store.Protocol{
		"modbus": {Name: "modbus", WireType: 485, Instructions: []store.Instruction{{Name: "030000000A"}}},
	}}
	instr := protocol.NewInstructionCache()
	registry := protocol.NewRegistry(backing, instr)
	table := scheduler.NewTable()
	c := cache.New()
	alarms := newFakeAlarmSink()
	ops := &fakeOperationLog{}

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHub(Deps{
		Cache:        c,
		Terminals:    terminals,
		Nodes:        nodes,
		Protocols:    registry,
		Instructions: instr,
		Operations:   ops,
		Table:        table,
		Scheduler:    scheduler.New(table, c, terminals, &discardResultSink{}, registry, instr, &fakeDispatcher{}, id.EventName),
		Alarms:       alarms,
		EventName:    id.EventName,
		Now:          func() time.Time { return clock },
	})
	return &testFixture{hub: h, terminals: terminals, nodes: nodes, alarms: alarms, ops: ops, table: table, clock: clock}
}

type discardResultSink struct{}

func (discardResultSink) WriteResult(context.Context, store.ResultRecord) error { return nil }

type fakeDispatcher struct{ online map[string]bool }

func (f *fakeDispatcher) IsOnline(node string) bool {
	if f.online == nil {
		return false
	}
	return f.online[node]
}
func (f *fakeDispatcher) SendInstructQuery(context.Context, string, scheduler.InstructQuery) {}

func TestHub_OnRegisterNode_PersistsAndRegistersSession(t *testing.T) {
	fx := newTestHub(t)
	conn := &fakeConn{}
	sess := newSession("s1", conn)

	f, err := encodeFrame("RegisterNode", "evt-1", registerNodePayload{Name: "N1", IP: "10.0.0.1", Port: 9000})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), sess, f)

	assert.Equal(t, "N1", sess.NodeName)
	assert.True(t, fx.hub.Sessions.IsOnline("N1"))
	require.Len(t, fx.nodes.upserted, 1)
	assert.Equal(t, "N1", fx.nodes.upserted[0].Name)
	require.Len(t, conn.written, 1, "expected an ack frame")
}

func TestHub_OnRegisterNode_SupersedesPreviousSession(t *testing.T) {
	fx := newTestHub(t)
	conn1, conn2 := &fakeConn{}, &fakeConn{}
	s1 := newSession("s1", conn1)
	s2 := newSession("s2", conn2)

	f1, err := encodeFrame("RegisterNode", "evt-1", registerNodePayload{Name: "N1"})
	require.NoError(t, err)
	f2, err := encodeFrame("RegisterNode", "evt-2", registerNodePayload{Name: "N1"})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), s1, f1)
	fx.hub.HandleFrame(context.Background(), s2, f2)

	assert.True(t, conn1.closed, "the superseded session must be closed")
	got, ok := fx.hub.Sessions.GetByNode("N1")
	require.True(t, ok)
	assert.Equal(t, "s2", got.ID)
}

func TestHub_OnUpdateNodeInfo_BroadcastAndResetNodeMap(t *testing.T) {
	fx := newTestHub(t)
	conn := &fakeConn{}
	sess := newSession("s1", conn)
	sess.NodeName = "N1"
	fx.hub.Sessions.Register(sess)

	f, err := encodeFrame("UpdateNodeInfo", "evt-1", updateNodeInfoPayload{Name: "N1", Connections: 3})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), sess, f)
	fx.hub.nodeMu.Lock()
	_, tracked := fx.hub.nodeInfo["N1"]
	fx.hub.nodeMu.Unlock()
	assert.True(t, tracked)

	fx.hub.BroadcastNodeInfo(context.Background())
	assert.Len(t, conn.written, 1, "expected a nodeInfo poke sent to the live session")

	fx.hub.ResetNodeMap()
	fx.hub.nodeMu.Lock()
	_, stillTracked := fx.hub.nodeInfo["N1"]
	fx.hub.nodeMu.Unlock()
	assert.False(t, stillTracked, "ResetNodeMap must clear the scratch cache")
	assert.True(t, fx.hub.Sessions.IsOnline("N1"), "ResetNodeMap must not disconnect live sessions")
}

func TestHub_OnTerminalOn_MarksOnlineAndNotifiesAlarms(t *testing.T) {
	fx := newTestHub(t)
	fx.terminals.byMac["AABBCC"] = &store.Terminal{Mac: "AABBCC", MountNode: "N1", Online: false}

	f, err := encodeFrame("terminalOn", "evt-1", terminalOnPayload{Mac: []string{"AABBCC"}})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), newSession("s1", &fakeConn{}), f)

	ent, ok := fx.hub.cache.Get("AABBCC", fx.clock)
	require.True(t, ok)
	assert.True(t, ent.Terminal().Online)
	assert.Equal(t, true, fx.alarms.presences["AABBCC"])
	require.Len(t, fx.terminals.applied, 1)
}

func TestHub_OnTerminalOff_InvalidatesCacheAndTable(t *testing.T) {
	fx := newTestHub(t)
	fx.terminals.byMac["AABBCC"] = &store.Terminal{Mac: "AABBCC", MountNode: "N1", Online: true}
	fx.table.Add("AABBCC", 1, time.Minute)

	f, err := encodeFrame("terminalOff", "evt-1", terminalOffPayload{Mac: "AABBCC"})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), newSession("s1", &fakeConn{}), f)

	_, ok := fx.hub.cache.Get("AABBCC", fx.clock)
	assert.False(t, ok)
	assert.Equal(t, false, fx.alarms.presences["AABBCC"])
	assert.Equal(t, 0, fx.table.Len())
}

func TestHub_OnHeartbeat_EchoesAck(t *testing.T) {
	fx := newTestHub(t)
	conn := &fakeConn{}
	sess := newSession("s1", conn)

	f, err := encodeFrame("heartbeat", "evt-1", heartbeatPayload{Ts: 42})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), sess, f)

	require.Len(t, conn.written, 1)
}

func TestHub_OnBusy_SetsSchedulerBusyState(t *testing.T) {
	fx := newTestHub(t)
	f, err := encodeFrame("busy", "evt-1", busyPayload{Mac: "AABBCC", Busy: true})
	require.NoError(t, err)
	fx.hub.HandleFrame(context.Background(), newSession("s1", &fakeConn{}), f)
	// SetBusy is scheduler-internal state; observable indirectly via a
	// dispatch tick is exercised in the scheduler package's own tests.
	// Here we only assert the handler does not panic decoding the frame.
}

func TestHub_DisconnectCleanup_MarksNodeTerminalsOfflineAndUnregisters(t *testing.T) {
	fx := newTestHub(t)
	fx.terminals.byNode["N1"] = []*store.Terminal{{Mac: "AABBCC", MountNode: "N1", Online: true}}
	fx.table.Add("AABBCC", 1, time.Minute)

	sess := newSession("s1", &fakeConn{})
	sess.NodeName = "N1"
	fx.hub.Sessions.Register(sess)

	fx.hub.DisconnectCleanup(context.Background(), sess)

	assert.False(t, fx.hub.Sessions.IsOnline("N1"))
	assert.Equal(t, 0, fx.table.Len())
}

func TestHub_DisconnectCleanup_StaleSessionSupersededByReconnectLeavesNewSessionAlone(t *testing.T) {
	fx := newTestHub(t)
	fx.terminals.byNode["N1"] = []*store.Terminal{{Mac: "AABBCC", MountNode: "N1", Online: true}}
	fx.terminals.byMac["AABBCC"] = &store.Terminal{Mac: "AABBCC", MountNode: "N1", Online: true}

	oldSess := newSession("old", &fakeConn{})
	oldSess.NodeName = "N1"
	fx.hub.Sessions.Register(oldSess)

	// The node reconnects: a new session registers for the same name
	// before the old socket's read loop notices it's dead, and brings
	// the terminal back online via the new session.
	newSess := newSession("new", &fakeConn{})
	newSess.NodeName = "N1"
	fx.hub.Sessions.Register(newSess)
	fx.table.Add("AABBCC", 1, time.Minute)
	ent, ok := fx.hub.loadEntity(context.Background(), "AABBCC", fx.clock)
	require.True(t, ok)
	fx.hub.cache.Set(ent, fx.clock)

	// The stale old session's cleanup now runs, racing after the
	// reconnect.
	fx.hub.DisconnectCleanup(context.Background(), oldSess)

	got, ok := fx.hub.Sessions.GetByNode("N1")
	require.True(t, ok, "the new session must remain registered")
	assert.Equal(t, "new", got.ID)
	_, cached := fx.hub.cache.Get("AABBCC", fx.clock)
	assert.True(t, cached, "the stale session's cleanup must not evict the terminal the new session just brought online")
	assert.Equal(t, 1, fx.table.Len(), "the stale session's cleanup must not tear down the new session's scheduler entries")
}

func TestHub_HeartbeatWatchdog_DisconnectsExpiredSessions(t *testing.T) {
	fx := newTestHub(t)
	conn := &fakeConn{}
	sess := newSession("s1", conn)
	sess.NodeName = "N1"
	sess.touchHeartbeat(fx.clock.Add(-2 * time.Minute))
	fx.hub.Sessions.Register(sess)

	fx.hub.HeartbeatWatchdog(context.Background())

	assert.True(t, conn.closed)
	assert.False(t, fx.hub.Sessions.IsOnline("N1"))
}

func TestHub_HeartbeatWatchdog_LeavesFreshSessionsAlone(t *testing.T) {
	fx := newTestHub(t)
	conn := &fakeConn{}
	sess := newSession("s1", conn)
	sess.NodeName = "N1"
	sess.touchHeartbeat(fx.clock)
	fx.hub.Sessions.Register(sess)

	fx.hub.HeartbeatWatchdog(context.Background())

	assert.False(t, conn.closed)
	assert.True(t, fx.hub.Sessions.IsOnline("N1"))
}
