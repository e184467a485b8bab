package rpcnode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/alarm"
	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/metrics"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/scheduler"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
	"github.com/wgcairui/uartserver-ng-sub000/internal/terminal"
	"github.com/wgcairui/uartserver-ng-sub000/internal/util/sanitize"
)

const (
	timeoutAlarmThreshold = 10
	heartbeatExpiry       = 60 * time.Second
	oprateDTUTimeout      = 10 * time.Second
	maxNodeNameLen        = 128
)

// Hub is the node RPC layer (C5): it owns the session registry, the
// correlation table, and the event handlers that keep the cache,
// scheduling table, and terminal store coherent with what nodes report
// (spec.md §4.5).
type Hub struct {
	Sessions    *Registry
	correlation *Correlation

	cache     *cache.Cache
	terminals store.TerminalStore
	nodes     store.NodeStore
	protocols *protocol.Registry
	instr     *protocol.InstructionCache
	ops       store.OperationLog
	table     *scheduler.Table
	sched     *scheduler.Scheduler
	alarms    alarm.Sink
	eventName func(kind, mac string, pid int) string

	now func() time.Time

	// nodeMu/nodeInfo is a scratch cache of last-reported node metadata,
	// distinct from Sessions (the live-connection registry): C7's
	// nodeMap sweep clears this cache without disconnecting anyone, and
	// it is repopulated as nodes respond to the nodeInfo poke that
	// precedes the clear (spec.md §4.7).
	nodeMu   sync.Mutex
	nodeInfo map[string]updateNodeInfoPayload
}

// Deps bundles Hub's collaborators.
type Deps struct {
	Cache        *cache.Cache
	Terminals    store.TerminalStore
	Nodes        store.NodeStore
	Protocols    *protocol.Registry
	Instructions *protocol.InstructionCache
	Operations   store.OperationLog
	Table        *scheduler.Table
	Scheduler    *scheduler.Scheduler
	Alarms       alarm.Sink
	EventName    func(kind, mac string, pid int) string
	Now          func() time.Time
}

// NewHub wires a Hub from its dependencies.
func NewHub(d Deps) *Hub {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		Sessions:    NewRegistry(),
		correlation: NewCorrelation(),
		cache:       d.Cache,
		terminals:   d.Terminals,
		nodes:       d.Nodes,
		protocols:   d.Protocols,
		instr:       d.Instructions,
		ops:         d.Operations,
		table:       d.Table,
		sched:       d.Scheduler,
		alarms:      d.Alarms,
		eventName:   d.EventName,
		now:         now,
		nodeInfo:    make(map[string]updateNodeInfoPayload),
	}
}

// IsOnline implements scheduler.NodeDispatcher.
func (h *Hub) IsOnline(node string) bool { return h.Sessions.IsOnline(node) }

// SendInstructQuery implements scheduler.NodeDispatcher: it fires the
// poll without waiting for the result, since the scheduler only needs
// fire-and-forget dispatch — the queryResult arrives later as its own
// inbound frame and is ingested via IngestQueryResult.
func (h *Hub) SendInstructQuery(ctx context.Context, node string, q scheduler.InstructQuery) {
	sess, ok := h.Sessions.GetByNode(node)
	if !ok {
		return
	}
	f, err := encodeFrame("InstructQuery", q.EventName, instructQueryPayload{
		Mac: q.Mac, Pid: q.Pid, Protocol: q.Protocol, DevMac: q.DevMac,
		Content: q.Content, IntervalMs: q.IntervalMs,
	})
	if err != nil {
		slog.Warn("rpcnode: encode InstructQuery failed", "mac", q.Mac, "pid", q.Pid, "error", err)
		return
	}
	if err := sess.Send(ctx, f); err != nil {
		slog.Warn("rpcnode: send InstructQuery failed", "node", node, "mac", q.Mac, "pid", q.Pid, "error", err)
		return
	}
	metrics.SchedulerDispatchedTotal.Inc()
}

// HandleFrame dispatches one inbound frame to its event handler
// (spec.md §4.5). Unknown event names are dropped (spec.md §7
// "Unknown event-name on inbound result | RPC layer | Local: drop.").
func (h *Hub) HandleFrame(ctx context.Context, sess *Session, f Frame) {
	switch f.Kind {
	case "RegisterNode":
		h.onRegisterNode(ctx, sess, f)
	case "UpdateNodeInfo":
		h.onUpdateNodeInfo(sess, f)
	case "TerminalMountDevRegister":
		h.onTerminalMountDevRegister(ctx, f)
	case "terminalOn":
		h.onTerminalOn(ctx, f)
	case "terminalOff":
		h.onTerminalOff(ctx, f)
	case "instructTimeOut":
		h.onInstructTimeOut(f)
	case "terminalMountDevTimeOut":
		h.onTerminalMountDevTimeOut(ctx, f)
	case "busy":
		h.onBusy(f)
	case "ready":
		h.onReady(ctx, sess)
	case "queryResult":
		h.onQueryResult(ctx, f)
	case "OprateDTUResult":
		h.correlation.Complete(f)
	case "heartbeat":
		h.onHeartbeat(ctx, sess, f)
	case "startError":
		h.onStartError(f)
	case "alarm":
		h.onAlarm(f)
	default:
		slog.Debug("rpcnode: dropping unknown event", "kind", f.Kind)
	}
}

func (h *Hub) onRegisterNode(ctx context.Context, sess *Session, f Frame) {
	p, err := decodePayload[registerNodePayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed RegisterNode", "error", err)
		return
	}
	p.Name = sanitize.Label(p.Name, maxNodeNameLen)

	sess.NodeName = p.Name
	if previous := h.Sessions.Register(sess); previous != nil {
		_ = previous.Close("superseded by new registration")
	}

	if err := h.nodes.Upsert(ctx, store.NodeRecord{
		Name: p.Name, IP: p.IP, Port: p.Port, MaxConnections: p.MaxConnections,
	}); err != nil {
		slog.Warn("rpcnode: persisting node registration failed", "node", p.Name, "error", err)
	}

	ack, _ := encodeFrame("RegisterNode", f.EventName, map[string]interface{}{"ok": true, "node": p.Name})
	_ = sess.Send(ctx, ack)
}

func (h *Hub) onUpdateNodeInfo(sess *Session, f Frame) {
	p, err := decodePayload[updateNodeInfoPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed UpdateNodeInfo", "error", err)
		return
	}
	if p.Name == "" {
		p.Name = sess.NodeName
	}
	p.Name = sanitize.Label(p.Name, maxNodeNameLen)
	h.nodeMu.Lock()
	h.nodeInfo[p.Name] = p
	h.nodeMu.Unlock()
}

// BroadcastNodeInfo implements maintenance.NodeBroadcaster: it pokes
// every live session with its own nodeInfo{name} event so the node
// re-runs its side of the sync (spec.md §4.7 nodeInfo broadcast).
func (h *Hub) BroadcastNodeInfo(ctx context.Context) {
	for _, sess := range h.Sessions.All() {
		f, err := encodeFrame("nodeInfo", h.eventName("nodeInfo", sess.NodeName, 0), nodeInfoPayload{Name: sess.NodeName})
		if err != nil {
			slog.Warn("rpcnode: encode nodeInfo failed", "node", sess.NodeName, "error", err)
			continue
		}
		if err := sess.Send(ctx, f); err != nil {
			slog.Warn("rpcnode: send nodeInfo failed", "node", sess.NodeName, "error", err)
		}
	}
}

// ResetNodeMap implements maintenance.NodeMapResetter: it clears the
// node-metadata scratch cache without touching live sessions (spec.md
// §4.7 nodeMap sweep).
func (h *Hub) ResetNodeMap() {
	h.nodeMu.Lock()
	h.nodeInfo = make(map[string]updateNodeInfoPayload)
	h.nodeMu.Unlock()
}

func (h *Hub) onTerminalMountDevRegister(ctx context.Context, f Frame) {
	p, err := decodePayload[terminalMountDevRegisterPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed TerminalMountDevRegister", "error", err)
		return
	}

	mac := sanitize.Mac(p.Mac)
	now := h.now()
	ent, ok := h.loadEntity(ctx, mac, now)
	if !ok {
		return
	}
	ent.SetOnline(true, now)
	h.flush(ctx, mac, ent)
	h.cache.Set(ent, now)
	h.refreshSchedulerEntries(ctx, ent.Terminal())
}

func (h *Hub) onTerminalOn(ctx context.Context, f Frame) {
	p, err := decodePayload[terminalOnPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed terminalOn", "error", err)
		return
	}
	now := h.now()
	for _, raw := range p.Mac {
		mac := sanitize.Mac(raw)
		ent, ok := h.loadEntity(ctx, mac, now)
		if !ok {
			continue
		}
		ent.SetOnline(true, now)
		h.flush(ctx, mac, ent)
		h.cache.Set(ent, now)
		h.cache.OnTerminalOnline(mac, now)
		h.alarms.NotifyPresence(mac, true)
		h.sched.SetBusy(mac, false)
		h.refreshSchedulerEntries(ctx, ent.Terminal())
	}
}

func (h *Hub) onTerminalOff(ctx context.Context, f Frame) {
	p, err := decodePayload[terminalOffPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed terminalOff", "error", err)
		return
	}
	mac := sanitize.Mac(p.Mac)
	now := h.now()
	ent, ok := h.loadEntity(ctx, mac, now)
	if ok {
		ent.SetOnline(false, now)
		h.flush(ctx, mac, ent)
	}
	h.cache.Invalidate(mac)
	h.table.RemoveAllForMac(mac)
	h.alarms.NotifyPresence(mac, false)
}

func (h *Hub) onInstructTimeOut(f Frame) {
	p, err := decodePayload[instructTimeOutPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed instructTimeOut", "error", err)
		return
	}
	h.alarms.Raise("timeout", sanitize.Mac(p.Mac), fmt.Sprintf("pid=%d instructions=%v", p.Pid, p.Instruct))
}

func (h *Hub) onTerminalMountDevTimeOut(ctx context.Context, f Frame) {
	p, err := decodePayload[terminalMountDevTimeOutPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed terminalMountDevTimeOut", "error", err)
		return
	}
	if p.TimeOut <= timeoutAlarmThreshold {
		return
	}
	mac := sanitize.Mac(p.Mac)
	now := h.now()
	ent, ok := h.loadEntity(ctx, mac, now)
	if !ok {
		return
	}
	ent.SetMountDeviceOnline(p.Pid, false, now)
	h.flush(ctx, mac, ent)
	h.cache.Set(ent, now)
	h.alarms.Raise("error", mac, fmt.Sprintf("pid=%d timeOut=%d", p.Pid, p.TimeOut))
}

func (h *Hub) onBusy(f Frame) {
	p, err := decodePayload[busyPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed busy", "error", err)
		return
	}
	h.sched.SetBusy(sanitize.Mac(p.Mac), p.Busy)
}

func (h *Hub) onReady(ctx context.Context, sess *Session) {
	if sess.NodeName == "" {
		return
	}
	terms, err := h.terminals.ListByNode(ctx, sess.NodeName)
	if err != nil {
		slog.Warn("rpcnode: loading terminals for ready node failed", "node", sess.NodeName, "error", err)
		return
	}
	now := h.now()
	for _, t := range terms {
		h.refreshSchedulerEntries(ctx, *t)
		h.cache.Set(terminal.New(*t, now), now)
	}
}

func (h *Hub) onQueryResult(ctx context.Context, f Frame) {
	p, err := decodePayload[queryResultPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed queryResult", "error", err)
		return
	}

	// Step 1: publish to any awaiter (spec.md §4.6 ingestion step 1).
	h.correlation.Complete(f)

	mac := sanitize.Mac(p.Mac)
	now := h.now()
	h.sched.IngestQueryResult(ctx, now, scheduler.QueryResult{
		EventName: f.EventName, Mac: mac, Pid: p.Pid, Success: p.Success,
		Data: p.Data, Error: p.Error, UseTimeMs: p.UseTimeMs,
	})

	// Step 2/3: echo an ack on the same event name, success or failure
	// (spec.md §4.6 ingestion).
	if ent, ok := h.cache.Get(mac, now); ok {
		if sess, ok := h.Sessions.GetByNode(ent.Terminal().MountNode); ok {
			ack, _ := encodeFrame("queryResult", f.EventName, map[string]interface{}{"ok": p.Success})
			_ = sess.Send(ctx, ack)
		}
	}
}

func (h *Hub) onHeartbeat(ctx context.Context, sess *Session, f Frame) {
	p, err := decodePayload[heartbeatPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed heartbeat", "error", err)
		return
	}
	ack, _ := encodeFrame("heartbeat", f.EventName, heartbeatPayload{Ts: p.Ts})
	_ = sess.Send(ctx, ack)
}

func (h *Hub) onStartError(f Frame) {
	p, _ := decodePayload[startErrorPayload](f)
	slog.Warn("rpcnode: node reported start error", "error", p.Error)
}

func (h *Hub) onAlarm(f Frame) {
	p, err := decodePayload[alarmPayload](f)
	if err != nil {
		slog.Warn("rpcnode: malformed alarm", "error", err)
		return
	}
	h.alarms.Raise(p.Kind, sanitize.Mac(p.Mac), p.Detail)
}

func (h *Hub) loadEntity(ctx context.Context, mac string, now time.Time) (*terminal.Entity, bool) {
	if ent, ok := h.cache.Get(mac, now); ok {
		return ent, true
	}
	t, err := h.terminals.GetByMac(ctx, mac)
	if err != nil {
		slog.Debug("rpcnode: terminal lookup miss", "mac", mac, "error", err)
		return nil, false
	}
	return terminal.New(*t, now), true
}

func (h *Hub) flush(ctx context.Context, mac string, ent *terminal.Entity) {
	if !ent.HasPendingChanges() {
		return
	}
	update, commit := ent.Flush()
	if err := h.terminals.ApplyUpdate(ctx, mac, update); err != nil {
		slog.Warn("rpcnode: flush failed, will retry on next mutation", "mac", mac, "error", err)
		return
	}
	commit()
}

// refreshSchedulerEntries (re)installs scheduling-table entries for
// every mount-device on t, deriving intervals per spec.md §4.6.
func (h *Hub) refreshSchedulerEntries(ctx context.Context, t store.Terminal) {
	interval := scheduler.DeriveInterval(t, func(name string) int {
		p, err := h.protocols.Get(ctx, name)
		if err != nil {
			return 0
		}
		return len(p.Instructions)
	})
	for _, md := range t.MountDevs {
		h.table.Add(t.Mac, md.Pid, scheduler.EffectiveInterval(interval, md.MinQueryLimit))
	}
}

// DisconnectCleanup implements spec.md §4.5 "Disconnect cleanup" and
// §8 P10: every terminal whose cached entry belongs to sess is marked
// offline, dropped from the cache, and dropped from the scheduling
// table.
//
// sess may already have been superseded by a newer registration for
// the same node name (the old socket's read loop can error out after
// the new socket has re-registered and brought terminals back online
// via TerminalMountDevRegister/terminalOn). In that race, sess is no
// longer the node's current session, and running cleanup would flip
// the freshly-online terminals back offline and tear down the new
// session's just-installed scheduler entries (violating P10: "No other
// terminal is affected"). So cleanup only touches terminal state when
// sess is still the registered session for its node at the moment of
// disconnect.
func (h *Hub) DisconnectCleanup(ctx context.Context, sess *Session) {
	current, ok := h.Sessions.GetByNode(sess.NodeName)
	isCurrent := sess.NodeName != "" && ok && current == sess

	h.Sessions.Unregister(sess)
	if !isCurrent {
		return
	}
	terms, err := h.terminals.ListByNode(ctx, sess.NodeName)
	if err != nil {
		slog.Warn("rpcnode: disconnect cleanup: loading node terminals failed", "node", sess.NodeName, "error", err)
		return
	}
	now := h.now()
	for _, t := range terms {
		ent := terminal.New(*t, now)
		ent.SetOnline(false, now)
		h.flush(ctx, t.Mac, ent)
		h.cache.Invalidate(t.Mac)
		h.table.RemoveAllForMac(t.Mac)
	}
}

// HeartbeatWatchdog force-disconnects every session whose last
// heartbeat is older than heartbeatExpiry (spec.md §4.5 "Heartbeat
// watchdog").
func (h *Hub) HeartbeatWatchdog(ctx context.Context) {
	now := h.now()
	for _, sess := range h.Sessions.All() {
		if now.Sub(sess.LastHeartbeat()) > heartbeatExpiry {
			metrics.HeartbeatExpiredTotal.Inc()
			_ = sess.Close("heartbeat expired")
			h.DisconnectCleanup(ctx, sess)
		}
	}
}
