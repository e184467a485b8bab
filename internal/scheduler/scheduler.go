package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

const (
	inFlightOutstandingWindow = 30 * time.Second
	inFlightRecentWindow      = 60 * time.Second
	siblingHoldWindow         = 10 * time.Second
	tooSoonMargin             = time.Second
)

// InstructQuery is the outbound poll request built by dispatch
// (spec.md §4.6 step d).
type InstructQuery struct {
	EventName string
	Mac       string
	Pid       int
	Protocol  string
	DevMac    string
	Content   string
	IntervalMs int64
}

// NodeDispatcher sends an InstructQuery to a node session and reports
// whether a node is currently online (spec.md §4.5 outbound RPC). It is
// implemented by the rpcnode package; the scheduler depends only on
// this narrow interface so it can be tested without a real transport.
type NodeDispatcher interface {
	IsOnline(node string) bool
	SendInstructQuery(ctx context.Context, node string, q InstructQuery)
}

// Scheduler ties the scheduling table to the cache, protocol registry,
// terminal store, and node transport (spec.md §4.6).
type Scheduler struct {
	table        *Table
	cache        *cache.Cache
	terminals    store.TerminalStore
	results      store.ResultSink
	protocols    *protocol.Registry
	instructions *protocol.InstructionCache
	nodes        NodeDispatcher
	eventName    func(kind, mac string, pid int) string

	busyMu sync.Mutex
	busy   map[string]struct{}
}

// New creates a scheduler wired to its collaborators. eventName
// generates correlation tokens (internal/id.EventName).
func New(table *Table, c *cache.Cache, terminals store.TerminalStore, results store.ResultSink, protocols *protocol.Registry, instructions *protocol.InstructionCache, nodes NodeDispatcher, eventName func(kind, mac string, pid int) string) *Scheduler {
	return &Scheduler{
		table:        table,
		cache:        c,
		terminals:    terminals,
		results:      results,
		protocols:    protocols,
		instructions: instructions,
		nodes:        nodes,
		eventName:    eventName,
		busy:         make(map[string]struct{}),
	}
}

// SetDispatcher installs the node transport after construction, for
// callers whose dispatcher (the rpcnode Hub) itself depends on this
// Scheduler and so cannot be built before it.
func (s *Scheduler) SetDispatcher(nodes NodeDispatcher) {
	s.nodes = nodes
}

// QueryResult is an inbound poll result (spec.md §4.6 "Ingestion of
// queryResult").
type QueryResult struct {
	EventName string
	Mac       string
	Pid       int
	Success   bool
	Data      string
	Error     string
	UseTimeMs int64
}

// IngestQueryResult applies spec.md §4.6 ingestion steps 2-3: publishing
// the result to any correlation-table awaiter (step 1) is the RPC
// layer's responsibility and happens around this call, since the
// correlation table lives with the transport, not the scheduler.
func (s *Scheduler) IngestQueryResult(ctx context.Context, now time.Time, r QueryResult) {
	if !r.Success {
		slog.Info("scheduler: query result failure", "mac", r.Mac, "pid", r.Pid, "error", r.Error)
		return
	}

	if err := s.results.WriteResult(ctx, store.ResultRecord{
		Mac:       r.Mac,
		Pid:       r.Pid,
		Timestamp: now,
		Success:   true,
		Data:      r.Data,
		UseTimeMs: r.UseTimeMs,
	}); err != nil {
		slog.Warn("scheduler: persisting query result failed", "mac", r.Mac, "pid", r.Pid, "error", err)
	}

	ent, ok := s.cache.Get(r.Mac, now)
	if !ok {
		return
	}
	ent.SetMountDeviceLastRecord(r.Pid, now)
	ent.SetMountDeviceOnline(r.Pid, true, now)
	update, commit := ent.Flush()
	if err := s.terminals.ApplyUpdate(ctx, r.Mac, update); err != nil {
		slog.Warn("scheduler: persisting query result side-effects failed", "mac", r.Mac, "pid", r.Pid, "error", err)
		return
	}
	commit()
}

// SetBusy adds or removes mac from the back-pressure set (spec.md §4.5
// busy{mac, busy, n}).
func (s *Scheduler) SetBusy(mac string, busy bool) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if busy {
		s.busy[mac] = struct{}{}
	} else {
		delete(s.busy, mac)
	}
}

func (s *Scheduler) isBusy(mac string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	_, ok := s.busy[mac]
	return ok
}

// Tick runs one scheduling pass: every entry is visited in descending
// weight order and dispatch is attempted; a single entry's failure
// never stops the tick (spec.md §4.6 Tick, §7 propagation policy).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	handled := make(map[string]bool)
	for _, e := range s.table.SortedByWeightDesc() {
		s.dispatch(ctx, e, now, handled)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *Entry, now time.Time, handled map[string]bool) {
	if s.isBusy(e.Mac) {
		e.Weight++
		return
	}

	ent, ok := s.cache.Get(e.Mac, now)
	if !ok {
		return
	}
	term := ent.Terminal()
	idx := term.ByPid(e.Pid)
	if idx < 0 {
		return
	}
	md := term.MountDevs[idx]
	multiDevice := len(term.MountDevs) > 1

	if multiDevice {
		if handled[e.Mac] {
			e.Weight++
			return
		}
		handled[e.Mac] = true
	}

	// Outstanding-in-flight is checked ahead of the plain too-soon guard:
	// an in-flight poll within the too-soon window must still bump
	// weight (spec.md §8 P8), which a too-soon-first ordering would
	// silently swallow.
	if !md.LastEmit.IsZero() && md.LastRecord.Before(md.LastEmit) &&
		md.LastEmit.Sub(md.LastRecord) < inFlightOutstandingWindow && now.Sub(md.LastEmit) < inFlightRecentWindow {
		e.Weight++
		return
	}

	if !md.LastEmit.IsZero() && now.Sub(md.LastEmit) < e.Interval-tooSoonMargin {
		return
	}

	if multiDevice {
		for i := range term.MountDevs {
			if i == idx {
				continue
			}
			sib := term.MountDevs[i]
			if sib.LastEmit.IsZero() {
				continue
			}
			if now.Sub(sib.LastEmit) < siblingHoldWindow &&
				sib.LastRecord.Before(sib.LastEmit) &&
				now.Sub(sib.LastRecord) < inFlightRecentWindow {
				e.Weight++
				return
			}
		}
	}

	proto, err := s.protocols.Get(ctx, md.Protocol)
	if err != nil {
		slog.Warn("scheduler: protocol lookup miss, skipping entry", "mac", e.Mac, "pid", e.Pid, "protocol", md.Protocol, "error", err)
		return
	}

	content := s.buildInstructionList(proto, e.Pid)

	if !s.nodes.IsOnline(term.MountNode) {
		return
	}

	s.nodes.SendInstructQuery(ctx, term.MountNode, InstructQuery{
		EventName:  s.eventName("InstructQuery", e.Mac, e.Pid),
		Mac:        e.Mac,
		Pid:        e.Pid,
		Protocol:   md.Protocol,
		DevMac:     md.MountDev,
		Content:    content,
		IntervalMs: e.Interval.Milliseconds(),
	})

	e.Weight = 0
	ent.SetMountDeviceLastEmit(e.Pid, now)
	ent.SetMountDeviceOnline(e.Pid, true, now)
	update, commit := ent.Flush()
	if err := s.terminals.ApplyUpdate(ctx, e.Mac, update); err != nil {
		slog.Warn("scheduler: persisting dispatch side-effects failed, retrying next flush", "mac", e.Mac, "pid", e.Pid, "error", err)
		return
	}
	commit()
}

// buildInstructionList joins every instruction's encoding with ",",
// one segment per instruction in proto.Instructions order. A build
// failure yields an empty segment in its position rather than omitting
// it, so the segment count and position stay stable across calls
// (spec.md P2: repeated builds for unchanged input are byte-identical).
func (s *Scheduler) buildInstructionList(proto *store.Protocol, pid int) string {
	parts := make([]string, 0, len(proto.Instructions))
	for _, inst := range proto.Instructions {
		inst := inst
		encoded := s.instructions.GetOrBuild(proto.Name, pid, inst.Name, func() (string, error) {
			return protocol.Build(proto, pid, inst.Name)
		})
		parts = append(parts, encoded)
	}
	return strings.Join(parts, ",")
}
