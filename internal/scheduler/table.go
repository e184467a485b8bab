// Package scheduler implements the query scheduler (C6, spec.md §4.6):
// a table of per-(mac,pid) scheduling entries, interval derivation, and
// the periodic dispatch tick.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

// Entry is one (mac, pid) scheduling slot (spec.md §4.6).
type Entry struct {
	Mac      string
	Pid      int
	Interval time.Duration
	Weight   int
}

type tableKey struct {
	mac string
	pid int
}

// Table is the mutex-guarded map of scheduling entries keyed by
// (mac, pid) (spec.md §9 design note: "a mutex-guarded structure with
// a small surface: add, remove, iterateSortedByWeight,
// updateOnDispatch").
type Table struct {
	mu      sync.Mutex
	entries map[tableKey]*Entry
}

// NewTable creates an empty scheduling table.
func NewTable() *Table {
	return &Table{entries: make(map[tableKey]*Entry)}
}

// Add installs (or replaces) the entry for (mac, pid) with the given
// effective interval. Weight resets to zero.
func (t *Table) Add(mac string, pid int, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tableKey{mac, pid}] = &Entry{Mac: mac, Pid: pid, Interval: interval}
}

// Remove deletes the entry for (mac, pid), if any.
func (t *Table) Remove(mac string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, tableKey{mac, pid})
}

// RemoveAllForMac deletes every entry for the given mac, regardless of
// pid (used on terminalOff and disconnect cleanup, spec.md §4.5).
func (t *Table) RemoveAllForMac(mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.mac == mac {
			delete(t.entries, k)
		}
	}
}

// Get returns the entry for (mac, pid), if present. The returned
// pointer is shared with the table; callers running under Tick may
// mutate Weight directly.
func (t *Table) Get(mac string, pid int) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tableKey{mac, pid}]
	return e, ok
}

// Len returns the number of entries currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// SortedByWeightDesc returns a snapshot of all entries ordered by
// descending weight, ties broken by (mac, pid) for determinism
// (spec.md §4.6 Tick step 2: "starvation-aged entries go first").
func (t *Table) SortedByWeightDesc() []*Entry {
	t.mu.Lock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].Mac != out[j].Mac {
			return out[i].Mac < out[j].Mac
		}
		return out[i].Pid < out[j].Pid
	})
	return out
}

// baseIntervalMs is the no-SIM base interval (spec.md §4.6 step 1).
const baseIntervalMs = 500

// cellularPenaltyMs is the base interval when a SIM identifier is
// present (spec.md §4.6 step 1).
const cellularPenaltyMs = 1000

// minIntervalMs is the floor every derived interval is clamped to
// (spec.md §4.6 step 4).
const minIntervalMs = 5000

// aliLowFlowResourceName and aliLowFlowThresholdKB gate the flow-budget
// interval penalty (spec.md §4.6 step 2).
const aliLowFlowResourceName = "ali_1"
const aliLowFlowThresholdKB = 512 * 1024

// DeriveInterval computes a terminal's base polling interval
// (spec.md §4.6 steps 1-4). instructionCount returns the number of
// instructions for a protocol name, or 0 if the protocol is unknown;
// the open question on "first mount-device wins" is deliberately
// preserved — see spec.md §9.
func DeriveInterval(t store.Terminal, instructionCount func(protocolName string) int) time.Duration {
	baseMs := float64(baseIntervalMs)
	if t.Sim != "" {
		baseMs = cellularPenaltyMs
	}

	if t.Flow != nil && t.Flow.ResourceName == aliLowFlowResourceName && t.Flow.TotalKB > 0 && t.Flow.TotalKB < aliLowFlowThresholdKB {
		multiplier := (float64(aliLowFlowThresholdKB) / float64(t.Flow.TotalKB)) * 2
		baseMs *= multiplier
	}

	n := 1
	if len(t.MountDevs) > 0 {
		if c := instructionCount(t.MountDevs[0].Protocol); c > 0 {
			n = c
		}
	}

	resultMs := float64(n) * baseMs
	if resultMs < minIntervalMs {
		resultMs = minIntervalMs
	}
	return time.Duration(resultMs) * time.Millisecond
}

// EffectiveInterval applies a mount-device's own floor to the
// terminal-level interval (spec.md §4.6 step 5).
func EffectiveInterval(terminalInterval, minQueryLimit time.Duration) time.Duration {
	if minQueryLimit > terminalInterval {
		return minQueryLimit
	}
	return terminalInterval
}
