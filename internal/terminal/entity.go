// Package terminal implements the terminal entity and its dirty-field
// flush pipeline (C3, spec.md §4.3). An Entity is the only mutable view
// of a terminal held outside the storage collection: the cache (C4) and
// scheduler (C6) read through it, and mutators are the only way to
// change it.
package terminal

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

// Entity wraps a single terminal document plus its pending-write dirty
// sets (spec.md §4.3). Not safe for concurrent use by multiple
// goroutines without external synchronisation — callers (the cache)
// are expected to serialise access per mac.
type Entity struct {
	t store.Terminal

	dirtyTop      map[string]interface{}
	dirtyMountDev map[int]map[string]interface{} // keyed by pid, not index
}

// New wraps t in an Entity, applying the pesiv-forced-online rule (I3)
// at construction time: if the terminal is online and its top-level
// PID is the pesiv variant, every mount-device whose protocol is pesiv
// is forced online, and that forcing is recorded in the dirty map so a
// subsequent flush persists it (spec.md §4.3, §9 "apply the rule at
// entity construction from storage, write the forced values through
// the dirty map").
func New(t store.Terminal, now time.Time) *Entity {
	e := &Entity{
		t:             t,
		dirtyTop:      make(map[string]interface{}),
		dirtyMountDev: make(map[int]map[string]interface{}),
	}

	if t.Online && t.Pid == "pesiv" {
		for i := range e.t.MountDevs {
			md := &e.t.MountDevs[i]
			if md.Protocol == "pesiv" && !md.Online {
				md.Online = true
				e.markMountDevDirty(md.Pid, "online", true)
				e.bumpUptime(now)
			}
		}
	}

	return e
}

// Terminal returns the current in-memory view. The returned value must
// not be mutated directly; use the mutator methods.
func (e *Entity) Terminal() store.Terminal { return e.t }

func (e *Entity) bumpUptime(now time.Time) {
	e.t.Uptime = now
	e.dirtyTop["uptime"] = now
}

func (e *Entity) markMountDevDirty(pid int, field string, value interface{}) {
	m, ok := e.dirtyMountDev[pid]
	if !ok {
		m = make(map[string]interface{})
		e.dirtyMountDev[pid] = m
	}
	m[field] = value
}

// SetOnline sets the terminal's top-level online flag (spec.md §4.3
// setOnline). A no-op value change is suppressed.
func (e *Entity) SetOnline(online bool, now time.Time) {
	if e.t.Online == online {
		return
	}
	e.t.Online = online
	e.dirtyTop["online"] = online
	e.bumpUptime(now)
}

// SetMountDeviceOnline sets the online flag of the mount-device
// identified by pid (spec.md §4.3 setMountDeviceOnline). No-ops with a
// warning log if pid is unknown.
func (e *Entity) SetMountDeviceOnline(pid int, online bool, now time.Time) {
	idx := e.t.ByPid(pid)
	if idx < 0 {
		slog.Warn("setMountDeviceOnline: unknown pid", "mac", e.t.Mac, "pid", pid)
		return
	}
	if e.t.MountDevs[idx].Online == online {
		return
	}
	e.t.MountDevs[idx].Online = online
	e.markMountDevDirty(pid, "online", online)
	e.bumpUptime(now)
}

// SetMountDeviceLastEmit records the time a query was last dispatched
// to the mount-device identified by pid (spec.md §4.3
// setMountDeviceLastEmit).
func (e *Entity) SetMountDeviceLastEmit(pid int, t time.Time) {
	idx := e.t.ByPid(pid)
	if idx < 0 {
		slog.Warn("setMountDeviceLastEmit: unknown pid", "mac", e.t.Mac, "pid", pid)
		return
	}
	if e.t.MountDevs[idx].LastEmit.Equal(t) {
		return
	}
	e.t.MountDevs[idx].LastEmit = t
	e.markMountDevDirty(pid, "lastEmit", t)
	e.bumpUptime(t)
}

// SetMountDeviceLastRecord records the time a result was last ingested
// for the mount-device identified by pid (spec.md §4.3
// setMountDeviceLastRecord).
func (e *Entity) SetMountDeviceLastRecord(pid int, t time.Time) {
	idx := e.t.ByPid(pid)
	if idx < 0 {
		slog.Warn("setMountDeviceLastRecord: unknown pid", "mac", e.t.Mac, "pid", pid)
		return
	}
	if e.t.MountDevs[idx].LastRecord.Equal(t) {
		return
	}
	e.t.MountDevs[idx].LastRecord = t
	e.markMountDevDirty(pid, "lastRecord", t)
	e.bumpUptime(t)
}

// UpdateIccidInfo updates the terminal's SIM identifier and flow-budget
// record (spec.md §4.3 updateIccidInfo, §3 Terminal.sim/flow).
func (e *Entity) UpdateIccidInfo(sim string, flow store.FlowBudget, now time.Time) {
	if e.t.Sim != sim {
		e.t.Sim = sim
		e.dirtyTop["sim"] = sim
		e.bumpUptime(now)
	}
	if e.t.Flow == nil || *e.t.Flow != flow {
		f := flow
		e.t.Flow = &f
		e.dirtyTop["flow"] = flow
		e.bumpUptime(now)
	}
}

// Update is the generic top-level mutator (spec.md §4.3 generic
// update). Only the field names below are recognised; an unknown field
// name is an error and applies none of the batch.
func (e *Entity) Update(fields map[string]interface{}, now time.Time) error {
	for name, v := range fields {
		switch name {
		case "name":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("update: field %q expects string", name)
			}
			if e.t.Name != s {
				e.t.Name = s
				e.dirtyTop["name"] = s
				e.bumpUptime(now)
			}
		case "mountNode":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("update: field %q expects string", name)
			}
			if e.t.MountNode != s {
				e.t.MountNode = s
				e.dirtyTop["mountNode"] = s
				e.bumpUptime(now)
			}
		case "pid":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("update: field %q expects string", name)
			}
			if e.t.Pid != s {
				e.t.Pid = s
				e.dirtyTop["pid"] = s
				e.bumpUptime(now)
			}
		default:
			return fmt.Errorf("update: unrecognised field %q", name)
		}
	}
	return nil
}

// HasPendingChanges reports whether Flush would do any work (spec.md
// §4.3 hasPendingChanges).
func (e *Entity) HasPendingChanges() bool {
	return len(e.dirtyTop) > 0 || len(e.dirtyMountDev) > 0
}

// Flush composes the pending dirty sets into a single positional
// store.Update (spec.md §4.3 flush). Mount-device fields are keyed by
// the mount-device's current index in Terminal().MountDevs, resolved
// at flush time — mount-devices must be append-only between mutation
// and flush for this index to stay valid.
//
// Flush does not clear the dirty sets or talk to storage; the caller
// must write the returned update and then call the returned commit
// function on success. This keeps Entity free of any storage
// dependency and makes a failed write leave the dirty sets intact for
// retry.
func (e *Entity) Flush() (*store.Update, func()) {
	if !e.HasPendingChanges() {
		return &store.Update{}, func() {}
	}

	update := &store.Update{
		Fields:         make(map[string]interface{}, len(e.dirtyTop)),
		MountDevFields: make(map[int]map[string]interface{}, len(e.dirtyMountDev)),
	}
	for k, v := range e.dirtyTop {
		update.Fields[k] = v
	}
	for pid, fields := range e.dirtyMountDev {
		idx := e.t.ByPid(pid)
		if idx < 0 {
			// The mount-device disappeared between mutation and flush.
			// Append-only is a documented precondition; surface nothing
			// rather than write to a stale index.
			slog.Warn("flush: pid vanished before flush, dropping pending fields", "mac", e.t.Mac, "pid", pid)
			continue
		}
		m := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			m[k] = v
		}
		update.MountDevFields[idx] = m
	}

	return update, func() {
		e.dirtyTop = make(map[string]interface{})
		e.dirtyMountDev = make(map[int]map[string]interface{})
	}
}
