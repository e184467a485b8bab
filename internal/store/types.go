// Package store defines the Mongo-shaped persistence contracts the
// controller core reads and writes (spec.md §3, §6). The core never
// talks to a MongoDB driver directly — that driver is an out-of-scope
// external collaborator. internal/store/sqlite provides a reference
// implementation of these interfaces for local development and tests.
package store

import "time"

// Terminal is a gateway device identified by a stable uppercase MAC
// address (spec.md §3).
type Terminal struct {
	Mac       string
	Name      string
	MountNode string // owning node name
	Online    bool
	Pid       string // device PID / firmware type, e.g. "pesiv"
	Sim       string // optional SIM identifier
	Flow      *FlowBudget
	Uptime    time.Time
	MountDevs []MountDevice
}

// FlowBudget is a SIM's flow-budget record (spec.md §3).
type FlowBudget struct {
	ResourceName string
	TotalKB      int64
	RemainingKB  int64
}

// MountDevice is one downstream device on a terminal's bus, addressed
// within the terminal by its protocol-level slave address Pid
// (spec.md §3).
type MountDevice struct {
	Pid           int
	Protocol      string
	Type          int // wire type, e.g. 232, 485
	MountDev      string
	Online        bool
	MinQueryLimit time.Duration
	LastEmit      time.Time
	LastRecord    time.Time
}

// ByPid returns the index of the mount-device with the given pid, or
// -1 if none exists. Within a terminal, pid values are unique
// (spec.md §3 invariant).
func (t *Terminal) ByPid(pid int) int {
	for i := range t.MountDevs {
		if t.MountDevs[i].Pid == pid {
			return i
		}
	}
	return -1
}

// Instruction is one named command a protocol descriptor can build
// (spec.md §3).
type Instruction struct {
	// Name doubles as the instruction's hex-payload literal for
	// non-utf8 instructions (spec.md §4.1, P1's test vector uses the
	// instruction name "030000000A" directly as the payload bytes).
	Name        string
	ResultType  string // "utf8", "hex", ...
	NonStandard bool
	ScriptStart string
}

// Protocol is the administrator-authored descriptor of how to build
// request bytes for a given industrial protocol (spec.md §3).
type Protocol struct {
	Name         string
	WireType     int // 232, 485, ...
	Category     string
	Instructions []Instruction
}

// InstructionByName returns the named instruction, or (Instruction{}, false).
func (p *Protocol) InstructionByName(name string) (Instruction, bool) {
	for _, inst := range p.Instructions {
		if inst.Name == name {
			return inst, true
		}
	}
	return Instruction{}, false
}

// NodeRecord describes a node daemon as persisted in node.clients
// (spec.md §6).
type NodeRecord struct {
	Name           string
	IP             string
	Port           int
	MaxConnections int
}

// ResultRecord is a query result written to the result collections
// (spec.md §6 client.resultcolltions / client.resultsingles).
type ResultRecord struct {
	Mac       string
	Pid       int
	Timestamp time.Time
	Success   bool
	Data      string
	Error     string
	UseTimeMs int64
}

// OperationLogRecord is a DTU-operation audit row (spec.md §6
// log.dtuoperations).
type OperationLogRecord struct {
	Mac        string
	Type       string
	Content    string
	OperatedBy string
	Timestamp  time.Time
	Ok         bool
	Result     string
}

// Update is the minimal positional-update document C3's flush
// pipeline produces: top-level fields keyed by field name, and
// mount-device fields keyed by the mount-device's array index at
// flush time (spec.md §4.3).
type Update struct {
	Fields         map[string]interface{}
	MountDevFields map[int]map[string]interface{}
}

// IsEmpty reports whether the update would do no work.
func (u *Update) IsEmpty() bool {
	if u == nil {
		return true
	}
	return len(u.Fields) == 0 && len(u.MountDevFields) == 0
}
