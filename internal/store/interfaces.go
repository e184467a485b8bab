package store

import "context"

// TerminalStore is the terminals collection contract (spec.md §6).
type TerminalStore interface {
	// GetByMac reads the full terminal document. Returns ErrNotFound
	// if no such terminal exists.
	GetByMac(ctx context.Context, mac string) (*Terminal, error)

	// ListByNode returns every terminal whose mountNode equals node
	// (spec.md §2: used on node registration/ready to seed the
	// scheduler table).
	ListByNode(ctx context.Context, node string) ([]*Terminal, error)

	// ListOnline returns every online terminal (spec.md §4.4 warmup).
	ListOnline(ctx context.Context) ([]*Terminal, error)

	// ApplyUpdate applies a positional update produced by C3's flush
	// pipeline. Implementations must make this idempotent: applying
	// the same (or an older) update twice must not regress a field
	// that a newer write already advanced (spec.md §5).
	ApplyUpdate(ctx context.Context, mac string, update *Update) error
}

// NodeStore is the node.clients collection contract (spec.md §6).
type NodeStore interface {
	Upsert(ctx context.Context, rec NodeRecord) error
	Get(ctx context.Context, name string) (*NodeRecord, error)
	ListActive(ctx context.Context) ([]NodeRecord, error)
}

// ProtocolStore is the device.protocols collection contract
// (spec.md §6).
type ProtocolStore interface {
	Get(ctx context.Context, name string) (*Protocol, error)
}

// ResultSink is the write side of the result collections
// (spec.md §6).
type ResultSink interface {
	WriteResult(ctx context.Context, rec ResultRecord) error
}

// OperationLog is the log.dtuoperations append-only collection
// (spec.md §6).
type OperationLog interface {
	Append(ctx context.Context, rec OperationLogRecord) error
}

// ErrNotFound is returned by store lookups that find nothing.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNotFound indicates the requested document does not exist.
const ErrNotFound = notFoundError("store: not found")
