package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

// Store is a reference implementation of the core's persistence
// interfaces (store.TerminalStore, store.NodeStore, store.ProtocolStore,
// store.ResultSink, store.OperationLog) backed by a local SQLite
// database. The real deployment target is MongoDB (spec.md §6); this
// package exists so the controller core can be exercised end-to-end
// without a live Mongo cluster.
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated *sql.DB.
func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// GetByMac implements store.TerminalStore.
func (s *Store) GetByMac(ctx context.Context, mac string) (*store.Terminal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mac, name, mount_node, online, pid, sim,
		       flow_resource, flow_total_kb, flow_remaining_kb, uptime
		FROM terminals WHERE mac = ?`, mac)

	t, err := scanTerminal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get terminal %q: %w", mac, err)
	}

	devs, err := s.mountDevicesFor(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("get terminal %q mount devices: %w", mac, err)
	}
	t.MountDevs = devs
	return t, nil
}

// ListByNode implements store.TerminalStore.
func (s *Store) ListByNode(ctx context.Context, node string) ([]*store.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mac, name, mount_node, online, pid, sim,
		       flow_resource, flow_total_kb, flow_remaining_kb, uptime
		FROM terminals WHERE mount_node = ?`, node)
	if err != nil {
		return nil, fmt.Errorf("list terminals for node %q: %w", node, err)
	}
	return s.scanTerminalRows(ctx, rows)
}

// ListOnline implements store.TerminalStore.
func (s *Store) ListOnline(ctx context.Context) ([]*store.Terminal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mac, name, mount_node, online, pid, sim,
		       flow_resource, flow_total_kb, flow_remaining_kb, uptime
		FROM terminals WHERE online = 1`)
	if err != nil {
		return nil, fmt.Errorf("list online terminals: %w", err)
	}
	return s.scanTerminalRows(ctx, rows)
}

func (s *Store) scanTerminalRows(ctx context.Context, rows *sql.Rows) ([]*store.Terminal, error) {
	defer rows.Close()

	var out []*store.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		devs, err := s.mountDevicesFor(ctx, t.Mac)
		if err != nil {
			return nil, err
		}
		t.MountDevs = devs
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTerminal(r rowScanner) (*store.Terminal, error) {
	var (
		t           store.Terminal
		flowRes     string
		flowTotal   int64
		flowRemain  int64
		uptime      sql.NullTime
		onlineInt   int
	)
	if err := r.Scan(&t.Mac, &t.Name, &t.MountNode, &onlineInt, &t.Pid, &t.Sim,
		&flowRes, &flowTotal, &flowRemain, &uptime); err != nil {
		return nil, err
	}
	t.Online = onlineInt != 0
	if uptime.Valid {
		t.Uptime = uptime.Time
	}
	if flowRes != "" {
		t.Flow = &store.FlowBudget{ResourceName: flowRes, TotalKB: flowTotal, RemainingKB: flowRemain}
	}
	return &t, nil
}

// mountDevicesFor returns a terminal's mount devices ordered by pid
// ascending. ApplyUpdate relies on this same ordering to resolve the
// array-index keys a flushed Update carries back to a pid.
func (s *Store) mountDevicesFor(ctx context.Context, mac string) ([]store.MountDevice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pid, protocol, type, mount_dev, online, min_query_limit_ms, last_emit, last_record
		FROM mount_devices WHERE mac = ? ORDER BY pid ASC`, mac)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MountDevice
	for rows.Next() {
		var (
			md          store.MountDevice
			onlineInt   int
			minLimitMs  int64
			lastEmit    sql.NullTime
			lastRecord  sql.NullTime
		)
		if err := rows.Scan(&md.Pid, &md.Protocol, &md.Type, &md.MountDev, &onlineInt, &minLimitMs, &lastEmit, &lastRecord); err != nil {
			return nil, err
		}
		md.Online = onlineInt != 0
		md.MinQueryLimit = time.Duration(minLimitMs) * time.Millisecond
		if lastEmit.Valid {
			md.LastEmit = lastEmit.Time
		}
		if lastRecord.Valid {
			md.LastRecord = lastRecord.Time
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// ApplyUpdate implements store.TerminalStore. It applies the top-level
// field set and, for each flushed mount-device index, resolves that
// index against the same pid-ascending ordering mountDevicesFor uses to
// find the row to update (spec.md §4.3).
func (s *Store) ApplyUpdate(ctx context.Context, mac string, update *store.Update) error {
	if update.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for field, value := range update.Fields {
		if err := applyTerminalField(ctx, tx, mac, field, value); err != nil {
			return fmt.Errorf("apply terminal field %q: %w", field, err)
		}
	}

	if len(update.MountDevFields) > 0 {
		pids, err := pidsOrdered(ctx, tx, mac)
		if err != nil {
			return fmt.Errorf("resolve mount device order: %w", err)
		}
		for idx, fields := range update.MountDevFields {
			if idx < 0 || idx >= len(pids) {
				continue // device removed since the entity was loaded; nothing to apply
			}
			pid := pids[idx]
			for field, value := range fields {
				if err := applyMountDevField(ctx, tx, mac, pid, field, value); err != nil {
					return fmt.Errorf("apply mount device field %q (pid=%d): %w", field, pid, err)
				}
			}
		}
	}

	return tx.Commit()
}

func pidsOrdered(ctx context.Context, tx *sql.Tx, mac string) ([]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT pid FROM mount_devices WHERE mac = ? ORDER BY pid ASC`, mac)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}

func applyTerminalField(ctx context.Context, tx *sql.Tx, mac, field string, value interface{}) error {
	if field == "flow" {
		fb, ok := value.(store.FlowBudget)
		if !ok {
			return fmt.Errorf("field %q expects store.FlowBudget", field)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE terminals SET flow_resource = ?, flow_total_kb = ?, flow_remaining_kb = ? WHERE mac = ?`,
			fb.ResourceName, fb.TotalKB, fb.RemainingKB, mac)
		return err
	}

	column, ok := map[string]string{
		"name":      "name",
		"mountNode": "mount_node",
		"pid":       "pid",
		"online":    "online",
		"uptime":    "uptime",
		"sim":       "sim",
	}[field]
	if !ok {
		return fmt.Errorf("unrecognized terminal field %q", field)
	}
	if field == "online" {
		value = boolToInt(value)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE terminals SET %s = ? WHERE mac = ?`, column), value, mac)
	return err
}

func applyMountDevField(ctx context.Context, tx *sql.Tx, mac string, pid int, field string, value interface{}) error {
	column, ok := map[string]string{
		"online":     "online",
		"lastEmit":   "last_emit",
		"lastRecord": "last_record",
		"mountDev":   "mount_dev",
	}[field]
	if !ok {
		return fmt.Errorf("unrecognized mount device field %q", field)
	}
	if field == "online" {
		value = boolToInt(value)
	}

	// lastEmit/lastRecord are timestamps ingested out of order (spec.md
	// §5): an update must only advance the column, never regress it, so
	// a stale write that commits after a newer one is a harmless no-op
	// rather than overwriting the newer timestamp with an older one.
	if field == "lastEmit" || field == "lastRecord" {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE mount_devices SET %s = ? WHERE mac = ? AND pid = ? AND (%s IS NULL OR %s < ?)`, column, column, column),
			value, mac, pid, value)
		return err
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE mount_devices SET %s = ? WHERE mac = ? AND pid = ?`, column), value, mac, pid)
	return err
}

func boolToInt(v interface{}) interface{} {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// Upsert implements store.NodeStore.
func (s *Store) Upsert(ctx context.Context, rec store.NodeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_clients (name, ip, port, max_connections) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET ip = excluded.ip, port = excluded.port, max_connections = excluded.max_connections`,
		rec.Name, rec.IP, rec.Port, rec.MaxConnections)
	if err != nil {
		return fmt.Errorf("upsert node %q: %w", rec.Name, err)
	}
	return nil
}

// Get implements store.NodeStore.
func (s *Store) Get(ctx context.Context, name string) (*store.NodeRecord, error) {
	var rec store.NodeRecord
	err := s.db.QueryRowContext(ctx, `SELECT name, ip, port, max_connections FROM node_clients WHERE name = ?`, name).
		Scan(&rec.Name, &rec.IP, &rec.Port, &rec.MaxConnections)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get node %q: %w", name, err)
	}
	return &rec, nil
}

// ListActive implements store.NodeStore.
func (s *Store) ListActive(ctx context.Context) ([]store.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, ip, port, max_connections FROM node_clients`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []store.NodeRecord
	for rows.Next() {
		var rec store.NodeRecord
		if err := rows.Scan(&rec.Name, &rec.IP, &rec.Port, &rec.MaxConnections); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetProtocol loads a protocol descriptor with its instructions; it
// backs the store.ProtocolStore adapter's Get.
func (s *Store) GetProtocol(ctx context.Context, name string) (*store.Protocol, error) {
	var p store.Protocol
	err := s.db.QueryRowContext(ctx, `SELECT name, wire_type, category FROM protocols WHERE name = ?`, name).
		Scan(&p.Name, &p.WireType, &p.Category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get protocol %q: %w", name, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, result_type, non_standard, script_start FROM instructions WHERE protocol_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("get protocol %q instructions: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			inst          store.Instruction
			nonStandardInt int
		)
		if err := rows.Scan(&inst.Name, &inst.ResultType, &nonStandardInt, &inst.ScriptStart); err != nil {
			return nil, err
		}
		inst.NonStandard = nonStandardInt != 0
		p.Instructions = append(p.Instructions, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProtocol persists (or replaces) a protocol descriptor and its
// instruction set. Not part of store.ProtocolStore (callers go through
// protocol.Registry.Put for the in-memory path); this is the storage
// side an admin-edit RPC would call through to.
func (s *Store) PutProtocol(ctx context.Context, p *store.Protocol) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO protocols (name, wire_type, category) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET wire_type = excluded.wire_type, category = excluded.category`,
		p.Name, p.WireType, p.Category)
	if err != nil {
		return fmt.Errorf("upsert protocol %q: %w", p.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instructions WHERE protocol_name = ?`, p.Name); err != nil {
		return fmt.Errorf("clear instructions for %q: %w", p.Name, err)
	}
	for _, inst := range p.Instructions {
		nonStandardInt := 0
		if inst.NonStandard {
			nonStandardInt = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instructions (protocol_name, name, result_type, non_standard, script_start) VALUES (?, ?, ?, ?, ?)`,
			p.Name, inst.Name, inst.ResultType, nonStandardInt, inst.ScriptStart); err != nil {
			return fmt.Errorf("insert instruction %q for %q: %w", inst.Name, p.Name, err)
		}
	}

	return tx.Commit()
}

// WriteResult implements store.ResultSink.
func (s *Store) WriteResult(ctx context.Context, rec store.ResultRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (mac, pid, timestamp, success, data, error, use_time_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Mac, rec.Pid, rec.Timestamp, rec.Success, rec.Data, rec.Error, rec.UseTimeMs)
	if err != nil {
		return fmt.Errorf("write result mac=%s pid=%d: %w", rec.Mac, rec.Pid, err)
	}
	return nil
}

// Append implements store.OperationLog.
func (s *Store) Append(ctx context.Context, rec store.OperationLogRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dtu_operations (mac, type, content, operated_by, timestamp, ok, result) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Mac, rec.Type, rec.Content, rec.OperatedBy, rec.Timestamp, rec.Ok, rec.Result)
	if err != nil {
		return fmt.Errorf("append operation log mac=%s: %w", rec.Mac, err)
	}
	return nil
}

// protocolStoreAdapter narrows *Store to store.ProtocolStore's single
// method, since Store's own Get is already spoken for by node lookups
// in other call sites that share the name.
type protocolStoreAdapter struct{ s *Store }

func (a protocolStoreAdapter) Get(ctx context.Context, name string) (*store.Protocol, error) {
	return a.s.GetProtocol(ctx, name)
}

// AsProtocolStore adapts Store to store.ProtocolStore.
func (s *Store) AsProtocolStore() store.ProtocolStore { return protocolStoreAdapter{s} }
