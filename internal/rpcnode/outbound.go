package rpcnode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
	"github.com/wgcairui/uartserver-ng-sub000/internal/util/timefmt"
)

// QueryOutcome is the result of an awaited instructQuery call
// (spec.md §4.5 outbound RPC).
type QueryOutcome struct {
	OK        bool
	Msg       string
	Data      string
	UseTimeMs int64
}

// InstructQuery sends an InstructQuery event and awaits the matching
// queryResult up to 2x intervalMs (spec.md §4.5 instructQuery). If the
// node is not connected, it returns immediately with a "not connected"
// outcome rather than waiting out the full timeout.
func (h *Hub) InstructQuery(ctx context.Context, node, mac string, pid int, protocolName, devMac, content string, intervalMs int64) (QueryOutcome, error) {
	sess, ok := h.Sessions.GetByNode(node)
	if !ok {
		return QueryOutcome{OK: false, Msg: "node not connected"}, nil
	}

	eventName := h.eventName("InstructQuery", mac, pid)
	f, err := encodeFrame("InstructQuery", eventName, instructQueryPayload{
		Mac: mac, Pid: pid, Protocol: protocolName, DevMac: devMac, Content: content, IntervalMs: intervalMs,
	})
	if err != nil {
		return QueryOutcome{}, fmt.Errorf("encode InstructQuery: %w", err)
	}

	timeout := time.Duration(2*intervalMs) * time.Millisecond
	resultCh := make(chan QueryOutcome, 1)
	errCh := make(chan error, 1)

	go func() {
		resp, err := h.correlation.Await(ctx, eventName, timeout)
		if err != nil {
			resultCh <- QueryOutcome{OK: false, Msg: "no response"}
			return
		}
		p, decErr := decodePayload[queryResultPayload](resp)
		if decErr != nil {
			errCh <- decErr
			return
		}
		resultCh <- QueryOutcome{OK: p.Success, Msg: p.Error, Data: p.Data, UseTimeMs: p.UseTimeMs}
	}()

	if err := sess.Send(ctx, f); err != nil {
		return QueryOutcome{}, fmt.Errorf("send InstructQuery: %w", err)
	}

	select {
	case r := <-resultCh:
		if r.OK {
			now := h.now()
			if ent, ok := h.cache.Get(mac, now); ok {
				ent.SetMountDeviceOnline(pid, true, now)
				h.flush(ctx, mac, ent)
			}
		}
		return r, nil
	case err := <-errCh:
		return QueryOutcome{}, err
	}
}

// OprateDTU sends an OprateDTU event, awaits the matching
// OprateDTUResult up to 10s, and appends an operation log entry on
// resolution (spec.md §4.5 oprateDTU).
func (h *Hub) OprateDTU(ctx context.Context, node, mac string, kind OprateDTUKind, content, operatedBy string) (QueryOutcome, error) {
	sess, ok := h.Sessions.GetByNode(node)
	if !ok {
		return QueryOutcome{OK: false, Msg: "node not connected"}, nil
	}

	eventName := h.eventName("OprateDTU", mac, 0)
	f, err := encodeFrame("OprateDTU", eventName, oprateDTUPayload{Mac: mac, Type: kind, Content: content})
	if err != nil {
		return QueryOutcome{}, fmt.Errorf("encode OprateDTU: %w", err)
	}

	resultCh := make(chan QueryOutcome, 1)
	go func() {
		resp, err := h.correlation.Await(ctx, eventName, oprateDTUTimeout)
		if err != nil {
			resultCh <- QueryOutcome{OK: false, Msg: "no response"}
			return
		}
		p, _ := decodePayload[oprateDTUResultPayload](resp)
		resultCh <- QueryOutcome{OK: p.OK, Msg: p.Msg, Data: p.Result}
	}()

	if err := sess.Send(ctx, f); err != nil {
		return QueryOutcome{}, fmt.Errorf("send OprateDTU: %w", err)
	}

	outcome := <-resultCh
	completedAt := h.now()

	if err := h.ops.Append(ctx, store.OperationLogRecord{
		Mac: mac, Type: string(kind), Content: content, OperatedBy: operatedBy,
		Timestamp: completedAt, Ok: outcome.OK, Result: outcome.Data,
	}); err != nil {
		return outcome, fmt.Errorf("append operation log: %w", err)
	}

	slog.Info("rpcnode: OprateDTU completed", "mac", mac, "kind", kind, "ok", outcome.OK, "operatedBy", operatedBy, "at", timefmt.Format(completedAt))

	return outcome, nil
}
