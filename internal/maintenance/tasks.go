// Package maintenance runs the controller's periodic background tasks
// (C7, spec.md §4.7): a nodeInfo broadcast, a cache refresh sweep, and a
// node-map reset, each on its own ticker for the life of the process.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/cache"
	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol"
	"github.com/wgcairui/uartserver-ng-sub000/internal/scheduler"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
	"github.com/wgcairui/uartserver-ng-sub000/internal/terminal"
)

const (
	nodeInfoInterval     = 60 * time.Second
	cacheRefreshInterval = 10 * time.Minute
	nodeMapSweepInterval = 60 * time.Minute
)

// NodeBroadcaster sends a nodeInfo event to every live session
// (spec.md §4.7 "send a nodeInfo{name} event to every live session").
// Implemented by rpcnode.Hub.
type NodeBroadcaster interface {
	BroadcastNodeInfo(ctx context.Context)
}

// NodeMapResetter clears the in-memory node map and the handledMacs
// scratch (spec.md §4.7 "nodeMap sweep"). Implemented by rpcnode.Hub.
type NodeMapResetter interface {
	ResetNodeMap()
}

// Tasks bundles the collaborators the three periodic jobs need.
type Tasks struct {
	Broadcaster NodeBroadcaster
	Resetter    NodeMapResetter
	Cache       *cache.Cache
	Nodes       store.NodeStore
	Terminals   store.TerminalStore
	Protocols   *protocol.Registry
	Table       *scheduler.Table
	Now         func() time.Time

	// ExcludeNode lists node names the cache-refresh task skips
	// (spec.md §4.7 "except a configurable exclusion list").
	ExcludeNode []string
}

func (t *Tasks) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tasks) excluded(node string) bool {
	for _, n := range t.ExcludeNode {
		if n == node {
			return true
		}
	}
	return false
}

// Run starts all three periodic tasks and blocks until ctx is
// cancelled (spec.md §4.7 "run concurrently from start-up to
// shutdown").
func (t *Tasks) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { t.nodeInfoLoop(ctx); done <- struct{}{} }()
	go func() { t.cacheRefreshLoop(ctx); done <- struct{}{} }()
	go func() { t.nodeMapSweepLoop(ctx); done <- struct{}{} }()
	for i := 0; i < 3; i++ {
		<-done
	}
}

func (t *Tasks) nodeInfoLoop(ctx context.Context) {
	ticker := time.NewTicker(nodeInfoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Broadcaster.BroadcastNodeInfo(ctx)
		}
	}
}

func (t *Tasks) cacheRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshCache(ctx)
		}
	}
}

// refreshCache re-derives scheduling intervals for every terminal,
// online or not, on every active node not in ExcludeNode (spec.md §4.7
// "load its terminals and call setTerminalMountDevCache(mac) on each").
func (t *Tasks) refreshCache(ctx context.Context) {
	nodes, err := t.Nodes.ListActive(ctx)
	if err != nil {
		slog.Warn("maintenance: listing active nodes for cache refresh failed", "error", err)
		return
	}
	now := t.now()
	for _, n := range nodes {
		if t.excluded(n.Name) {
			continue
		}
		terms, err := t.Terminals.ListByNode(ctx, n.Name)
		if err != nil {
			slog.Warn("maintenance: listing terminals for cache refresh failed", "node", n.Name, "error", err)
			continue
		}
		for _, term := range terms {
			t.setTerminalMountDevCache(ctx, *term, now)
		}
	}
}

func (t *Tasks) setTerminalMountDevCache(ctx context.Context, term store.Terminal, now time.Time) {
	t.Cache.Set(terminal.New(term, now), now)

	interval := scheduler.DeriveInterval(term, func(name string) int {
		p, err := t.Protocols.Get(ctx, name)
		if err != nil {
			return 0
		}
		return len(p.Instructions)
	})
	for _, md := range term.MountDevs {
		t.Table.Add(term.Mac, md.Pid, scheduler.EffectiveInterval(interval, md.MinQueryLimit))
	}
}

func (t *Tasks) nodeMapSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(nodeMapSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Broadcaster.BroadcastNodeInfo(ctx)
			t.Resetter.ResetNodeMap()
		}
	}
}
