// Package protocol implements the industrial-protocol instruction
// builder (C1) and the in-memory protocol registry (C2) (spec.md §4.1,
// §4.2).
package protocol

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/wgcairui/uartserver-ng-sub000/internal/protocol/expr"
	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

// InstructionCache memoises encoded instruction bytes keyed by
// "protocolName|pid|instructionName" (spec.md §4.1, §9). Write-once per
// key: once a key is populated, later Get calls are pure map lookups.
type InstructionCache struct {
	mu sync.Mutex
	m  map[string]string
}

// NewInstructionCache creates an empty instruction cache.
func NewInstructionCache() *InstructionCache {
	return &InstructionCache{m: make(map[string]string)}
}

func cacheKey(protocolName string, pid int, instructionName string) string {
	return fmt.Sprintf("%s|%d|%s", protocolName, pid, instructionName)
}

// GetOrBuild returns the cached encoding for the key if present;
// otherwise it calls build, stores the result, and returns it. A build
// failure is absorbed here, not surfaced to the caller: the result is
// cached as the empty string (spec.md §4.1 "if evaluation fails,
// return the empty string"), so every call for the same key — the
// first one and every one after — deterministically returns the same
// value with no error, keeping the instruction list's shape stable
// across repeated dispatches (spec.md P2). Concurrent calls for the
// same key may both invoke build; the cache keeps whichever insert
// wins, which is safe since build is pure for a fixed (protocol, pid,
// instructionName).
func (c *InstructionCache) GetOrBuild(protocolName string, pid int, instructionName string, build func() (string, error)) string {
	key := cacheKey(protocolName, pid, instructionName)

	c.mu.Lock()
	if v, ok := c.m[key]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v, err := build()
	if err != nil {
		slog.Warn("instruction build failed, caching empty content", "protocol", protocolName, "pid", pid, "instruction", instructionName, "error", err)
		v = ""
	}

	c.mu.Lock()
	if existing, ok := c.m[key]; ok {
		c.mu.Unlock()
		return existing
	}
	c.m[key] = v
	c.mu.Unlock()

	return v
}

// InvalidatePrefix removes every cache entry whose key starts with
// prefix (spec.md §4.2: a protocol replacement invalidates every
// instruction-cache entry for that protocol).
func (c *InstructionCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.m {
		if strings.HasPrefix(k, prefix) {
			delete(c.m, k)
		}
	}
}

// Len returns the number of cached entries (test/metrics helper).
func (c *InstructionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// Build encodes the request bytes for (protocol, pid, instructionName)
// as a lowercase hex string (spec.md §4.1). pid is expected in 0..255.
func Build(protocol *store.Protocol, pid int, instructionName string) (string, error) {
	inst, ok := protocol.InstructionByName(instructionName)
	if !ok {
		return "", fmt.Errorf("unknown instruction %q on protocol %q", instructionName, protocol.Name)
	}

	if protocol.WireType == 232 && inst.ResultType == "utf8" {
		return instructionName, nil
	}

	if inst.NonStandard && inst.ScriptStart != "" {
		return expr.Eval(inst.ScriptStart, pid, instructionName)
	}

	pidHex := strings.ToLower(fmt.Sprintf("%02x", pid&0xFF))
	body := strings.ToLower(pidHex + inst.Name)

	raw, err := hex.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode instruction payload %q: %w", body, err)
	}

	return appendCRC16(body, raw), nil
}
