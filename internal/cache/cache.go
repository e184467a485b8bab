// Package cache implements the multi-tier terminal cache (C4,
// spec.md §4.4): a bounded, TTL-banded, LRU-evicted map from terminal
// MAC to its in-memory entity.
package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
	"github.com/wgcairui/uartserver-ng-sub000/internal/terminal"
)

const (
	defaultCapacity = 1000

	onlinePesivTTL = 10 * time.Minute
	offlineColdTTL = 5 * time.Minute
	offlineHotTTL  = 30 * time.Minute

	hotPromotionWindow  = 60 * time.Second
	hotAccessThreshold  = 5
	hotBaselineRate     = float64(hotAccessThreshold) / 60.0 // accesses per second
	decayHalfLifePeriod = time.Hour
)

// Band names, used only for Stats reporting (spec.md §4.4).
const (
	BandOnlineStandard = "online-standard"
	BandOnlinePesiv    = "online-pesiv"
	BandOfflineCold    = "offline-cold"
	BandOfflineHot     = "offline-hot"
)

type entry struct {
	ent *terminal.Entity

	accessCount int64
	lastAccess  time.Time
	addedAt     time.Time

	// expiresAt is nil for an entry with an infinite TTL
	// (online-standard, spec.md §4.4).
	expiresAt *time.Time

	// hot tracks whether the offline hot-promotion predicate last
	// evaluated true for this entry; it drives band classification and
	// the TTL used on the next offline transition.
	hot bool
}

func isPesivVariant(t store.Terminal) bool {
	if t.Pid == "pesiv" {
		return true
	}
	for _, md := range t.MountDevs {
		if md.Protocol == "pesiv" {
			return true
		}
	}
	return false
}

// hotPredicate implements spec.md §4.4 step 3: an offline entry is hot
// if it received at least hotAccessThreshold accesses within the first
// hotPromotionWindow of its life, or if its lifetime access rate since
// exceeds the baseline rate.
func hotPredicate(accessCount int64, age time.Duration) bool {
	if age < hotPromotionWindow {
		return accessCount >= hotAccessThreshold
	}
	rate := float64(accessCount) / age.Seconds()
	return rate > hotBaselineRate
}

// Cache is the bounded multi-tier terminal cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry

	hits, misses, evictions uint64
}

// New creates a cache with the default 1000-entry capacity
// (spec.md §4.4).
func New() *Cache {
	return NewWithCapacity(defaultCapacity)
}

// NewWithCapacity creates a cache with an explicit capacity (used by
// tests exercising eviction without populating 1000 entries).
func NewWithCapacity(capacity int) *Cache {
	return &Cache{capacity: capacity, entries: make(map[string]*entry)}
}

// Get returns the cached entity for mac, applying decay, hit
// accounting, and offline hot-promotion (spec.md §4.4 get).
func (c *Cache) Get(mac string, now time.Time) (*terminal.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[mac]
	if !ok {
		c.misses++
		return nil, false
	}

	if e.expiresAt != nil && now.After(*e.expiresAt) {
		delete(c.entries, mac)
		c.misses++
		return nil, false
	}

	if idle := now.Sub(e.lastAccess); idle > decayHalfLifePeriod {
		k := int(idle / decayHalfLifePeriod)
		decayed := int64(math.Floor(float64(e.accessCount) * math.Pow(0.5, float64(k))))
		if decayed < 1 {
			decayed = 1
		}
		e.accessCount = decayed
	}

	e.accessCount++
	e.lastAccess = now
	c.hits++

	online := e.ent.Terminal().Online
	if !online && e.expiresAt != nil {
		age := now.Sub(e.addedAt)
		if hotPredicate(e.accessCount, age) {
			e.hot = true
			exp := now.Add(offlineHotTTL)
			e.expiresAt = &exp
		}
	}

	return e.ent, true
}

// Set inserts or replaces the cached entity for ent's MAC, evicting a
// victim first if at capacity and the key is new (spec.md §4.4 set).
func (c *Cache) Set(ent *terminal.Entity, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mac := ent.Terminal().Mac
	if _, exists := c.entries[mac]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}

	t := ent.Terminal()
	e := &entry{
		ent:         ent,
		accessCount: 1,
		lastAccess:  now,
		addedAt:     now,
	}
	e.expiresAt = ttlFor(t.Online, isPesivVariant(t), false, now)
	c.entries[mac] = e
}

// ttlFor computes the expiry deadline for a given band, or nil for an
// infinite TTL (spec.md §4.4 band table).
func ttlFor(online, pesivVariant, hot bool, now time.Time) *time.Time {
	var d time.Duration
	switch {
	case online && pesivVariant:
		d = onlinePesivTTL
	case online:
		return nil
	case hot:
		d = offlineHotTTL
	default:
		d = offlineColdTTL
	}
	exp := now.Add(d)
	return &exp
}

// OnTerminalOnline re-derives the entry's band for the online
// transition and resets its TTL (spec.md §4.4 onTerminalOnline).
func (c *Cache) OnTerminalOnline(mac string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mac]
	if !ok {
		return
	}
	t := e.ent.Terminal()
	e.hot = false
	e.expiresAt = ttlFor(true, isPesivVariant(t), false, now)
}

// OnTerminalOffline re-derives the entry's band for the offline
// transition, using the hot-promotion predicate evaluated against the
// entry's current access history to pick 30 min vs 5 min TTL
// (spec.md §4.4 onTerminalOffline).
func (c *Cache) OnTerminalOffline(mac string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mac]
	if !ok {
		return
	}
	age := now.Sub(e.addedAt)
	hot := hotPredicate(e.accessCount, age)
	e.hot = hot
	e.expiresAt = ttlFor(false, false, hot, now)
}

// Invalidate removes a single entry (spec.md §4.4 invalidate).
func (c *Cache) Invalidate(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, mac)
}

// InvalidateByNode removes every entry whose terminal's MountNode
// equals node (spec.md §4.4 invalidateByNode).
func (c *Cache) InvalidateByNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mac, e := range c.entries {
		if e.ent.Terminal().MountNode == node {
			delete(c.entries, mac)
		}
	}
}

// Sweep deletes every entry whose TTL has elapsed as of now and returns
// how many it removed. Nothing in this package or in the controller
// calls it on a timer; between explicit calls, an expired entry stays
// in the map until a Get for its mac drops it.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for mac, e := range c.entries {
		if e.expiresAt != nil && now.After(*e.expiresAt) {
			delete(c.entries, mac)
			removed++
		}
	}
	return removed
}

// victimClass ranks an entry for LRU eviction priority: lower classes
// are evicted first (spec.md §4.4 LRU victim selection).
func victimClass(t store.Terminal) int {
	if !t.Online {
		return 0
	}
	if isPesivVariant(t) {
		return 1
	}
	return 2
}

// evictLocked removes the single best eviction victim. Caller must
// hold c.mu.
func (c *Cache) evictLocked() {
	var victimMac string
	var victimClassRank = -1
	var victimLastAccess time.Time

	for mac, e := range c.entries {
		class := victimClass(e.ent.Terminal())
		if victimClassRank == -1 || class < victimClassRank ||
			(class == victimClassRank && e.lastAccess.Before(victimLastAccess)) {
			victimMac = mac
			victimClassRank = class
			victimLastAccess = e.lastAccess
		}
	}

	if victimMac != "" {
		delete(c.entries, victimMac)
		c.evictions++
	}
}

// Warmup loads every online terminal via load and inserts each into
// the cache. Intended to run once at startup (spec.md §4.4 warmup).
func (c *Cache) Warmup(ctx context.Context, load func(context.Context) ([]*store.Terminal, error), now time.Time) error {
	terms, err := load(ctx)
	if err != nil {
		return err
	}
	for _, t := range terms {
		c.Set(terminal.New(*t, now), now)
	}
	return nil
}

// Stats summarises current cache occupancy and hit/miss counters
// (spec.md §4.4 Stats).
type Stats struct {
	Hits, Misses, Evictions uint64
	HitRate                 float64
	AvgAccessCount          float64
	PerBand                 map[string]int
}

// Stats computes a point-in-time snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		PerBand: map[string]int{
			BandOnlineStandard: 0,
			BandOnlinePesiv:    0,
			BandOfflineCold:    0,
			BandOfflineHot:     0,
		},
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	var sumAccess int64
	for _, e := range c.entries {
		sumAccess += e.accessCount
		t := e.ent.Terminal()
		switch {
		case t.Online && isPesivVariant(t):
			s.PerBand[BandOnlinePesiv]++
		case t.Online:
			s.PerBand[BandOnlineStandard]++
		case e.hot:
			s.PerBand[BandOfflineHot]++
		default:
			s.PerBand[BandOfflineCold]++
		}
	}
	if n := len(c.entries); n > 0 {
		s.AvgAccessCount = float64(sumAccess) / float64(n)
	}

	return s
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
