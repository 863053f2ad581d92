// Package bans maintains the in-memory replica of ban records and per-player
// IP history, synchronized with the persistent store, and answers the
// admission decision queries. Readers on the host tick never block: the
// replica lives in lock-free concurrent maps and refresh only upserts.
package bans

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"warden/internal/metrics"
)

const (
	// watermarkSkew is how far behind "now" the refresh watermark is set
	// after each successful cycle. Rows committed in the same wall-clock
	// second as the cycle are re-fetched next time; upsert-by-id makes the
	// duplicate reprocessing harmless.
	watermarkSkew = 5 * time.Second

	// evasionWindow bounds how old an IP-history entry may be and still
	// count for the shared-IP evasion check.
	evasionWindow = 7 * 24 * time.Hour

	defaultRefreshBatch = 300

	recentBanSize = 512
	recentBanTTL  = 10 * time.Minute
)

// Store is the slice of the persistent store the cache pulls from.
type Store interface {
	LoadBans(ctx context.Context) ([]BanRecord, error)
	LoadBansSince(ctx context.Context, since time.Time, limit int) ([]BanRecord, error)
	LoadIPHistory(ctx context.Context) ([]IPRecord, error)
	LoadIPHistorySince(ctx context.Context, since time.Time, limit int) ([]IPRecord, error)
}

// Options configures a Cache.
type Options struct {
	// IgnoredIPs lists addresses exempt from IP-based ban and evasion
	// correlation (shared NAT gateways and the like). Converted to
	// normalized numeric form once, at initialization.
	IgnoredIPs []string

	// Mode selects identity-only or identity+IP matching.
	Mode Mode

	// RefreshBatch bounds how many rows one refresh cycle pulls.
	RefreshBatch int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ipEntry is the in-memory form of an IPRecord with the address already
// normalized. Rows whose address fails normalization are dropped on ingest.
type ipEntry struct {
	addr   uint32
	raw    string
	name   string
	usedAt time.Time
}

// Cache owns the ban and IP-history replicas. Construct with NewCache,
// call Initialize once, then Refresh periodically (or StartRefreshLoop).
// All decision queries are safe for concurrent use with a running refresh.
type Cache struct {
	store Store
	opts  Options
	now   func() time.Time

	bans *xsync.MapOf[int64, BanRecord]
	ips  *xsync.MapOf[string, []ipEntry]

	// recent is the short-term "recently banned" quick-lookup set,
	// rebuilt fresh every sweep.
	recent *expirable.LRU[string, time.Time]

	// ignored is rebuilt each epoch and published atomically once fully
	// populated, so a decision reader racing a forced reload never
	// observes it mid-build. The stored map is never mutated after
	// publication.
	ignored atomic.Pointer[map[uint32]struct{}]

	initialized atomic.Bool

	// mu serializes Initialize, Refresh and ForceReinitialize against each
	// other. Decision readers never take it.
	mu        sync.Mutex
	watermark time.Time
}

// NewCache creates a Cache around the given store. The cache is empty and
// answers fail-open until Initialize succeeds.
func NewCache(store Store, opts Options) *Cache {
	if opts.RefreshBatch <= 0 {
		opts.RefreshBatch = defaultRefreshBatch
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		store:  store,
		opts:   opts,
		now:    now,
		bans:   xsync.NewMapOf[int64, BanRecord](),
		ips:    xsync.NewMapOf[string, []ipEntry](),
		recent: expirable.NewLRU[string, time.Time](recentBanSize, nil, recentBanTTL),
	}
	empty := map[uint32]struct{}{}
	c.ignored.Store(&empty)
	return c
}

// ignoredSet returns the published ignored-IP snapshot. Safe for concurrent
// use; the returned map must not be mutated.
func (c *Cache) ignoredSet() map[uint32]struct{} {
	return *c.ignored.Load()
}

// Initialize performs the full load. It runs at most once per cache epoch;
// re-entrant calls while initialized are no-ops. On failure nothing is
// published and the next call starts the epoch over.
func (c *Cache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Cache) initializeLocked(ctx context.Context) error {
	if c.initialized.Load() {
		return nil
	}

	start := c.now()

	ignored := make(map[uint32]struct{}, len(c.opts.IgnoredIPs))
	for _, raw := range c.opts.IgnoredIPs {
		v, ok := NormalizeIP(raw)
		if !ok {
			log.Warn().Str("address", raw).Msg("bans: skipping malformed ignored IP")
			continue
		}
		ignored[v] = struct{}{}
	}

	// Load everything before publishing anything, so a failed epoch leaves
	// no partial state behind.
	rows, err := c.store.LoadBans(ctx)
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("initialize", "error").Inc()
		return fmt.Errorf("load bans: %w", err)
	}
	ipRows, err := c.store.LoadIPHistory(ctx)
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("initialize", "error").Inc()
		return fmt.Errorf("load ip history: %w", err)
	}

	c.bans.Clear()
	c.ips.Clear()
	c.recent.Purge()

	for _, b := range rows {
		c.bans.Store(b.ID, b)
	}
	for steamID, entries := range groupIPRows(ipRows) {
		c.ips.Store(steamID, entries)
	}

	c.ignored.Store(&ignored)
	c.watermark = c.now().Add(-watermarkSkew)
	c.initialized.Store(true)

	metrics.CacheRefreshesTotal.WithLabelValues("initialize", "ok").Inc()
	log.Info().
		Int("bans", len(rows)).
		Int("ip_rows", len(ipRows)).
		Int("ignored_ips", len(ignored)).
		Dur("took", c.now().Sub(start)).
		Msg("bans: cache initialized")
	return nil
}

// Refresh pulls rows changed since the watermark and upserts them into the
// replica. A no-op before Initialize has succeeded. Store failures leave the
// previous state authoritative and the watermark unmoved.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized.Load() {
		return nil
	}

	start := c.now()
	since := c.watermark

	rows, err := c.store.LoadBansSince(ctx, since, c.opts.RefreshBatch)
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("refresh", "error").Inc()
		return fmt.Errorf("load bans since %s: %w", since.Format(time.RFC3339), err)
	}
	ipRows, err := c.store.LoadIPHistorySince(ctx, since, c.opts.RefreshBatch)
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("refresh", "error").Inc()
		return fmt.Errorf("load ip history since %s: %w", since.Format(time.RFC3339), err)
	}

	for _, b := range rows {
		c.bans.Store(b.ID, b)
	}
	for steamID, incoming := range groupIPRows(ipRows) {
		c.ips.Compute(steamID, func(existing []ipEntry, _ bool) ([]ipEntry, bool) {
			return mergeIPEntries(existing, incoming), false
		})
	}

	// The watermark only advances after a fully successful cycle.
	c.watermark = c.now().Add(-watermarkSkew)

	metrics.CacheRefreshesTotal.WithLabelValues("refresh", "ok").Inc()
	metrics.CacheRefreshDuration.Observe(c.now().Sub(start).Seconds())
	if len(rows) > 0 || len(ipRows) > 0 {
		log.Debug().
			Int("bans", len(rows)).
			Int("ip_rows", len(ipRows)).
			Msg("bans: cache refreshed")
	}
	return nil
}

// ForceReinitialize discards the whole replica and performs a full load
// again. Used for administrator-triggered reloads after out-of-band store
// edits.
func (c *Cache) ForceReinitialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initialized.Store(false)
	c.watermark = time.Time{}
	c.bans.Clear()
	c.ips.Clear()
	c.recent.Purge()

	log.Info().Msg("bans: forced cache reinitialization")
	return c.initializeLocked(ctx)
}

// StartRefreshLoop launches a goroutine that keeps the replica current until
// the context is cancelled. The full load is attempted right away rather
// than on the first tick, so a healthy store does not leave the cache
// answering fail-open for a whole interval; failed loads are retried each
// tick until incremental refresh takes over.
func (c *Cache) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	go func() {
		if err := c.Initialize(ctx); err != nil {
			log.Error().Err(err).Msg("bans: initial cache load failed")
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var err error
				if !c.Initialized() {
					err = c.Initialize(ctx)
				} else {
					err = c.Refresh(ctx)
				}
				if err != nil {
					log.Error().Err(err).Msg("bans: cache refresh cycle failed")
				}
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("bans: refresh loop started")
}

// Initialized reports whether the full load has completed for the current
// epoch.
func (c *Cache) Initialized() bool {
	return c.initialized.Load()
}

// Len returns the number of ban records in the replica, active or not.
func (c *Cache) Len() int {
	return c.bans.Size()
}

// IdentityCount returns the number of identities with IP history.
func (c *Cache) IdentityCount() int {
	return c.ips.Size()
}

func groupIPRows(rows []IPRecord) map[string][]ipEntry {
	grouped := make(map[string][]ipEntry)
	for _, r := range rows {
		addr, ok := NormalizeIP(r.Address)
		if !ok {
			continue
		}
		entry := ipEntry{addr: addr, raw: r.Address, name: r.Name, usedAt: r.UsedAt}
		entries := grouped[r.SteamID]

		// Within one identity keep only the most recent (name, usedAt) per
		// address.
		replaced := false
		for i := range entries {
			if entries[i].addr == addr {
				if entry.usedAt.After(entries[i].usedAt) {
					entries[i] = entry
				}
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, entry)
		}
		grouped[r.SteamID] = entries
	}
	return grouped
}

// mergeIPEntries rebuilds an identity's IP set so the incoming usage wins
// for matching addresses. The result is a fresh slice: concurrent readers
// observe either the old slice or the merged one, never a torn state.
func mergeIPEntries(existing, incoming []ipEntry) []ipEntry {
	merged := make([]ipEntry, 0, len(existing)+len(incoming))
	for _, e := range existing {
		keep := true
		for _, in := range incoming {
			if in.addr == e.addr {
				keep = false
				break
			}
		}
		if keep {
			merged = append(merged, e)
		}
	}
	return append(merged, incoming...)
}

// ========== Recently banned quick set ==========

// MarkRecentlyBanned records that an identity was just banned, for cheap
// lookups between refresh cycles.
func (c *Cache) MarkRecentlyBanned(steamID string) {
	c.recent.Add(steamID, c.now())
}

// IsRecentlyBanned reports whether an identity was banned within the
// short-term window.
func (c *Cache) IsRecentlyBanned(steamID string) bool {
	return c.recent.Contains(steamID)
}

// ResetRecentBans clears the quick set so it is rebuilt fresh. Called by
// the sweeper each cycle.
func (c *Cache) ResetRecentBans() {
	c.recent.Purge()
}
