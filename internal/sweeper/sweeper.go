// Package sweeper runs the periodic expiration job: it flips overdue store
// records, advances playtime counters for connected players, reconciles the
// penalty tracker against the store's accumulated-duration expiries, and
// keeps each session's voice restriction in line with the tracker's truth.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"warden/internal/bans"
	"warden/internal/metrics"
	"warden/internal/penalties"
	"warden/internal/sessions"
	"warden/internal/store"
	"warden/internal/tracing"
)

const (
	// DefaultInterval is deliberately a prime-ish period so the sweep does
	// not align with the cache refresh tick.
	DefaultInterval = 61 * time.Second

	// DefaultBatchSize bounds how many identities one store round-trip
	// covers during playtime reconciliation.
	DefaultBatchSize = 20

	chunkWorkers = 4
)

// Store is the slice of the persistent store the sweeper drives.
type Store interface {
	ExpireBans(ctx context.Context, now time.Time) (int64, error)
	ExpireMutes(ctx context.Context, now time.Time) (int64, error)
	ExpireWarns(ctx context.Context, now time.Time) (int64, error)
	ExpireAdmins(ctx context.Context, now time.Time) (int64, error)
	IncrementMutePlaytime(ctx context.Context, steamIDs []string, seconds int) error
	ElapsedPlaytimeMutes(ctx context.Context, steamIDs []string) ([]store.MuteRecord, error)
}

// Options configures a Sweeper.
type Options struct {
	Interval  time.Duration
	BatchSize int

	// OnTick marshals a function onto the host's game tick. Game-state
	// side effects (the voice flag) are only safe there. Defaults to
	// immediate invocation.
	OnTick func(func())

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Sweeper owns the background expiration loop. Create with New, then
// Start; Stop waits for the in-flight cycle to finish.
type Sweeper struct {
	store    Store
	cache    *bans.Cache
	tracker  *penalties.Tracker
	registry *sessions.Registry
	opts     Options
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Sweeper. The cache and registry may be nil in reduced
// deployments; the corresponding steps are skipped.
func New(st Store, cache *bans.Cache, tracker *penalties.Tracker, registry *sessions.Registry, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OnTick == nil {
		opts.OnTick = func(fn func()) { fn() }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:    st,
		cache:    cache,
		tracker:  tracker,
		registry: registry,
		opts:     opts,
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sweeping in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	log.Info().Dur("interval", s.opts.Interval).Msg("sweeper: started")
}

// Stop requests shutdown and waits for the in-flight cycle.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper: context cancelled, stopping")
			return
		case <-s.stopCh:
			log.Info().Msg("sweeper: stop requested, stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one full expiration cycle. Store failures are logged and
// skipped: the previous in-memory state stays authoritative until the next
// successful cycle.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracing.SweepSpan(ctx)
	defer span.End()

	start := s.now()
	failed := false

	s.expireStoreRecords(ctx, &failed)

	if s.cache != nil {
		// Rebuilt fresh so stale quick-lookup entries never outlive a sweep.
		s.cache.ResetRecentBans()
	}

	if s.tracker != nil {
		if s.tracker.Mode() == penalties.ModePlaytime && s.registry != nil {
			s.reconcilePlaytime(ctx, &failed)
		}
		if n := s.tracker.RemoveExpired(); n > 0 {
			log.Debug().Int("entries", n).Msg("sweeper: dropped expired penalties")
		}
	}

	s.reconcileVoiceFlags()

	status := "ok"
	if failed {
		status = "error"
	}
	metrics.SweepsTotal.WithLabelValues(status).Inc()
	metrics.SweepDuration.Observe(s.now().Sub(start).Seconds())
}

func (s *Sweeper) expireStoreRecords(ctx context.Context, failed *bool) {
	now := s.now()
	for _, step := range []struct {
		table string
		fn    func(context.Context, time.Time) (int64, error)
	}{
		{"bans", s.store.ExpireBans},
		{"mutes", s.store.ExpireMutes},
		{"warns", s.store.ExpireWarns},
		{"admins", s.store.ExpireAdmins},
	} {
		n, err := step.fn(ctx, now)
		if err != nil {
			*failed = true
			log.Error().Err(err).Str("table", step.table).Msg("sweeper: bulk expire failed")
			continue
		}
		if n > 0 {
			metrics.ExpiredRecordsTotal.WithLabelValues(step.table).Add(float64(n))
			log.Info().Str("table", step.table).Int64("rows", n).Msg("sweeper: expired records")
		}
	}
}

// reconcilePlaytime advances the served-time counters for connected
// identities and flags tracker entries whose records the store now reports
// as fully served. Identities are processed in bounded chunks; a failed
// chunk is logged and skipped without aborting the rest.
func (s *Sweeper) reconcilePlaytime(ctx context.Context, failed *bool) {
	ids := s.registry.SteamIDs()
	if len(ids) == 0 {
		return
	}
	seconds := int(s.opts.Interval / time.Second)

	var (
		mu      sync.Mutex
		elapsed []store.MuteRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkWorkers)
	for start := 0; start < len(ids); start += s.opts.BatchSize {
		chunk := ids[start:min(start+s.opts.BatchSize, len(ids))]
		g.Go(func() error {
			if err := s.store.IncrementMutePlaytime(gctx, chunk, seconds); err != nil {
				mu.Lock()
				*failed = true
				mu.Unlock()
				log.Error().Err(err).Int("identities", len(chunk)).Msg("sweeper: playtime increment failed")
				return nil
			}
			recs, err := s.store.ElapsedPlaytimeMutes(gctx, chunk)
			if err != nil {
				mu.Lock()
				*failed = true
				mu.Unlock()
				log.Error().Err(err).Int("identities", len(chunk)).Msg("sweeper: elapsed mute query failed")
				return nil
			}
			if len(recs) > 0 {
				mu.Lock()
				elapsed = append(elapsed, recs...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, m := range elapsed {
		n := s.tracker.RemoveByEndsAt(m.EndsAt)
		log.Info().Int64("mute_id", m.ID).Str("steamid", m.SteamID).Int("entries", n).
			Msg("sweeper: mute served its accumulated duration")
	}
}

// reconcileVoiceFlags brings each connected session's voice restriction in
// line with the tracker. The writes go through OnTick because the host may
// only touch game state on its own tick.
func (s *Sweeper) reconcileVoiceFlags() {
	if s.tracker == nil || s.registry == nil {
		return
	}
	for _, sess := range s.registry.All() {
		muted, _ := s.tracker.IsPenalized(sess.Slot, penalties.TypeMute)
		if !muted {
			muted, _ = s.tracker.IsPenalized(sess.Slot, penalties.TypeSilence)
		}
		slot, restricted := sess.Slot, muted
		s.opts.OnTick(func() {
			s.registry.SetVoiceRestricted(slot, restricted)
		})
	}
}
