package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Nil functions are skipped.
type StatsSource struct {
	CachedBanCount      func() int
	CachedIdentityCount func() int
	ActivePenaltyCount  func() int
	SessionCount        func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("metrics: collector started")
}

func collect(src StatsSource) {
	if src.CachedBanCount != nil {
		CachedBansTotal.Set(float64(src.CachedBanCount()))
	}
	if src.CachedIdentityCount != nil {
		CachedIdentitiesTotal.Set(float64(src.CachedIdentityCount()))
	}
	if src.ActivePenaltyCount != nil {
		ActivePenaltiesTotal.Set(float64(src.ActivePenaltyCount()))
	}
	if src.SessionCount != nil {
		ConnectedSessionsTotal.Set(float64(src.SessionCount()))
	}
}
