// Package sessions tracks currently connected player sessions by slot. The
// registry owns the slot-recycling invariant: penalty state for a slot is
// purged on disconnect and round reset, so a future occupant of a recycled
// slot never inherits another player's penalties.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"warden/internal/bans"
	"warden/internal/penalties"
	"warden/internal/store"
)

// Session is one connected player.
type Session struct {
	Slot        int       `json:"slot"`
	SteamID     string    `json:"steamid"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at"`

	// VoiceRestricted is the sweeper-reconciled truth the host reads to
	// apply or clear the engine voice flag on its own tick.
	VoiceRestricted bool `json:"voice_restricted"`
}

// PenaltySource is the slice of the store the registry needs on connect.
type PenaltySource interface {
	ActiveMutesBySteamID(ctx context.Context, steamID string) ([]store.MuteRecord, error)
	UpsertIPRecord(ctx context.Context, r bans.IPRecord) error
}

// Registry maps occupied slots to sessions.
type Registry struct {
	mu      sync.RWMutex
	bySlot  map[int]*Session
	tracker *penalties.Tracker
	source  PenaltySource
	now     func() time.Time
}

// NewRegistry creates an empty registry. source may be nil, in which case
// connects skip IP recording and penalty restore.
func NewRegistry(tracker *penalties.Tracker, source PenaltySource) *Registry {
	return &Registry{
		bySlot:  make(map[int]*Session),
		tracker: tracker,
		source:  source,
		now:     time.Now,
	}
}

// Connect registers a session on a slot. Any stale state left on the slot
// is purged first. The player's address is recorded into IP history and
// active mutes are restored from the store into the tracker; store failures
// there are logged and skipped, never blocking the connect.
func (r *Registry) Connect(ctx context.Context, slot int, steamID, name, address string) Session {
	// A recycled slot must start clean even if the previous occupant's
	// disconnect was never observed.
	r.tracker.RemoveAll(slot)

	s := Session{
		Slot:        slot,
		SteamID:     steamID,
		Name:        name,
		Address:     address,
		ConnectedAt: r.now(),
	}

	r.mu.Lock()
	r.bySlot[slot] = &s
	r.mu.Unlock()

	if r.source != nil {
		if address != "" {
			if _, ok := bans.NormalizeIP(address); ok {
				err := r.source.UpsertIPRecord(ctx, bans.IPRecord{
					SteamID: steamID,
					Address: address,
					Name:    name,
					UsedAt:  s.ConnectedAt,
				})
				if err != nil {
					log.Warn().Err(err).Str("steamid", steamID).Msg("sessions: failed to record IP use")
				}
			}
		}

		mutes, err := r.source.ActiveMutesBySteamID(ctx, steamID)
		if err != nil {
			log.Warn().Err(err).Str("steamid", steamID).Msg("sessions: failed to restore penalties")
		} else {
			for _, m := range mutes {
				r.tracker.Add(slot, m.Type, m.EndsAt, m.Duration)
			}
			if len(mutes) > 0 {
				log.Info().Int("slot", slot).Str("steamid", steamID).Int("restored", len(mutes)).
					Msg("sessions: restored active penalties")
			}
		}
	}

	log.Debug().Int("slot", slot).Str("steamid", steamID).Msg("sessions: connected")
	return s
}

// Disconnect removes the slot's session and purges its penalty state.
func (r *Registry) Disconnect(slot int) {
	r.mu.Lock()
	_, ok := r.bySlot[slot]
	delete(r.bySlot, slot)
	r.mu.Unlock()

	r.tracker.RemoveAll(slot)
	if ok {
		log.Debug().Int("slot", slot).Msg("sessions: disconnected")
	}
}

// Reset drops every session and all penalty state. Called on round reset
// and map change.
func (r *Registry) Reset() {
	r.mu.Lock()
	n := len(r.bySlot)
	r.bySlot = make(map[int]*Session)
	r.mu.Unlock()

	r.tracker.RemoveAllGlobal()
	log.Info().Int("sessions", n).Msg("sessions: registry reset")
}

// Get returns the session on a slot, if any.
func (r *Registry) Get(slot int) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySlot[slot]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// All returns a copy of every connected session.
func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.bySlot))
	for _, s := range r.bySlot {
		out = append(out, *s)
	}
	return out
}

// SteamIDs returns the identities of every connected session.
func (r *Registry) SteamIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySlot))
	for _, s := range r.bySlot {
		out = append(out, s.SteamID)
	}
	return out
}

// SetVoiceRestricted updates the reconciled voice flag for a slot.
func (r *Registry) SetVoiceRestricted(slot int, restricted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.bySlot[slot]; ok {
		s.VoiceRestricted = restricted
	}
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySlot)
}
