// Package penalties tracks active communication penalties (gag, mute,
// silence) for connected session slots. State is in-memory only and scoped
// to a session: slot numbers are recycled by the host, so entries must be
// purged on disconnect and round reset or a future occupant of the slot
// would inherit them.
package penalties

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tracker is the per-slot penalty state machine. Safe for concurrent use:
// the host tick reads while background jobs (sweeper, restore-on-connect)
// write.
type Tracker struct {
	mu    sync.RWMutex
	slots map[int]map[Type][]*Entry
	strat strategy
	mode  Mode

	now func() time.Time
}

// NewTracker creates a Tracker with the expiry strategy for the given mode.
// Unknown modes fall back to wall-clock accounting.
func NewTracker(mode Mode) *Tracker {
	if !mode.Valid() {
		log.Warn().Str("mode", string(mode)).Msg("penalties: unknown time mode, using wall_clock")
		mode = ModeWallClock
	}
	return &Tracker{
		slots: make(map[int]map[Type][]*Entry),
		strat: strategyFor(mode),
		mode:  mode,
		now:   time.Now,
	}
}

// Mode returns the time-accounting mode the tracker was built with.
func (t *Tracker) Mode() Mode {
	return t.mode
}

// Add appends a penalty entry for the slot. Entries stack: adding never
// replaces an existing penalty of the same type.
func (t *Tracker) Add(slot int, typ Type, endsAt time.Time, durationMinutes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byType, ok := t.slots[slot]
	if !ok {
		byType = make(map[Type][]*Entry)
		t.slots[slot] = byType
	}
	byType[typ] = append(byType[typ], &Entry{EndsAt: endsAt, Duration: durationMinutes})
}

// IsPenalized reports whether the slot has an active penalty of the given
// type, and the latest end time among active entries. A permanent entry
// reports a zero end time. Under wall-clock accounting, overdue timed
// entries are removed lazily here.
func (t *Tracker) IsPenalized(slot int, typ Type) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byType, ok := t.slots[slot]
	if !ok {
		return false, time.Time{}
	}
	entries, ok := byType[typ]
	if !ok {
		return false, time.Time{}
	}

	now := t.now()
	var (
		kept      []*Entry
		active    bool
		permanent bool
		latest    time.Time
	)
	for _, e := range entries {
		ok, drop := t.strat.activeOnRead(e, now)
		if drop {
			continue
		}
		kept = append(kept, e)
		if !ok {
			continue
		}
		active = true
		if e.Duration == 0 {
			permanent = true
		} else if e.EndsAt.After(latest) {
			latest = e.EndsAt
		}
	}

	if len(kept) == 0 {
		delete(byType, typ)
		if len(byType) == 0 {
			delete(t.slots, slot)
		}
	} else {
		byType[typ] = kept
	}

	if !active {
		return false, time.Time{}
	}
	if permanent {
		return true, time.Time{}
	}
	return true, latest
}

// Penalties returns copies of the slot's entries for the given types (all
// types when none are named).
func (t *Tracker) Penalties(slot int, types ...Type) []Entry {
	if len(types) == 0 {
		types = AllTypes()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	byType, ok := t.slots[slot]
	if !ok {
		return nil
	}
	var out []Entry
	for _, typ := range types {
		for _, e := range byType[typ] {
			out = append(out, *e)
		}
	}
	return out
}

// AllPenalties returns copies of every entry on the slot, grouped by type.
func (t *Tracker) AllPenalties(slot int) map[Type][]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byType, ok := t.slots[slot]
	if !ok {
		return nil
	}
	out := make(map[Type][]Entry, len(byType))
	for typ, entries := range byType {
		copies := make([]Entry, len(entries))
		for i, e := range entries {
			copies[i] = *e
		}
		out[typ] = copies
	}
	return out
}

// RemoveByType drops every entry of the given type on the slot. This is the
// explicit un-penalize path.
func (t *Tracker) RemoveByType(slot int, typ Type) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	byType, ok := t.slots[slot]
	if !ok {
		return 0
	}
	n := len(byType[typ])
	delete(byType, typ)
	if len(byType) == 0 {
		delete(t.slots, slot)
	}
	return n
}

// RemoveByEndsAt flags every entry with the given end timestamp as passed,
// across all slots and types. The sweep calls this when the store reports
// an accumulated-duration expiry for a specific record; the entries are
// then dropped by the next RemoveExpired.
func (t *Tracker) RemoveByEndsAt(endsAt time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, byType := range t.slots {
		for _, entries := range byType {
			for _, e := range entries {
				if e.EndsAt.Equal(endsAt) {
					e.Passed = true
					n++
				}
			}
		}
	}
	return n
}

// RemoveAll purges every entry for a slot. Called on disconnect and round
// reset so a recycled slot starts clean.
func (t *Tracker) RemoveAll(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, slot)
}

// RemoveAllGlobal purges every slot.
func (t *Tracker) RemoveAllGlobal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = make(map[int]map[Type][]*Entry)
}

// RemoveExpired drops entries the strategy considers served: overdue timed
// entries under wall-clock, passed-flagged entries under playtime.
// Permanent entries are never dropped by either strategy.
func (t *Tracker) RemoveExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for slot, byType := range t.slots {
		for typ, entries := range byType {
			kept := entries[:0]
			for _, e := range entries {
				if t.strat.expired(e, now) {
					n++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(byType, typ)
			} else {
				byType[typ] = kept
			}
		}
		if len(byType) == 0 {
			delete(t.slots, slot)
		}
	}
	return n
}

// ActiveCount returns the number of tracked entries across all slots.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, byType := range t.slots {
		for _, entries := range byType {
			n += len(entries)
		}
	}
	return n
}
