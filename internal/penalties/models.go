package penalties

import "time"

// Type represents a communication penalty category.
type Type string

const (
	TypeGag     Type = "GAG"     // text chat
	TypeMute    Type = "MUTE"    // voice
	TypeSilence Type = "SILENCE" // both
)

// AllTypes returns every penalty type.
func AllTypes() []Type {
	return []Type{TypeGag, TypeMute, TypeSilence}
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeGag, TypeMute, TypeSilence:
		return true
	}
	return false
}

// Entry is one active penalty on a session slot. Duration 0 marks a
// permanent penalty that no expiry path ever removes. Passed is only
// meaningful under the playtime strategy, where the sweep flags entries
// whose accumulated connected time has reached the configured duration.
type Entry struct {
	EndsAt   time.Time `json:"ends_at"`
	Duration int       `json:"duration"` // minutes, 0 = permanent
	Passed   bool      `json:"passed"`
}

// Mode selects how penalty time is accounted.
type Mode string

const (
	// ModeWallClock expires timed penalties when wall time passes EndsAt.
	ModeWallClock Mode = "wall_clock"

	// ModePlaytime measures penalty duration in connected time: entries
	// never expire by wall clock, only through the sweep once the store
	// reports the accumulated duration has been served. A player cannot
	// wait out a mute by disconnecting.
	ModePlaytime Mode = "playtime"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeWallClock || m == ModePlaytime
}

// strategy is the expiry behavior behind a Mode. It is fixed at Tracker
// construction; switching modes requires a restart.
type strategy interface {
	// activeOnRead evaluates an entry during IsPenalized. drop requests
	// lazy removal of the entry.
	activeOnRead(e *Entry, now time.Time) (active, drop bool)

	// expired reports whether the global sweep should remove the entry.
	expired(e *Entry, now time.Time) bool
}

type wallClock struct{}

func (wallClock) activeOnRead(e *Entry, now time.Time) (bool, bool) {
	if e.Duration == 0 || now.Before(e.EndsAt) {
		return true, false
	}
	return false, true
}

func (wallClock) expired(e *Entry, now time.Time) bool {
	return e.Duration > 0 && !now.Before(e.EndsAt)
}

type playtime struct{}

// Under playtime accounting the mere existence of an entry makes it active;
// wall time is ignored on reads.
func (playtime) activeOnRead(e *Entry, now time.Time) (bool, bool) {
	return true, false
}

func (playtime) expired(e *Entry, now time.Time) bool {
	return e.Duration > 0 && e.Passed
}

func strategyFor(m Mode) strategy {
	if m == ModePlaytime {
		return playtime{}
	}
	return wallClock{}
}
