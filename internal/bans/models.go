package bans

import "time"

// Status represents the lifecycle state of a ban record. Transitions are
// monotone: ACTIVE may become EXPIRED or UNBANNED, and neither terminal
// state is ever reversed.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusExpired  Status = "EXPIRED"
	StatusUnbanned Status = "UNBANNED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusUnbanned:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status change from s to next is
// allowed. Terminal states never transition.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && (next == StatusExpired || next == StatusUnbanned)
}

// Mode controls how bans are matched against connecting players.
type Mode int

const (
	// ModeSteamID matches bans by identity only.
	ModeSteamID Mode = iota

	// ModeSteamIDAndIP additionally matches the recorded ban IP against the
	// connecting address, and enables the shared-IP evasion check.
	ModeSteamIDAndIP
)

// BanRecord mirrors one row of the ban table. The in-memory copy is never
// mutated ahead of the store; it changes only through refresh.
type BanRecord struct {
	ID           int64     `json:"id"`
	SteamID      string    `json:"steamid"`
	PlayerName   string    `json:"player_name"`
	PlayerIP     string    `json:"player_ip,omitempty"`
	AdminSteamID string    `json:"admin_steamid"`
	AdminName    string    `json:"admin_name"`
	Reason       string    `json:"reason"`
	Duration     int       `json:"duration"` // minutes, 0 = permanent
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	EndsAt       time.Time `json:"ends_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ServerID     int       `json:"server_id"`
}

// Permanent reports whether the ban never expires on its own.
func (b *BanRecord) Permanent() bool {
	return b.Duration == 0
}

// IPRecord associates an identity with an address it was last seen using.
// Records are keyed by (SteamID, Address); re-observation replaces the
// older name and timestamp rather than accumulating.
type IPRecord struct {
	SteamID string    `json:"steamid"`
	Address string    `json:"address"`
	Name    string    `json:"name"`
	UsedAt  time.Time `json:"used_at"`
}

// Account is the result shape of reverse IP lookups: an identity that has
// used a given address, with the name and time it was last seen.
type Account struct {
	SteamID  string    `json:"steamid"`
	Name     string    `json:"name"`
	LastUsed time.Time `json:"last_used"`
}
