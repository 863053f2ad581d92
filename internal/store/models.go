package store

import (
	"time"

	"warden/internal/penalties"
)

// MuteStatus is the lifecycle state of a mute row.
type MuteStatus string

const (
	MuteActive  MuteStatus = "ACTIVE"
	MuteExpired MuteStatus = "EXPIRED"
	MuteUnmuted MuteStatus = "UNMUTED"
)

// MuteRecord mirrors one row of the mutes table. Passed counts connected
// seconds served under playtime accounting; it stays zero in wall-clock
// deployments.
type MuteRecord struct {
	ID           int64           `json:"id"`
	SteamID      string          `json:"steamid"`
	PlayerName   string          `json:"player_name"`
	AdminSteamID string          `json:"admin_steamid"`
	AdminName    string          `json:"admin_name"`
	Reason       string          `json:"reason"`
	Duration     int             `json:"duration"` // minutes, 0 = permanent
	Type         penalties.Type  `json:"type"`
	Status       MuteStatus      `json:"status"`
	Passed       int             `json:"passed"` // seconds of connected time served
	CreatedAt    time.Time       `json:"created_at"`
	EndsAt       time.Time       `json:"ends_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ServerID     int             `json:"server_id"`
}

// WarnStatus is the lifecycle state of a warn row.
type WarnStatus string

const (
	WarnActive  WarnStatus = "ACTIVE"
	WarnExpired WarnStatus = "EXPIRED"
)

// WarnRecord mirrors one row of the warns table.
type WarnRecord struct {
	ID           int64      `json:"id"`
	SteamID      string     `json:"steamid"`
	PlayerName   string     `json:"player_name"`
	AdminSteamID string     `json:"admin_steamid"`
	AdminName    string     `json:"admin_name"`
	Reason       string     `json:"reason"`
	Duration     int        `json:"duration"` // minutes, 0 = permanent
	Status       WarnStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	EndsAt       time.Time  `json:"ends_at"`
	ServerID     int        `json:"server_id"`
}

// AdminRecord mirrors one row of the admins table. EndsAt zero means a
// permanent admin; timed rows are deleted by the sweep once overdue.
type AdminRecord struct {
	ID        int64     `json:"id"`
	SteamID   string    `json:"steamid"`
	Name      string    `json:"name"`
	Flags     string    `json:"flags"`
	CreatedAt time.Time `json:"created_at"`
	EndsAt    time.Time `json:"ends_at"`
	ServerID  int       `json:"server_id"`
}
