// Package store provides the SQLite-backed persistent store for ban,
// IP-history, mute, warn and admin records. It is the single source of
// truth; the in-memory caches only mirror it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/rs/zerolog/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"warden/internal/bans"
	"warden/internal/penalties"
)

// Provider is the narrow query/execute surface the rest of the engine
// consumes. Implementations must be safe for concurrent use.
type Provider interface {
	// Full and incremental ban/IP loads for the cache
	LoadBans(ctx context.Context) ([]bans.BanRecord, error)
	LoadBansSince(ctx context.Context, since time.Time, limit int) ([]bans.BanRecord, error)
	LoadIPHistory(ctx context.Context) ([]bans.IPRecord, error)
	LoadIPHistorySince(ctx context.Context, since time.Time, limit int) ([]bans.IPRecord, error)

	// Write surface consumed by the command layer
	InsertBan(ctx context.Context, b bans.BanRecord) (int64, error)
	UpdateBanStatus(ctx context.Context, id int64, status bans.Status) error
	InsertMute(ctx context.Context, m MuteRecord) (int64, error)
	UpdateMuteStatus(ctx context.Context, id int64, status MuteStatus) error
	InsertWarn(ctx context.Context, w WarnRecord) (int64, error)
	UpsertIPRecord(ctx context.Context, r bans.IPRecord) error

	// Penalty restore on reconnect
	ActiveMutesBySteamID(ctx context.Context, steamID string) ([]MuteRecord, error)

	// Sweeper surface
	ExpireBans(ctx context.Context, now time.Time) (int64, error)
	ExpireMutes(ctx context.Context, now time.Time) (int64, error)
	ExpireWarns(ctx context.Context, now time.Time) (int64, error)
	ExpireAdmins(ctx context.Context, now time.Time) (int64, error)
	IncrementMutePlaytime(ctx context.Context, steamIDs []string, seconds int) error
	ElapsedPlaytimeMutes(ctx context.Context, steamIDs []string) ([]MuteRecord, error)

	Close() error
}

// ErrNotFound is returned by status updates that match no active row.
var ErrNotFound = errors.New("record not found")

// Options configures the SQL store.
type Options struct {
	// Path to the SQLite database file. Parent directories are created.
	Path string

	// ServerID scopes rows to this server when MultiServer is false.
	ServerID int

	// MultiServer disables per-server row scoping: every server shares
	// every record.
	MultiServer bool
}

// SQLStore implements Provider on database/sql with SQLite.
type SQLStore struct {
	db   *sql.DB
	opts Options
}

// Ensure SQLStore implements the interface at compile time.
var _ Provider = (*SQLStore)(nil)

// Open opens (creating if needed) the database, applies the schema and
// returns the store. The sql handle is instrumented for tracing.
func Open(opts Options) (*SQLStore, error) {
	if opts.Path == "" {
		opts.Path = "warden.db"
	}

	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := otelsql.Open("sqlite", dsn, otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY churn under concurrent refresh and sweep.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", opts.Path).Bool("multi_server", opts.MultiServer).Msg("store: database opened")
	return &SQLStore{db: db, opts: opts}, nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// scope returns the server-scoping SQL fragment and its argument. The
// fragment is empty in multi-server mode.
func (s *SQLStore) scope() (string, []any) {
	if s.opts.MultiServer {
		return "", nil
	}
	return " AND server_id = ?", []any{s.opts.ServerID}
}

func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromTS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ========== Bans ==========

const banColumns = `id, steamid, player_name, player_ip, admin_steamid, admin_name, reason, duration, status, created_at, ends_at, updated_at, server_id`

func scanBan(sc interface{ Scan(...any) error }) (bans.BanRecord, error) {
	var b bans.BanRecord
	var created, ends, updated int64
	err := sc.Scan(&b.ID, &b.SteamID, &b.PlayerName, &b.PlayerIP, &b.AdminSteamID, &b.AdminName,
		&b.Reason, &b.Duration, &b.Status, &created, &ends, &updated, &b.ServerID)
	if err != nil {
		return b, err
	}
	b.CreatedAt = fromTS(created)
	b.EndsAt = fromTS(ends)
	b.UpdatedAt = fromTS(updated)
	return b, nil
}

func (s *SQLStore) queryBans(ctx context.Context, query string, args ...any) ([]bans.BanRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bans.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadBans(ctx context.Context) ([]bans.BanRecord, error) {
	clause, args := s.scope()
	return s.queryBans(ctx, `SELECT `+banColumns+` FROM bans WHERE 1=1`+clause, args...)
}

func (s *SQLStore) LoadBansSince(ctx context.Context, since time.Time, limit int) ([]bans.BanRecord, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{ts(since), ts(since)}, scopeArgs...)
	args = append(args, limit)
	return s.queryBans(ctx, `
		SELECT `+banColumns+` FROM bans
		WHERE (created_at > ? OR updated_at > ?)`+clause+`
		ORDER BY updated_at LIMIT ?`, args...)
}

func (s *SQLStore) InsertBan(ctx context.Context, b bans.BanRecord) (int64, error) {
	if b.Status == "" {
		b.Status = bans.StatusActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (steamid, player_name, player_ip, admin_steamid, admin_name, reason, duration, status, created_at, ends_at, updated_at, server_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.SteamID, b.PlayerName, b.PlayerIP, b.AdminSteamID, b.AdminName, b.Reason, b.Duration,
		string(b.Status), ts(b.CreatedAt), ts(b.EndsAt), ts(b.UpdatedAt), b.ServerID)
	if err != nil {
		return 0, fmt.Errorf("insert ban: %w", err)
	}
	return res.LastInsertId()
}

// UpdateBanStatus flips an ACTIVE ban to a terminal status. Rows already
// terminal are left untouched: transitions are monotone.
func (s *SQLStore) UpdateBanStatus(ctx context.Context, id int64, status bans.Status) error {
	if !bans.StatusActive.CanTransitionTo(status) {
		return fmt.Errorf("invalid ban status transition to %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bans SET status = ?, updated_at = ? WHERE id = ? AND status = 'ACTIVE'
	`, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update ban status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no active ban with id %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ExpireBans(ctx context.Context, now time.Time) (int64, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{now.Unix(), now.Unix()}, scopeArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE bans SET status = 'EXPIRED', updated_at = ?
		WHERE status = 'ACTIVE' AND duration > 0 AND ends_at <= ?`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("expire bans: %w", err)
	}
	return res.RowsAffected()
}

// ========== IP history ==========

func (s *SQLStore) queryIPHistory(ctx context.Context, query string, args ...any) ([]bans.IPRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bans.IPRecord
	for rows.Next() {
		var r bans.IPRecord
		var used int64
		if err := rows.Scan(&r.SteamID, &r.Address, &r.Name, &used); err != nil {
			return nil, err
		}
		r.UsedAt = fromTS(used)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadIPHistory(ctx context.Context) ([]bans.IPRecord, error) {
	return s.queryIPHistory(ctx, `SELECT steamid, address, player_name, used_at FROM ip_history`)
}

func (s *SQLStore) LoadIPHistorySince(ctx context.Context, since time.Time, limit int) ([]bans.IPRecord, error) {
	return s.queryIPHistory(ctx, `
		SELECT steamid, address, player_name, used_at FROM ip_history
		WHERE used_at >= ? ORDER BY used_at LIMIT ?`, ts(since), limit)
}

// UpsertIPRecord records an identity using an address; the newer name and
// timestamp replace any older observation of the same pair.
func (s *SQLStore) UpsertIPRecord(ctx context.Context, r bans.IPRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_history (steamid, address, player_name, used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(steamid, address) DO UPDATE SET
			player_name = excluded.player_name,
			used_at     = excluded.used_at
	`, r.SteamID, r.Address, r.Name, ts(r.UsedAt))
	if err != nil {
		return fmt.Errorf("upsert ip record: %w", err)
	}
	return nil
}

// ========== Mutes ==========

const muteColumns = `id, steamid, player_name, admin_steamid, admin_name, reason, duration, type, status, passed, created_at, ends_at, updated_at, server_id`

func (s *SQLStore) queryMutes(ctx context.Context, query string, args ...any) ([]MuteRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MuteRecord
	for rows.Next() {
		var m MuteRecord
		var typ, status string
		var created, ends, updated int64
		if err := rows.Scan(&m.ID, &m.SteamID, &m.PlayerName, &m.AdminSteamID, &m.AdminName,
			&m.Reason, &m.Duration, &typ, &status, &m.Passed, &created, &ends, &updated, &m.ServerID); err != nil {
			return nil, err
		}
		m.Type = penalties.Type(typ)
		m.Status = MuteStatus(status)
		m.CreatedAt = fromTS(created)
		m.EndsAt = fromTS(ends)
		m.UpdatedAt = fromTS(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertMute(ctx context.Context, m MuteRecord) (int64, error) {
	if m.Status == "" {
		m.Status = MuteActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutes (steamid, player_name, admin_steamid, admin_name, reason, duration, type, status, passed, created_at, ends_at, updated_at, server_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.SteamID, m.PlayerName, m.AdminSteamID, m.AdminName, m.Reason, m.Duration,
		string(m.Type), string(m.Status), m.Passed, ts(m.CreatedAt), ts(m.EndsAt), ts(m.UpdatedAt), m.ServerID)
	if err != nil {
		return 0, fmt.Errorf("insert mute: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLStore) UpdateMuteStatus(ctx context.Context, id int64, status MuteStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutes SET status = ?, updated_at = ? WHERE id = ? AND status = 'ACTIVE'
	`, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update mute status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no active mute with id %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ActiveMutesBySteamID(ctx context.Context, steamID string) ([]MuteRecord, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{steamID}, scopeArgs...)
	return s.queryMutes(ctx, `
		SELECT `+muteColumns+` FROM mutes
		WHERE steamid = ? AND status = 'ACTIVE'`+clause, args...)
}

func (s *SQLStore) ExpireMutes(ctx context.Context, now time.Time) (int64, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{now.Unix(), now.Unix()}, scopeArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutes SET status = 'EXPIRED', updated_at = ?
		WHERE status = 'ACTIVE' AND duration > 0 AND ends_at <= ?`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("expire mutes: %w", err)
	}
	return res.RowsAffected()
}

// IncrementMutePlaytime advances the served-seconds counter for every
// ACTIVE timed mute belonging to the given (connected) identities.
func (s *SQLStore) IncrementMutePlaytime(ctx context.Context, steamIDs []string, seconds int) error {
	if len(steamIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(steamIDs)+1)
	args = append(args, seconds)
	for _, id := range steamIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE mutes SET passed = passed + ?
		WHERE status = 'ACTIVE' AND duration > 0 AND steamid IN (`+placeholders(len(steamIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("increment mute playtime: %w", err)
	}
	return nil
}

// ElapsedPlaytimeMutes returns ACTIVE timed mutes whose served-seconds
// counter has reached the configured duration, and flips them EXPIRED so
// each record is reported exactly once.
func (s *SQLStore) ElapsedPlaytimeMutes(ctx context.Context, steamIDs []string) ([]MuteRecord, error) {
	if len(steamIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(steamIDs))
	for _, id := range steamIDs {
		args = append(args, id)
	}
	elapsed, err := s.queryMutes(ctx, `
		SELECT `+muteColumns+` FROM mutes
		WHERE status = 'ACTIVE' AND duration > 0 AND passed >= duration * 60
		AND steamid IN (`+placeholders(len(steamIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, m := range elapsed {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE mutes SET status = 'EXPIRED', updated_at = ? WHERE id = ?
		`, time.Now().Unix(), m.ID); err != nil {
			return nil, fmt.Errorf("expire elapsed mute %d: %w", m.ID, err)
		}
	}
	return elapsed, nil
}

// ========== Warns ==========

func (s *SQLStore) InsertWarn(ctx context.Context, w WarnRecord) (int64, error) {
	if w.Status == "" {
		w.Status = WarnActive
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO warns (steamid, player_name, admin_steamid, admin_name, reason, duration, status, created_at, ends_at, server_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.SteamID, w.PlayerName, w.AdminSteamID, w.AdminName, w.Reason, w.Duration,
		string(w.Status), ts(w.CreatedAt), ts(w.EndsAt), w.ServerID)
	if err != nil {
		return 0, fmt.Errorf("insert warn: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLStore) ExpireWarns(ctx context.Context, now time.Time) (int64, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{now.Unix()}, scopeArgs...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE warns SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND duration > 0 AND ends_at <= ?`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("expire warns: %w", err)
	}
	return res.RowsAffected()
}

// ========== Admins ==========

// ExpireAdmins deletes timed admin rows whose end time has passed.
// Permanent rows (ends_at = 0) are never touched.
func (s *SQLStore) ExpireAdmins(ctx context.Context, now time.Time) (int64, error) {
	clause, scopeArgs := s.scope()
	args := append([]any{now.Unix()}, scopeArgs...)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM admins WHERE ends_at > 0 AND ends_at <= ?`+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("expire admins: %w", err)
	}
	return res.RowsAffected()
}
