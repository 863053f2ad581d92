package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/bans"
	"warden/internal/penalties"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db"), ServerID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBan(steamID string, duration int, endsAt time.Time) bans.BanRecord {
	now := time.Now().Truncate(time.Second)
	return bans.BanRecord{
		SteamID:      steamID,
		PlayerName:   "player",
		PlayerIP:     "10.0.0.1",
		AdminSteamID: "76561198000009999",
		AdminName:    "admin",
		Reason:       "testing",
		Duration:     duration,
		Status:       bans.StatusActive,
		CreatedAt:    now,
		EndsAt:       endsAt,
		UpdatedAt:    now,
		ServerID:     1,
	}
}

func TestBanRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	in := testBan("76561198000000001", 60, time.Now().Add(time.Hour).Truncate(time.Second))
	id, err := s.InsertBan(ctx, in)
	require.NoError(t, err)
	require.Positive(t, id)

	rows, err := s.LoadBans(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, in.SteamID, got.SteamID)
	assert.Equal(t, in.Reason, got.Reason)
	assert.Equal(t, bans.StatusActive, got.Status)
	assert.Equal(t, in.EndsAt.Unix(), got.EndsAt.Unix())
}

func TestInsertBanDefaultsStatus(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	b := testBan("76561198000000001", 0, time.Time{})
	b.Status = ""
	_, err := s.InsertBan(ctx, b)
	require.NoError(t, err)

	rows, err := s.LoadBans(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, bans.StatusActive, rows[0].Status)
	assert.True(t, rows[0].EndsAt.IsZero(), "permanent bans keep a zero end time")
}

func TestLoadBansSinceWatermark(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	old := testBan("76561198000000001", 60, time.Now().Add(time.Hour))
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	_, err := s.InsertBan(ctx, old)
	require.NoError(t, err)

	fresh := testBan("76561198000000002", 60, time.Now().Add(time.Hour))
	_, err = s.InsertBan(ctx, fresh)
	require.NoError(t, err)

	rows, err := s.LoadBansSince(ctx, time.Now().Add(-time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "76561198000000002", rows[0].SteamID)

	// A status flip bumps updated_at, so the watermark picks it up.
	require.NoError(t, s.UpdateBanStatus(ctx, 1, bans.StatusUnbanned))
	rows, err = s.LoadBansSince(ctx, time.Now().Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUpdateBanStatusMonotone(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	id, err := s.InsertBan(ctx, testBan("76561198000000001", 60, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, s.UpdateBanStatus(ctx, id, bans.StatusUnbanned))

	// Terminal rows never transition again.
	err = s.UpdateBanStatus(ctx, id, bans.StatusExpired)
	assert.ErrorIs(t, err, ErrNotFound)

	// ACTIVE is not a valid target at all.
	err = s.UpdateBanStatus(ctx, id, bans.StatusActive)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestExpireBans(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.InsertBan(ctx, testBan("76561198000000001", 60, time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	_, err = s.InsertBan(ctx, testBan("76561198000000002", 60, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.InsertBan(ctx, testBan("76561198000000003", 0, time.Time{}))
	require.NoError(t, err)

	n, err := s.ExpireBans(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.LoadBans(ctx)
	require.NoError(t, err)
	statuses := map[string]bans.Status{}
	for _, b := range rows {
		statuses[b.SteamID] = b.Status
	}
	assert.Equal(t, bans.StatusExpired, statuses["76561198000000001"])
	assert.Equal(t, bans.StatusActive, statuses["76561198000000002"])
	assert.Equal(t, bans.StatusActive, statuses["76561198000000003"], "permanent bans never expire")
}

func TestUpsertIPRecord(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	first := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpsertIPRecord(ctx, bans.IPRecord{
		SteamID: "76561198000000001", Address: "10.0.0.1", Name: "old", UsedAt: first,
	}))
	require.NoError(t, s.UpsertIPRecord(ctx, bans.IPRecord{
		SteamID: "76561198000000001", Address: "10.0.0.1", Name: "new", UsedAt: first.Add(time.Hour),
	}))
	require.NoError(t, s.UpsertIPRecord(ctx, bans.IPRecord{
		SteamID: "76561198000000001", Address: "10.0.0.2", Name: "new", UsedAt: first.Add(time.Hour),
	}))

	rows, err := s.LoadIPHistory(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2, "one row per (identity, address) pair")
	for _, r := range rows {
		assert.Equal(t, "new", r.Name)
	}

	since, err := s.LoadIPHistorySince(ctx, first.Add(30*time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func testMute(steamID string, typ penalties.Type, duration int, endsAt time.Time) MuteRecord {
	now := time.Now().Truncate(time.Second)
	return MuteRecord{
		SteamID:      steamID,
		PlayerName:   "player",
		AdminSteamID: "76561198000009999",
		AdminName:    "admin",
		Reason:       "testing",
		Duration:     duration,
		Type:         typ,
		Status:       MuteActive,
		CreatedAt:    now,
		EndsAt:       endsAt,
		UpdatedAt:    now,
		ServerID:     1,
	}
}

func TestMuteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	id, err := s.InsertMute(ctx, testMute("76561198000000001", penalties.TypeGag, 30, time.Now().Add(30*time.Minute)))
	require.NoError(t, err)

	active, err := s.ActiveMutesBySteamID(ctx, "76561198000000001")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, penalties.TypeGag, active[0].Type)

	require.NoError(t, s.UpdateMuteStatus(ctx, id, MuteUnmuted))
	active, err = s.ActiveMutesBySteamID(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.Empty(t, active)

	err = s.UpdateMuteStatus(ctx, id, MuteExpired)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaytimeAccounting(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	// A 1-minute gag needs 60 served seconds.
	id, err := s.InsertMute(ctx, testMute("76561198000000001", penalties.TypeGag, 1, time.Now().Add(time.Minute)))
	require.NoError(t, err)
	// Another connected identity with no timed mute.
	_, err = s.InsertMute(ctx, testMute("76561198000000002", penalties.TypeMute, 0, time.Time{}))
	require.NoError(t, err)

	ids := []string{"76561198000000001", "76561198000000002"}

	require.NoError(t, s.IncrementMutePlaytime(ctx, ids, 45))
	elapsed, err := s.ElapsedPlaytimeMutes(ctx, ids)
	require.NoError(t, err)
	assert.Empty(t, elapsed, "45 of 60 seconds served")

	require.NoError(t, s.IncrementMutePlaytime(ctx, ids, 45))
	elapsed, err = s.ElapsedPlaytimeMutes(ctx, ids)
	require.NoError(t, err)
	require.Len(t, elapsed, 1)
	assert.Equal(t, id, elapsed[0].ID)
	assert.GreaterOrEqual(t, elapsed[0].Passed, 60)

	// Reported exactly once: the row was flipped EXPIRED.
	elapsed, err = s.ElapsedPlaytimeMutes(ctx, ids)
	require.NoError(t, err)
	assert.Empty(t, elapsed)

	// Permanent mutes accumulate nothing and never elapse.
	active, err := s.ActiveMutesBySteamID(ctx, "76561198000000002")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Zero(t, active[0].Passed)
}

func TestIncrementMutePlaytimeEmptyInput(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.IncrementMutePlaytime(ctx, nil, 61))
	elapsed, err := s.ElapsedPlaytimeMutes(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, elapsed)
}

func TestWarnLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	now := time.Now().Truncate(time.Second)
	_, err := s.InsertWarn(ctx, WarnRecord{
		SteamID: "76561198000000001", Reason: "language", Duration: 1,
		Status: WarnActive, CreatedAt: now, EndsAt: now.Add(-time.Minute), ServerID: 1,
	})
	require.NoError(t, err)

	n, err := s.ExpireWarns(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExpireAdminsDeletesTimedRows(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	now := time.Now().Unix()
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO admins (steamid, name, flags, created_at, ends_at, server_id) VALUES
		('76561198000000001', 'temp', 'abc', ?, ?, 1),
		('76561198000000002', 'perm', 'z', ?, 0, 1)
	`, now, now-60, now)
	require.NoError(t, err)

	n, err := s.ExpireAdmins(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var remaining int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM admins`).Scan(&remaining))
	assert.Equal(t, 1, remaining, "permanent admin rows survive")
}

func TestServerScoping(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	s1, err := Open(Options{Path: path, ServerID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })

	b := testBan("76561198000000001", 60, time.Now().Add(time.Hour))
	b.ServerID = 2
	_, err = s1.InsertBan(ctx, b)
	require.NoError(t, err)

	// Server 1 does not see server 2's ban.
	rows, err := s1.LoadBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// A multi-server store sees everything.
	s1.Close()
	shared, err := Open(Options{Path: path, MultiServer: true})
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	rows, err = shared.LoadBans(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStatusUpdateErrorsAreNotFound(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	assert.True(t, errors.Is(s.UpdateBanStatus(ctx, 999, bans.StatusUnbanned), ErrNotFound))
	assert.True(t, errors.Is(s.UpdateMuteStatus(ctx, 999, MuteUnmuted), ErrNotFound))
}
