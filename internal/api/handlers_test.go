package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/bans"
	"warden/internal/journal"
	"warden/internal/penalties"
	"warden/internal/sessions"
	"warden/internal/store"
)

type testEnv struct {
	srv     *httptest.Server
	cache   *bans.Cache
	tracker *penalties.Tracker
}

func setupTestAPI(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Options{Path: filepath.Join(dir, "warden.db"), ServerID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jnl, err := journal.Open(journal.Options{Path: filepath.Join(dir, "journal.db")})
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	tracker := penalties.NewTracker(penalties.ModeWallClock)
	registry := sessions.NewRegistry(tracker, st)
	cache := bans.NewCache(st, bans.Options{Mode: bans.ModeSteamIDAndIP})
	require.NoError(t, cache.Initialize(context.Background()))

	h := NewHandler(st, cache, tracker, registry, jnl, 1)
	srv := httptest.NewServer(SetupRouter(RouterConfig{Handlers: h, Logger: log.Logger}))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, cache: cache, tracker: tracker}
}

// doJSON issues a request and decodes the JSON response body.
func (e *testEnv) doJSON(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	env := setupTestAPI(t)

	code, body := env.doJSON(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["cache_initialized"])
}

func TestCheckFlow(t *testing.T) {
	env := setupTestAPI(t)

	t.Run("unknown player is allowed", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/check?steamid=76561198000000001&ip=10.0.0.1", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["allowed"])
	})

	t.Run("missing steamid is rejected", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodGet, "/api/check", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	// Ban the player; the handler refreshes the cache before responding.
	code, body := env.doJSON(t, http.MethodPost, "/api/bans", map[string]any{
		"steamid":    "76561198000000001",
		"player_ip":  "10.0.0.1",
		"reason":     "cheating",
		"duration":   60,
		"admin_name": "admin",
	})
	require.Equal(t, http.StatusCreated, code)
	banID := body["id"].(float64)
	require.Positive(t, banID)

	t.Run("banned player is denied", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/check?steamid=76561198000000001&ip=10.0.0.1", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, body["allowed"])
		assert.Equal(t, string(journal.KindDirectBan), body["kind"])
		assert.Equal(t, banID, body["ban_id"])
	})

	t.Run("fresh identity from the banned address is denied", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/check?steamid=76561198000000099&ip=10.0.0.1", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, false, body["allowed"])
		assert.Equal(t, string(journal.KindIPCorrelation), body["kind"])
	})

	t.Run("denials are journaled", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/denials", nil)
		assert.Equal(t, http.StatusOK, code)
		denials := body["denials"].([]any)
		require.NotEmpty(t, denials)
		newest := denials[0].(map[string]any)
		assert.Equal(t, "76561198000000099", newest["steamid"])
	})

	t.Run("unban lifts the denial", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/bans/%d", int(banID)), nil)
		require.Equal(t, http.StatusOK, code)

		code, body := env.doJSON(t, http.MethodGet, "/api/check?steamid=76561198000000001&ip=10.0.0.1", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["allowed"])

		// Unbanning twice is a 404: the transition already happened.
		code, _ = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/bans/%d", int(banID)), nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestCheckFailsOpenWhileUninitialized(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.Options{Path: filepath.Join(dir, "warden.db"), ServerID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tracker := penalties.NewTracker(penalties.ModeWallClock)
	cache := bans.NewCache(st, bans.Options{}) // never initialized
	h := NewHandler(st, cache, tracker, sessions.NewRegistry(tracker, st), nil, 1)
	srv := httptest.NewServer(SetupRouter(RouterConfig{Handlers: h, Logger: log.Logger}))
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv}
	code, body := env.doJSON(t, http.MethodGet, "/api/check?steamid=76561198000000001", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "cache_unavailable", body["reason"])
}

func TestBanQueries(t *testing.T) {
	env := setupTestAPI(t)

	code, body := env.doJSON(t, http.MethodPost, "/api/bans", map[string]any{
		"steamid": "76561198000000001", "reason": "first", "duration": 60,
	})
	require.Equal(t, http.StatusCreated, code)
	id := int(body["id"].(float64))

	code, _ = env.doJSON(t, http.MethodPost, "/api/bans", map[string]any{
		"steamid": "76561198000000002", "reason": "second", "duration": 0,
	})
	require.Equal(t, http.StatusCreated, code)

	t.Run("active listing", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/bans/active", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Len(t, body["bans"].([]any), 2)
	})

	t.Run("lookup by id", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, fmt.Sprintf("/api/bans/%d", id), nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "first", body["reason"])

		code, _ = env.doJSON(t, http.MethodGet, "/api/bans/99999", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("player history", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/bans/player/76561198000000001", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Len(t, body["bans"].([]any), 1)
	})

	t.Run("negative duration rejected", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodPost, "/api/bans", map[string]any{
			"steamid": "76561198000000003", "duration": -5,
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestAPI(t)

	code, body := env.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{
		"slot": 3, "steamid": "76561198000000001", "name": "griefer", "ip": "10.0.0.1",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(3), body["slot"])

	code, body = env.doJSON(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"].([]any), 1)

	t.Run("recorded address is searchable after reload", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodPost, "/api/cache/reload", nil)
		require.Equal(t, http.StatusOK, code)

		code, body := env.doJSON(t, http.MethodGet, "/api/accounts?ip=10.0.0.1", nil)
		assert.Equal(t, http.StatusOK, code)
		accounts := body["accounts"].([]any)
		require.Len(t, accounts, 1)
		assert.Equal(t, "76561198000000001", accounts[0].(map[string]any)["steamid"])
	})

	code, _ = env.doJSON(t, http.MethodDelete, "/api/sessions/3", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = env.doJSON(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["sessions"])

	t.Run("reset clears everything", func(t *testing.T) {
		env.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{
			"slot": 1, "steamid": "76561198000000005", "name": "a",
		})
		code, _ := env.doJSON(t, http.MethodPost, "/api/sessions/reset", nil)
		assert.Equal(t, http.StatusOK, code)

		code, body := env.doJSON(t, http.MethodGet, "/api/sessions", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Empty(t, body["sessions"])
	})
}

func TestPenaltyEndpoints(t *testing.T) {
	env := setupTestAPI(t)

	// A penalty needs a connected session to resolve the identity.
	code, _ := env.doJSON(t, http.MethodPost, "/api/penalties", map[string]any{
		"slot": 3, "type": "GAG", "duration": 30,
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{
		"slot": 3, "steamid": "76561198000000001", "name": "griefer",
	})
	require.Equal(t, http.StatusCreated, code)

	code, body := env.doJSON(t, http.MethodPost, "/api/penalties", map[string]any{
		"slot": 3, "type": "GAG", "duration": 30, "reason": "spam",
	})
	require.Equal(t, http.StatusCreated, code)
	muteID := int(body["id"].(float64))

	t.Run("unknown type rejected", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodPost, "/api/penalties", map[string]any{
			"slot": 3, "type": "SHADOWBAN",
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("tracked on the slot", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodGet, "/api/penalties/3", nil)
		assert.Equal(t, http.StatusOK, code)
		active := body["active"].(map[string]any)
		assert.Contains(t, active, "GAG")
		assert.NotContains(t, active, "MUTE")
	})

	t.Run("restored on reconnect", func(t *testing.T) {
		env.doJSON(t, http.MethodDelete, "/api/sessions/3", nil)
		gagged, _ := env.tracker.IsPenalized(3, penalties.TypeGag)
		require.False(t, gagged)

		env.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{
			"slot": 5, "steamid": "76561198000000001", "name": "griefer",
		})
		gagged, _ = env.tracker.IsPenalized(5, penalties.TypeGag)
		assert.True(t, gagged, "active mute rows are restored into the new slot")
	})

	t.Run("remove by type", func(t *testing.T) {
		code, body := env.doJSON(t, http.MethodDelete, "/api/penalties/5?type=GAG", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(1), body["removed"])
	})

	t.Run("lift the stored mute", func(t *testing.T) {
		code, _ := env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/mutes/%d", muteID), nil)
		assert.Equal(t, http.StatusOK, code)

		code, _ = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/mutes/%d", muteID), nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestWarnEndpoint(t *testing.T) {
	env := setupTestAPI(t)

	code, body := env.doJSON(t, http.MethodPost, "/api/warns", map[string]any{
		"steamid": "76561198000000001", "reason": "language", "duration": 60,
	})
	assert.Equal(t, http.StatusCreated, code)
	assert.Positive(t, body["id"].(float64))

	code, _ = env.doJSON(t, http.MethodPost, "/api/warns", map[string]any{"reason": "no id"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAccountsValidation(t *testing.T) {
	env := setupTestAPI(t)

	code, _ := env.doJSON(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.doJSON(t, http.MethodGet, "/api/accounts?ip=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
