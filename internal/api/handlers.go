// Package api exposes Warden's moderation state over HTTP. Game servers
// call the check endpoint on player connect; everything else is the admin
// and operational surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"warden/internal/bans"
	"warden/internal/journal"
	"warden/internal/metrics"
	"warden/internal/penalties"
	"warden/internal/sessions"
	"warden/internal/store"
	"warden/internal/tracing"
)

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	store    store.Provider
	cache    *bans.Cache
	tracker  *penalties.Tracker
	registry *sessions.Registry
	journal  *journal.Journal
	serverID int
	now      func() time.Time
}

// NewHandler creates a Handler with all dependencies wired.
func NewHandler(st store.Provider, cache *bans.Cache, tracker *penalties.Tracker, registry *sessions.Registry, jnl *journal.Journal, serverID int) *Handler {
	return &Handler{
		store:    st,
		cache:    cache,
		tracker:  tracker,
		registry: registry,
		journal:  jnl,
		serverID: serverID,
		now:      time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ========== Health ==========

func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !h.cache.Initialized() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"cache_initialized": h.cache.Initialized(),
		"cached_bans":       h.cache.Len(),
		"cached_identities": h.cache.IdentityCount(),
		"sessions":          h.registry.Count(),
	})
}

// ========== Admission checks ==========

type checkResponse struct {
	Allowed bool         `json:"allowed"`
	Kind    journal.Kind `json:"kind,omitempty"`
	BanID   int64        `json:"ban_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// HandleCheck answers whether a connecting player should be admitted.
// The query fails open: a cache that has not completed its initial load
// admits everyone rather than locking out the whole server.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	steamID := r.URL.Query().Get("steamid")
	addr := r.URL.Query().Get("ip")
	if steamID == "" {
		writeError(w, http.StatusBadRequest, "steamid is required")
		return
	}

	ctx, span := tracing.DecisionSpan(r.Context(), "check", steamID, addr)
	defer span.End()

	if !h.cache.Initialized() {
		metrics.DecisionsTotal.WithLabelValues("check", "cache_unavailable").Inc()
		writeJSON(w, http.StatusOK, checkResponse{Allowed: true, Reason: "cache_unavailable"})
		return
	}

	if ban, ok := h.cache.MatchActiveBan(steamID, addr); ok {
		kind := journal.KindDirectBan
		if ban.SteamID != steamID {
			kind = journal.KindIPCorrelation
		}
		h.recordDenial(ctx, journal.Denial{SteamID: steamID, Address: addr, Kind: kind, BanID: ban.ID, At: h.now()})
		metrics.DecisionsTotal.WithLabelValues("check", "denied").Inc()
		writeJSON(w, http.StatusOK, checkResponse{Allowed: false, Kind: kind, BanID: ban.ID})
		return
	}

	if h.cache.IsPlayerOrAnyIPBanned(steamID, addr) {
		h.recordDenial(ctx, journal.Denial{SteamID: steamID, Address: addr, Kind: journal.KindEvasion, At: h.now()})
		metrics.DecisionsTotal.WithLabelValues("check", "denied").Inc()
		writeJSON(w, http.StatusOK, checkResponse{Allowed: false, Kind: journal.KindEvasion})
		return
	}

	metrics.DecisionsTotal.WithLabelValues("check", "allowed").Inc()
	writeJSON(w, http.StatusOK, checkResponse{Allowed: true})
}

func (h *Handler) recordDenial(ctx context.Context, d journal.Denial) {
	metrics.DenialsTotal.WithLabelValues(string(d.Kind)).Inc()
	if h.journal == nil {
		return
	}
	if err := h.journal.Record(ctx, d); err != nil {
		log.Error().Err(err).Str("steamid", d.SteamID).Msg("Failed to journal denial")
	}
}

// HandleDenials returns the most recent denied admissions.
func (h *Handler) HandleDenials(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	denials, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"denials": denials})
}

// ========== Bans ==========

func (h *Handler) HandleActiveBans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bans": h.cache.ActiveBans()})
}

func (h *Handler) HandleBanByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ban id")
		return
	}
	ban, ok := h.cache.BanByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "ban not found")
		return
	}
	writeJSON(w, http.StatusOK, ban)
}

func (h *Handler) HandleBansByPlayer(w http.ResponseWriter, r *http.Request) {
	steamID := r.PathValue("steamid")
	if steamID == "" {
		writeError(w, http.StatusBadRequest, "steamid is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": h.cache.BansBySteamID(steamID)})
}

// HandleAccountsByIP lists identities that recently used the given address.
func (h *Handler) HandleAccountsByIP(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("ip")
	if addr == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if _, ok := bans.NormalizeIP(addr); !ok {
		writeError(w, http.StatusBadRequest, "malformed ip")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": h.cache.AccountsByIP(addr)})
}

type banRequest struct {
	SteamID      string `json:"steamid"`
	PlayerName   string `json:"player_name"`
	PlayerIP     string `json:"player_ip"`
	AdminSteamID string `json:"admin_steamid"`
	AdminName    string `json:"admin_name"`
	Reason       string `json:"reason"`
	Duration     int    `json:"duration"` // minutes, 0 = permanent
}

// HandleBanCreate inserts a ban and pushes it into the cache ahead of the
// next refresh cycle, so reconnect attempts are caught immediately.
func (h *Handler) HandleBanCreate(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SteamID == "" {
		writeError(w, http.StatusBadRequest, "steamid is required")
		return
	}
	if req.Duration < 0 {
		writeError(w, http.StatusBadRequest, "duration must not be negative")
		return
	}

	now := h.now()
	ban := bans.BanRecord{
		SteamID:      req.SteamID,
		PlayerName:   req.PlayerName,
		PlayerIP:     req.PlayerIP,
		AdminSteamID: req.AdminSteamID,
		AdminName:    req.AdminName,
		Reason:       req.Reason,
		Duration:     req.Duration,
		Status:       bans.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		ServerID:     h.serverID,
	}
	if !ban.Permanent() {
		ban.EndsAt = now.Add(time.Duration(req.Duration) * time.Minute)
	}

	id, err := h.store.InsertBan(r.Context(), ban)
	if err != nil {
		log.Error().Err(err).Str("steamid", req.SteamID).Msg("Failed to insert ban")
		writeError(w, http.StatusInternalServerError, "failed to insert ban")
		return
	}

	h.cache.MarkRecentlyBanned(req.SteamID)
	if err := h.cache.Refresh(r.Context()); err != nil {
		log.Error().Err(err).Msg("Cache refresh after ban insert failed")
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// HandleBanDelete lifts a ban. The transition is one way: an UNBANNED row
// never becomes ACTIVE again.
func (h *Handler) HandleBanDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ban id")
		return
	}
	if err := h.store.UpdateBanStatus(r.Context(), id, bans.StatusUnbanned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active ban with that id")
			return
		}
		log.Error().Err(err).Int64("ban_id", id).Msg("Failed to unban")
		writeError(w, http.StatusInternalServerError, "failed to unban")
		return
	}
	if err := h.cache.Refresh(r.Context()); err != nil {
		log.Error().Err(err).Msg("Cache refresh after unban failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

// HandleCacheReload discards the cache and rebuilds it from the store.
func (h *Handler) HandleCacheReload(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.ForceReinitialize(r.Context()); err != nil {
		log.Error().Err(err).Msg("Forced cache reload failed")
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "reloaded",
		"cached_bans":       h.cache.Len(),
		"cached_identities": h.cache.IdentityCount(),
	})
}

// ========== Sessions ==========

type sessionRequest struct {
	Slot    int    `json:"slot"`
	SteamID string `json:"steamid"`
	Name    string `json:"name"`
	IP      string `json:"ip"`
}

// HandleSessionConnect registers a player in a server slot. Penalties left
// over from the slot's previous occupant are purged, the player's address
// is recorded, and any active mutes are restored from the store.
func (h *Handler) HandleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SteamID == "" {
		writeError(w, http.StatusBadRequest, "steamid is required")
		return
	}
	if req.Slot < 0 {
		writeError(w, http.StatusBadRequest, "slot must not be negative")
		return
	}
	sess := h.registry.Connect(r.Context(), req.Slot, req.SteamID, req.Name, req.IP)
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) HandleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || slot < 0 {
		writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	h.registry.Disconnect(slot)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *Handler) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.registry.All()})
}

// HandleSessionsReset clears every session and all tracked penalties.
// Called on map change or server restart.
func (h *Handler) HandleSessionsReset(w http.ResponseWriter, r *http.Request) {
	h.registry.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ========== Penalties ==========

type penaltyRequest struct {
	Slot         int    `json:"slot"`
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	AdminSteamID string `json:"admin_steamid"`
	AdminName    string `json:"admin_name"`
	Duration     int    `json:"duration"` // minutes, 0 = permanent
}

// HandlePenaltyCreate applies a communication penalty to a connected
// player, persisting it and tracking it against the slot. Penalties of the
// same type stack rather than replace.
func (h *Handler) HandlePenaltyCreate(w http.ResponseWriter, r *http.Request) {
	var req penaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ := penalties.Type(req.Type)
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "unknown penalty type")
		return
	}
	if req.Duration < 0 {
		writeError(w, http.StatusBadRequest, "duration must not be negative")
		return
	}
	sess, ok := h.registry.Get(req.Slot)
	if !ok {
		writeError(w, http.StatusNotFound, "no session in that slot")
		return
	}

	now := h.now()
	var endsAt time.Time
	if req.Duration > 0 {
		endsAt = now.Add(time.Duration(req.Duration) * time.Minute)
	}

	mute := store.MuteRecord{
		SteamID:      sess.SteamID,
		PlayerName:   sess.Name,
		AdminSteamID: req.AdminSteamID,
		AdminName:    req.AdminName,
		Reason:       req.Reason,
		Duration:     req.Duration,
		Type:         typ,
		Status:       store.MuteActive,
		CreatedAt:    now,
		EndsAt:       endsAt,
		UpdatedAt:    now,
		ServerID:     h.serverID,
	}
	id, err := h.store.InsertMute(r.Context(), mute)
	if err != nil {
		log.Error().Err(err).Str("steamid", sess.SteamID).Msg("Failed to insert mute")
		writeError(w, http.StatusInternalServerError, "failed to insert penalty")
		return
	}

	h.tracker.Add(req.Slot, typ, endsAt, req.Duration)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// HandlePenaltiesGet reports the tracked penalties for a slot.
func (h *Handler) HandlePenaltiesGet(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || slot < 0 {
		writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	out := make(map[string]any)
	for typ, entries := range h.tracker.AllPenalties(slot) {
		out[string(typ)] = entries
	}
	active := make(map[string]any)
	for _, typ := range penalties.AllTypes() {
		penalized, until := h.tracker.IsPenalized(slot, typ)
		if penalized {
			active[string(typ)] = until
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"penalties": out, "active": active})
}

// HandlePenaltyDelete drops tracked penalties of one type from a slot.
// The persisted rows are untouched; use the mute endpoint to lift those.
func (h *Handler) HandlePenaltyDelete(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil || slot < 0 {
		writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	typRaw := r.URL.Query().Get("type")
	typ := penalties.Type(typRaw)
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "unknown penalty type")
		return
	}
	removed := h.tracker.RemoveByType(slot, typ)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// HandleMuteDelete lifts a persisted mute row.
func (h *Handler) HandleMuteDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mute id")
		return
	}
	if err := h.store.UpdateMuteStatus(r.Context(), id, store.MuteUnmuted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active mute with that id")
			return
		}
		log.Error().Err(err).Int64("mute_id", id).Msg("Failed to unmute")
		writeError(w, http.StatusInternalServerError, "failed to unmute")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmuted"})
}

// ========== Warns ==========

type warnRequest struct {
	SteamID      string `json:"steamid"`
	PlayerName   string `json:"player_name"`
	AdminSteamID string `json:"admin_steamid"`
	AdminName    string `json:"admin_name"`
	Reason       string `json:"reason"`
	Duration     int    `json:"duration"` // minutes, 0 = permanent
}

func (h *Handler) HandleWarnCreate(w http.ResponseWriter, r *http.Request) {
	var req warnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SteamID == "" {
		writeError(w, http.StatusBadRequest, "steamid is required")
		return
	}
	if req.Duration < 0 {
		writeError(w, http.StatusBadRequest, "duration must not be negative")
		return
	}

	now := h.now()
	warn := store.WarnRecord{
		SteamID:      req.SteamID,
		PlayerName:   req.PlayerName,
		AdminSteamID: req.AdminSteamID,
		AdminName:    req.AdminName,
		Reason:       req.Reason,
		Duration:     req.Duration,
		Status:       store.WarnActive,
		CreatedAt:    now,
		ServerID:     h.serverID,
	}
	if req.Duration > 0 {
		warn.EndsAt = now.Add(time.Duration(req.Duration) * time.Minute)
	}
	id, err := h.store.InsertWarn(r.Context(), warn)
	if err != nil {
		log.Error().Err(err).Str("steamid", req.SteamID).Msg("Failed to insert warn")
		writeError(w, http.StatusInternalServerError, "failed to insert warn")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}
