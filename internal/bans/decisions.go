package bans

import (
	"sort"
)

// Decision queries are read-only, never block the host tick and never
// return errors: malformed input resolves to a non-match, and an
// uninitialized cache answers fail-open (not banned) until the next
// successful load.

// ActiveBans returns every ban currently in ACTIVE status.
func (c *Cache) ActiveBans() []BanRecord {
	var out []BanRecord
	c.bans.Range(func(_ int64, b BanRecord) bool {
		if b.Status == StatusActive {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BansBySteamID returns every ban recorded against an identity, any status.
func (c *Cache) BansBySteamID(steamID string) []BanRecord {
	if steamID == "" {
		return nil
	}
	var out []BanRecord
	c.bans.Range(func(_ int64, b BanRecord) bool {
		if b.SteamID == steamID {
			out = append(out, b)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BanByID looks up a single record.
func (c *Cache) BanByID(id int64) (BanRecord, bool) {
	return c.bans.Load(id)
}

// MatchActiveBan returns the ACTIVE ban that applies to the given identity
// and connecting address, if any. Identity equality always matches; the
// recorded ban IP matches only in identity+IP mode, when the connecting
// address normalizes, and when it is not in the ignored set.
func (c *Cache) MatchActiveBan(steamID, addr string) (BanRecord, bool) {
	ip, ipOK := c.matchableIP(addr)

	var match BanRecord
	found := false
	c.bans.Range(func(_ int64, b BanRecord) bool {
		if b.Status != StatusActive {
			return true
		}
		if steamID != "" && b.SteamID == steamID {
			match, found = b, true
			return false
		}
		if ipOK {
			if banIP, ok := NormalizeIP(b.PlayerIP); ok && banIP == ip {
				match, found = b, true
				return false
			}
		}
		return true
	})
	return match, found
}

// IsPlayerBanned reports whether the connecting identity (or, in
// identity+IP mode, its address) has an ACTIVE ban.
func (c *Cache) IsPlayerBanned(steamID, addr string) bool {
	_, found := c.MatchActiveBan(steamID, addr)
	return found
}

// IsPlayerOrAnyIPBanned is the ban-evasion check. After ruling out a direct
// ban on the identity, it tests whether any address the identity used within
// the rolling window (the connecting address folded in as a just-now usage)
// matches the recorded IP of any ACTIVE ban. Ignored addresses never
// correlate, and in identity-only mode the correlation is skipped entirely.
// This catches a fresh identity rejoining from a machine a banned identity
// used, even though the fresh identity has no ban of its own.
func (c *Cache) IsPlayerOrAnyIPBanned(steamID, addr string) bool {
	if _, ok := c.MatchActiveBan(steamID, ""); ok {
		return true
	}
	if c.opts.Mode != ModeSteamIDAndIP {
		return false
	}

	now := c.now()
	cutoff := now.Add(-evasionWindow)
	ignoredSet := c.ignoredSet()

	candidates := make(map[uint32]struct{})
	if entries, ok := c.ips.Load(steamID); ok {
		for _, e := range entries {
			if e.usedAt.Before(cutoff) {
				continue
			}
			if _, ignored := ignoredSet[e.addr]; ignored {
				continue
			}
			candidates[e.addr] = struct{}{}
		}
	}
	if ip, ok := NormalizeIP(addr); ok {
		// The connecting address counts as a just-now history entry.
		if _, ignored := ignoredSet[ip]; !ignored {
			candidates[ip] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return false
	}

	banned := false
	c.bans.Range(func(_ int64, b BanRecord) bool {
		if b.Status != StatusActive || b.PlayerIP == "" {
			return true
		}
		banIP, ok := NormalizeIP(b.PlayerIP)
		if !ok {
			return true
		}
		if _, hit := candidates[banIP]; hit {
			banned = true
			return false
		}
		return true
	})
	return banned
}

// AccountsByIP is the reverse lookup: every identity whose IP history
// contains the given address, with the name and time it was last seen
// there. Malformed addresses yield nil.
func (c *Cache) AccountsByIP(addr string) []Account {
	ip, ok := NormalizeIP(addr)
	if !ok {
		return nil
	}
	var out []Account
	c.ips.Range(func(steamID string, entries []ipEntry) bool {
		for _, e := range entries {
			if e.addr == ip {
				out = append(out, Account{SteamID: steamID, Name: e.name, LastUsed: e.usedAt})
				break
			}
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out
}

// HasIPForPlayer reports whether the identity's history contains the given
// address. Used by secondary validation flows.
func (c *Cache) HasIPForPlayer(steamID, addr string) bool {
	ip, ok := NormalizeIP(addr)
	if !ok {
		return false
	}
	entries, ok := c.ips.Load(steamID)
	if !ok {
		return false
	}
	for _, e := range entries {
		if e.addr == ip {
			return true
		}
	}
	return false
}

// matchableIP normalizes a connecting address for ban correlation. Ignored
// addresses are reported as unmatchable, as is anything that fails to
// normalize, and IP matching is off entirely in identity-only mode.
func (c *Cache) matchableIP(addr string) (uint32, bool) {
	if c.opts.Mode != ModeSteamIDAndIP || addr == "" {
		return 0, false
	}
	ip, ok := NormalizeIP(addr)
	if !ok {
		return 0, false
	}
	if _, ignored := c.ignoredSet()[ip]; ignored {
		return 0, false
	}
	return ip, true
}
