package robot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

const (
	// BlacklistKindUser marks an entry as a Discord user ID
	BlacklistKindUser BlacklistKind = "user"

	// BlacklistKindChannel marks an entry as a channel ID
	BlacklistKindChannel BlacklistKind = "channel"

	// BlacklistKindGuild marks an entry as a guild ID
	BlacklistKindGuild BlacklistKind = "guild"
)

type BlacklistKind string

// BlacklistEntry is a single blacklisted snowflake. Any event involving
// a blacklisted user, channel or guild is dropped by the [Gatekeeper]
// before any other processing.
type BlacklistEntry struct {
	ModelUintID
	ModelUnixTime

	// SnowflakeID is the blacklisted Discord ID
	SnowflakeID string `json:"snowflake_id" gorm:"uniqueIndex;type:string" binding:"required"`

	// Kind records what the snowflake identifies. Informational only:
	// lookups match on the ID alone.
	Kind BlacklistKind `json:"kind" gorm:"type:string" binding:"required,oneof=user channel guild"`

	// Reason is shown in the dashboard
	Reason string `json:"reason" gorm:"type:string"`
}

func (b BlacklistEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(b.ID)),
		slog.String("snowflake_id", b.SnowflakeID),
		slog.String("kind", string(b.Kind)),
		slog.String("reason", b.Reason),
	)
}

// Gatekeeper drops events involving blacklisted snowflakes. Every
// dispatched event is checked against an in-memory copy of the blacklist
// table, loaded at startup and refreshed on TTL or on notification from
// the admin API.
type Gatekeeper struct {
	db     *gorm.DB
	logger *slog.Logger

	mu          sync.RWMutex
	blocked     map[string]struct{}
	lastRefresh time.Time
}

// NewGatekeeper returns a Gatekeeper reading the blacklist from the
// given database. Call [Gatekeeper.Refresh] before the first use.
func NewGatekeeper(db *gorm.DB, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		db:      db,
		logger:  logger.With(loggerNameKey, "gatekeeper"),
		blocked: map[string]struct{}{},
	}
}

// Refresh replaces the in-memory blacklist with the current table contents.
func (g *Gatekeeper) Refresh(ctx context.Context) error {
	var entries []BlacklistEntry
	err := g.db.WithContext(ctx).Find(&entries).Error
	if err != nil {
		return fmt.Errorf("error loading blacklist: %w", err)
	}

	blocked := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		blocked[entry.SnowflakeID] = struct{}{}
	}

	g.mu.Lock()
	g.blocked = blocked
	g.lastRefresh = time.Now()
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "refreshed blacklist", "entries", len(blocked))
	return nil
}

// LastRefresh returns the time of the last successful refresh.
func (g *Gatekeeper) LastRefresh() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastRefresh
}

// Blocked reports whether any of the given snowflakes is blacklisted.
// Empty IDs are ignored.
func (g *Gatekeeper) Blocked(ids ...string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, found := g.blocked[id]; found {
			return true
		}
	}
	return false
}
