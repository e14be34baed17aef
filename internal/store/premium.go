package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

// IsPremium reports whether the guild has an active subscription.
func (s *Store) IsPremium(ctx context.Context, guildID int64) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM premium_servers
			WHERE guild_id = $1 AND start_at <= NOW() AND end_at > NOW())`,
		guildID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("checking premium of guild %d: %w", guildID, err)
	}
	return active, nil
}

// GetPremium loads the subscription row of a guild, or domain.ErrNotFound.
func (s *Store) GetPremium(ctx context.Context, guildID int64) (*domain.PremiumServer, error) {
	var p domain.PremiumServer
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, start_at, end_at FROM premium_servers WHERE guild_id = $1`,
		guildID).Scan(&p.GuildID, &p.StartAt, &p.EndAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading premium of guild %d: %w", guildID, err)
	}
	return &p, nil
}

// UpsertPremium creates or extends a guild's subscription window.
func (s *Store) UpsertPremium(ctx context.Context, guildID int64, startAt, endAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO premium_servers (guild_id, start_at, end_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (guild_id) DO UPDATE SET start_at = $2, end_at = $3`,
		guildID, startAt, endAt)
	if err != nil {
		return fmt.Errorf("upserting premium of guild %d: %w", guildID, err)
	}
	return nil
}

// GetServerConfig loads a guild's policy overrides; a guild without a row
// gets the zero config (defaults apply).
func (s *Store) GetServerConfig(ctx context.Context, guildID int64) (*domain.ServerConfig, error) {
	var c domain.ServerConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, log_channel_id, intimidated_hours, intim_grave_hours, grave_hours, grave_ban_hours
		 FROM server_configs WHERE guild_id = $1`,
		guildID).Scan(&c.GuildID, &c.LogChannelID, &c.IntimidatedHours,
		&c.IntimGraveHours, &c.GraveHours, &c.GraveBanHours)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ServerConfig{GuildID: guildID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config of guild %d: %w", guildID, err)
	}
	return &c, nil
}

// UpsertServerConfig writes a guild's policy overrides.
func (s *Store) UpsertServerConfig(ctx context.Context, c *domain.ServerConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_configs (guild_id, log_channel_id, intimidated_hours, intim_grave_hours, grave_hours, grave_ban_hours)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (guild_id) DO UPDATE SET
			log_channel_id = $2, intimidated_hours = $3, intim_grave_hours = $4,
			grave_hours = $5, grave_ban_hours = $6`,
		c.GuildID, c.LogChannelID, c.IntimidatedHours, c.IntimGraveHours,
		c.GraveHours, c.GraveBanHours)
	if err != nil {
		return fmt.Errorf("upserting config of guild %d: %w", c.GuildID, err)
	}
	return nil
}
