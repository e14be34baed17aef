package store

import (
	"context"
	"fmt"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

// InsertPunishmentLog records one applied punishment for audit.
func (s *Store) InsertPunishmentLog(ctx context.Context, p *domain.PunishmentLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO punishment_logs (report_id, guild_id, accused_id, verdict, duration_seconds, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ReportID, p.GuildID, p.AccusedID, p.Verdict, int64(p.Duration.Seconds()), p.AppliedAt)
	if err != nil {
		return fmt.Errorf("logging punishment of report %d: %w", p.ReportID, err)
	}
	return nil
}

// PunishmentLogs returns a guild's punishment history, newest first.
func (s *Store) PunishmentLogs(ctx context.Context, guildID int64, limit int) ([]*domain.PunishmentLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, guild_id, accused_id, verdict, duration_seconds, applied_at
		 FROM punishment_logs
		 WHERE guild_id = $1
		 ORDER BY applied_at DESC
		 LIMIT $2`,
		guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading punishment logs of guild %d: %w", guildID, err)
	}
	defer rows.Close()

	var out []*domain.PunishmentLog
	for rows.Next() {
		var p domain.PunishmentLog
		var seconds int64
		if err := rows.Scan(&p.ID, &p.ReportID, &p.GuildID, &p.AccusedID, &p.Verdict,
			&seconds, &p.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning punishment log: %w", err)
		}
		p.Duration = time.Duration(seconds) * time.Second
		out = append(out, &p)
	}
	return out, rows.Err()
}
