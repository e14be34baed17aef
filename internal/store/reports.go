package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

const reportColumns = `id, hash, guild_id, channel_id, reporter_id, accused_id, reason,
	status, is_premium, final_verdict, finalized_at, created_at`

func scanReport(row interface{ Scan(...interface{}) error }) (*domain.Report, error) {
	var r domain.Report
	var verdict sql.NullString
	err := row.Scan(
		&r.ID, &r.Hash, &r.GuildID, &r.ChannelID, &r.ReporterID, &r.AccusedID, &r.Reason,
		&r.Status, &r.IsPremium, &verdict, &r.FinalizedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if verdict.Valid {
		v := domain.Verdict(verdict.String)
		r.FinalVerdict = &v
	}
	return &r, nil
}

// InsertReport persists a new report in status Pending.
func (s *Store) InsertReport(ctx context.Context, r *domain.Report) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO reports (hash, guild_id, channel_id, reporter_id, accused_id, reason, status, is_premium, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+reportColumns,
		r.Hash, r.GuildID, r.ChannelID, r.ReporterID, r.AccusedID, r.Reason,
		domain.StatusPending, r.IsPremium, r.CreatedAt)
	out, err := scanReport(row)
	if err != nil {
		return nil, fmt.Errorf("inserting report %s: %w", r.Hash, err)
	}
	return out, nil
}

// GetReportByHash loads one report by its public hash.
func (s *Store) GetReportByHash(ctx context.Context, hash string) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE hash = $1`, hash)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading report %s: %w", hash, err)
	}
	return r, nil
}

// GetReport loads one report by id.
func (s *Store) GetReport(ctx context.Context, id int64) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading report %d: %w", id, err)
	}
	return r, nil
}

// CountGuildReports returns how many Pending and how many InAnalysis
// reports a guild holds. The intake quota limits the two separately.
func (s *Store) CountGuildReports(ctx context.Context, guildID int64) (pending, inAnalysis int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN status = 'Pending' THEN 1 END),
			COUNT(CASE WHEN status = 'InAnalysis' THEN 1 END)
		 FROM reports WHERE guild_id = $1`,
		guildID).Scan(&pending, &inAnalysis)
	if err != nil {
		return 0, 0, fmt.Errorf("counting open reports of guild %d: %w", guildID, err)
	}
	return pending, inAnalysis, nil
}

// NextDistributable picks the one report the scheduler should work this
// tick: cast weight plus open deliveries still short of the required
// weight, a free assignment slot, past the capture grace (or already
// holding evidence), premium first, then oldest, then id. Each open
// delivery counts as weight 1.
func (s *Store) NextDistributable(ctx context.Context, requiredWeight, maxOutstanding int, captureGrace time.Duration) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+`
		 FROM reports rp
		 WHERE rp.status IN ('Pending', 'InAnalysis', 'Appealed')
		   AND (
			(SELECT COALESCE(SUM(CASE WHEN rv.tier IN ('Moderator', 'Administrator') THEN 5 ELSE 1 END), 0)
			 FROM votes v JOIN reviewers rv ON rv.id = v.reviewer_id
			 WHERE v.report_id = rp.id)
			+ (SELECT COUNT(*) FROM assignments ad
			   WHERE ad.report_id = rp.id AND ad.state = 'Delivered' AND ad.expires_at > NOW())
		   ) < $1
		   AND (
			SELECT COUNT(*) FROM assignments a
			WHERE a.report_id = rp.id AND a.state IN ('Delivered', 'Accepted')
		   ) < $2
		   AND (
			rp.created_at <= NOW() - $3::interval
			OR EXISTS (SELECT 1 FROM captured_messages m WHERE m.report_id = rp.id)
		   )
		 ORDER BY rp.is_premium DESC, rp.created_at ASC, rp.id ASC
		 LIMIT 1`,
		requiredWeight, maxOutstanding, captureGrace.String())
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next distributable report: %w", err)
	}
	return r, nil
}

// TransitionStatus moves a report from one status to another. The update
// only lands when the current status matches; a miss returns
// domain.ErrReportClosed.
func (s *Store) TransitionStatus(ctx context.Context, reportID int64, from, to domain.ReportStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = $3 WHERE id = $1 AND status = $2`,
		reportID, from, to)
	if err != nil {
		return fmt.Errorf("transitioning report %d %s->%s: %w", reportID, from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrReportClosed
	}
	return nil
}

// FinalizeReport closes a report with its verdict. Only InAnalysis or
// Appealed reports finalize; anything else returns domain.ErrReportClosed
// so a concurrent finalizer loses cleanly.
func (s *Store) FinalizeReport(ctx context.Context, reportID int64, verdict domain.Verdict) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = 'Finalized', final_verdict = $2, finalized_at = NOW()
		 WHERE id = $1 AND status IN ('InAnalysis', 'Appealed')`,
		reportID, verdict)
	if err != nil {
		return fmt.Errorf("finalizing report %d: %w", reportID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrReportClosed
	}
	return nil
}

// MarkAppealed reopens a finalized report within the appeal window.
func (s *Store) MarkAppealed(ctx context.Context, reportID int64, window time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = 'Appealed'
		 WHERE id = $1 AND status = 'Finalized' AND finalized_at > NOW() - $2::interval`,
		reportID, window.String())
	if err != nil {
		return fmt.Errorf("appealing report %d: %w", reportID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrReportClosed
	}
	return nil
}
