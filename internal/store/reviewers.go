package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/guardiao/backend/internal/domain"
)

const reviewerColumns = `id, username, display_name, tier, points, experience, on_duty,
	shift_start, exam_cooldown_until, dispense_cooldown_until, inactivity_cooldown_until, registered_at`

func scanReviewer(row interface{ Scan(...interface{}) error }) (*domain.Reviewer, error) {
	var r domain.Reviewer
	err := row.Scan(
		&r.ID, &r.Username, &r.DisplayName, &r.Tier, &r.Points, &r.Experience, &r.OnDuty,
		&r.ShiftStart, &r.ExamCooldownUntil, &r.DispenseCooldownUntil, &r.InactivityCooldownUntil,
		&r.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReviewer loads one reviewer. Returns domain.ErrNotRegistered when no
// row exists.
func (s *Store) GetReviewer(ctx context.Context, id int64) (*domain.Reviewer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewerColumns+` FROM reviewers WHERE id = $1`, id)
	r, err := scanReviewer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("loading reviewer %d: %w", id, err)
	}
	return r, nil
}

// CreateReviewer inserts a new reviewer at tier User. A duplicate id is
// reported as a unique violation error.
func (s *Store) CreateReviewer(ctx context.Context, id int64, username, displayName string) (*domain.Reviewer, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO reviewers (id, username, display_name, tier)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+reviewerColumns,
		id, username, displayName, domain.TierUser)
	r, err := scanReviewer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("reviewer %d already registered", id)
		}
		return nil, fmt.Errorf("creating reviewer %d: %w", id, err)
	}
	return r, nil
}

// SetTier updates a reviewer's tier.
func (s *Store) SetTier(ctx context.Context, id int64, tier domain.Tier) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reviewers SET tier = $2 WHERE id = $1`, id, tier)
	if err != nil {
		return fmt.Errorf("setting tier of %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotRegistered
	}
	return nil
}

// SetDuty flips the duty flag. Starting a shift records its start; ending
// one clears it.
func (s *Store) SetDuty(ctx context.Context, id int64, onDuty bool, shiftStart *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET on_duty = $2, shift_start = $3 WHERE id = $1`,
		id, onDuty, shiftStart)
	if err != nil {
		return fmt.Errorf("setting duty of %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotRegistered
	}
	return nil
}

// AddPoints adjusts points and experience. Both are clamped at zero.
func (s *Store) AddPoints(ctx context.Context, id int64, points, xp int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET
			points = GREATEST(0, points + $2),
			experience = GREATEST(0, experience + $3)
		 WHERE id = $1`,
		id, points, xp)
	if err != nil {
		return fmt.Errorf("adjusting points of %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotRegistered
	}
	return nil
}

// SetDispenseCooldown stamps the cooldown applied after a dispense.
func (s *Store) SetDispenseCooldown(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET dispense_cooldown_until = $2 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("setting dispense cooldown of %d: %w", id, err)
	}
	return nil
}

// SetInactivityCooldown stamps the cooldown applied after an inactivity
// strike.
func (s *Store) SetInactivityCooldown(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET inactivity_cooldown_until = $2 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("setting inactivity cooldown of %d: %w", id, err)
	}
	return nil
}

// SetExamCooldown stamps the retry cooldown after a failed exam.
func (s *Store) SetExamCooldown(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET exam_cooldown_until = $2 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("setting exam cooldown of %d: %w", id, err)
	}
	return nil
}

// CountOnDutyByTier counts reviewers currently on shift in any of the
// given tiers.
func (s *Store) CountOnDutyByTier(ctx context.Context, tiers []domain.Tier) (int, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviewers WHERE on_duty AND tier = ANY($1)`,
		pq.Array(names)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting on-duty reviewers: %w", err)
	}
	return n, nil
}

// EligibleReviewers returns on-duty reviewers in the given tiers who can
// receive the report: not the reporter or accused, not on a blocking
// cooldown, without a vote or active assignment on the report. Order is
// random; limit bounds the result.
func (s *Store) EligibleReviewers(ctx context.Context, reportID, reporterID, accusedID int64, tiers []domain.Tier, limit int) ([]*domain.Reviewer, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewerColumns+`
		 FROM reviewers r
		 WHERE r.on_duty
		   AND r.tier = ANY($4)
		   AND r.id NOT IN ($2, $3)
		   AND (r.dispense_cooldown_until IS NULL OR r.dispense_cooldown_until <= NOW())
		   AND (r.inactivity_cooldown_until IS NULL OR r.inactivity_cooldown_until <= NOW())
		   AND NOT EXISTS (
			SELECT 1 FROM votes v WHERE v.report_id = $1 AND v.reviewer_id = r.id)
		   AND NOT EXISTS (
			SELECT 1 FROM assignments a
			WHERE a.report_id = $1 AND a.reviewer_id = r.id
			  AND a.state IN ('Delivered', 'Accepted'))
		 ORDER BY RANDOM()
		 LIMIT $5`,
		reportID, reporterID, accusedID, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting eligible reviewers for report %d: %w", reportID, err)
	}
	defer rows.Close()

	var out []*domain.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning eligible reviewer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReviewersByTier returns every reviewer in any of the given tiers,
// ordered by id for stable fan-out.
func (s *Store) ReviewersByTier(ctx context.Context, tiers []domain.Tier) ([]*domain.Reviewer, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = string(t)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewerColumns+` FROM reviewers WHERE tier = ANY($1) ORDER BY id`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("selecting reviewers by tier: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reviewer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AccrueHourlyPoints credits every on-duty reviewer whose shift has run at
// least an hour with points and the equivalent XP, returning how many rows
// were credited.
func (s *Store) AccrueHourlyPoints(ctx context.Context, pointsPerHour int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reviewers SET
			points = points + $1,
			experience = experience + $2
		 WHERE on_duty AND shift_start IS NOT NULL AND shift_start <= NOW() - INTERVAL '1 hour'`,
		pointsPerHour, domain.PointsToXP(pointsPerHour))
	if err != nil {
		return 0, fmt.Errorf("accruing hourly points: %w", err)
	}
	return res.RowsAffected()
}

// CaptchaCandidates returns on-duty reviewers whose shift passed the
// threshold and who have no recent captcha: none pending within the
// pending window and none answered within the answered window.
func (s *Store) CaptchaCandidates(ctx context.Context, shiftThreshold, pendingWindow, answeredWindow time.Duration) ([]*domain.Reviewer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewerColumns+`
		 FROM reviewers r
		 WHERE r.on_duty
		   AND r.shift_start IS NOT NULL
		   AND r.shift_start <= NOW() - $1::interval
		   AND NOT EXISTS (
			SELECT 1 FROM captchas c
			WHERE c.reviewer_id = r.id AND c.status = 'Pending'
			  AND c.issued_at > NOW() - $2::interval)
		   AND NOT EXISTS (
			SELECT 1 FROM captchas c
			WHERE c.reviewer_id = r.id AND c.status = 'Answered'
			  AND c.answered_at > NOW() - $3::interval)`,
		shiftThreshold.String(), pendingWindow.String(), answeredWindow.String())
	if err != nil {
		return nil, fmt.Errorf("selecting captcha candidates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning captcha candidate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
