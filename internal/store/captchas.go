package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guardiao/backend/internal/domain"
)

const captchaColumns = `id, reviewer_id, code, question, answer, status, dm_message_id,
	points_lost, issued_at, expires_at, answered_at`

func scanCaptcha(row interface{ Scan(...interface{}) error }) (*domain.Captcha, error) {
	var c domain.Captcha
	err := row.Scan(&c.ID, &c.ReviewerID, &c.Code, &c.Question, &c.Answer, &c.Status,
		&c.DMMessageID, &c.PointsLost, &c.IssuedAt, &c.ExpiresAt, &c.AnsweredAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertCaptcha persists a freshly issued challenge.
func (s *Store) InsertCaptcha(ctx context.Context, c *domain.Captcha) (*domain.Captcha, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO captchas (reviewer_id, code, question, answer, status, dm_message_id, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, 'Pending', $5, $6, $7)
		 RETURNING `+captchaColumns,
		c.ReviewerID, c.Code, c.Question, c.Answer, c.DMMessageID, c.IssuedAt, c.ExpiresAt)
	out, err := scanCaptcha(row)
	if err != nil {
		return nil, fmt.Errorf("inserting captcha for reviewer %d: %w", c.ReviewerID, err)
	}
	return out, nil
}

// GetCaptchaByCode loads a challenge by its public code.
func (s *Store) GetCaptchaByCode(ctx context.Context, code string) (*domain.Captcha, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+captchaColumns+` FROM captchas WHERE code = $1`, code)
	c, err := scanCaptcha(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading captcha %s: %w", code, err)
	}
	return c, nil
}

// MarkCaptchaAnswered closes a Pending challenge as answered. A state
// miss returns domain.ErrNotFound so a late answer after expiry fails.
func (s *Store) MarkCaptchaAnswered(ctx context.Context, captchaID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captchas SET status = 'Answered', answered_at = NOW()
		 WHERE id = $1 AND status = 'Pending'`,
		captchaID)
	if err != nil {
		return fmt.Errorf("answering captcha %d: %w", captchaID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExpiredCaptchas returns Pending challenges whose TTL passed.
func (s *Store) ExpiredCaptchas(ctx context.Context) ([]*domain.Captcha, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+captchaColumns+` FROM captchas
		 WHERE status = 'Pending' AND expires_at <= NOW()`)
	if err != nil {
		return nil, fmt.Errorf("selecting expired captchas: %w", err)
	}
	defer rows.Close()

	var out []*domain.Captcha
	for rows.Next() {
		c, err := scanCaptcha(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning captcha: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCaptchaExpired closes a Pending challenge as expired and records
// the penalty taken. The state guard keeps the sweep idempotent.
func (s *Store) MarkCaptchaExpired(ctx context.Context, captchaID int64, pointsLost int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE captchas SET status = 'Expired', points_lost = $2
		 WHERE id = $1 AND status = 'Pending'`,
		captchaID, pointsLost)
	if err != nil {
		return fmt.Errorf("expiring captcha %d: %w", captchaID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
