package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/guardiao/backend/internal/domain"
)

// InsertCapturedMessages persists the evidence snapshot of a report in
// one transaction. The set is written once and never amended.
func (s *Store) InsertCapturedMessages(ctx context.Context, reportID int64, msgs []*domain.CapturedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning capture tx for report %d: %w", reportID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO captured_messages (report_id, author_id, content, attachment_urls, sent_at)
		 VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("preparing capture insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, reportID, m.AuthorID, m.Content,
			pq.Array(m.AttachmentURLs), m.SentAt); err != nil {
			return fmt.Errorf("inserting captured message for report %d: %w", reportID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing capture for report %d: %w", reportID, err)
	}
	return nil
}

// CapturedMessages returns a report's evidence, newest first.
func (s *Store) CapturedMessages(ctx context.Context, reportID int64) ([]*domain.CapturedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, author_id, content, attachment_urls, sent_at
		 FROM captured_messages
		 WHERE report_id = $1
		 ORDER BY sent_at DESC, id DESC`,
		reportID)
	if err != nil {
		return nil, fmt.Errorf("loading captured messages of report %d: %w", reportID, err)
	}
	defer rows.Close()

	var out []*domain.CapturedMessage
	for rows.Next() {
		var m domain.CapturedMessage
		if err := rows.Scan(&m.ID, &m.ReportID, &m.AuthorID, &m.Content,
			pq.Array(&m.AttachmentURLs), &m.SentAt); err != nil {
			return nil, fmt.Errorf("scanning captured message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CapturedMessageCount returns how many messages a report captured.
func (s *Store) CapturedMessageCount(ctx context.Context, reportID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM captured_messages WHERE report_id = $1`, reportID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting captured messages of report %d: %w", reportID, err)
	}
	return n, nil
}
