package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

const assignmentColumns = `id, report_id, reviewer_id, dm_message_id, state, delivered_at, expires_at`

func scanAssignment(row interface{ Scan(...interface{}) error }) (*domain.Assignment, error) {
	var a domain.Assignment
	err := row.Scan(&a.ID, &a.ReportID, &a.ReviewerID, &a.DMMessageID, &a.State,
		&a.DeliveredAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAssignment creates a Delivered assignment, but only while the
// report holds fewer than maxOutstanding active ones. The count and the
// insert share a transaction so concurrent deliveries cannot oversubscribe
// the report; a full report returns domain.ErrNoSlotAvailable.
func (s *Store) InsertAssignment(ctx context.Context, reportID, reviewerID int64, expiresAt time.Time, maxOutstanding int) (*domain.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning assignment tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the report row so concurrent deliveries serialize on the count.
	var locked int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM reports WHERE id = $1 FOR UPDATE`, reportID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking report %d: %w", reportID, err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments
		 WHERE report_id = $1 AND state IN ('Delivered', 'Accepted')`,
		reportID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("counting active assignments of report %d: %w", reportID, err)
	}
	if active >= maxOutstanding {
		return nil, domain.ErrNoSlotAvailable
	}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO assignments (report_id, reviewer_id, state, expires_at)
		 VALUES ($1, $2, 'Delivered', $3)
		 RETURNING `+assignmentColumns,
		reportID, reviewerID, expiresAt)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, fmt.Errorf("inserting assignment for report %d: %w", reportID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing assignment for report %d: %w", reportID, err)
	}
	return a, nil
}

// SetAssignmentDMMessage records the platform message id of the delivery DM.
func (s *Store) SetAssignmentDMMessage(ctx context.Context, assignmentID, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET dm_message_id = $2 WHERE id = $1`, assignmentID, messageID)
	if err != nil {
		return fmt.Errorf("recording DM of assignment %d: %w", assignmentID, err)
	}
	return nil
}

// ActiveAssignment returns the reviewer's Delivered or Accepted assignment
// on the report, or domain.ErrNotFound.
func (s *Store) ActiveAssignment(ctx context.Context, reportID, reviewerID int64) (*domain.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+`
		 FROM assignments
		 WHERE report_id = $1 AND reviewer_id = $2 AND state IN ('Delivered', 'Accepted')
		 ORDER BY id DESC LIMIT 1`,
		reportID, reviewerID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading active assignment of %d on report %d: %w", reviewerID, reportID, err)
	}
	return a, nil
}

// AcceptAssignment moves a Delivered assignment to Accepted and resets
// its deadline to the vote deadline. A state miss returns
// domain.ErrNotFound.
func (s *Store) AcceptAssignment(ctx context.Context, assignmentID int64, voteDeadline time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET state = 'Accepted', expires_at = $2
		 WHERE id = $1 AND state = 'Delivered'`,
		assignmentID, voteDeadline)
	if err != nil {
		return fmt.Errorf("accepting assignment %d: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DispenseAssignment moves an active assignment to Dispensed.
func (s *Store) DispenseAssignment(ctx context.Context, assignmentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET state = 'Dispensed'
		 WHERE id = $1 AND state IN ('Delivered', 'Accepted')`,
		assignmentID)
	if err != nil {
		return fmt.Errorf("dispensing assignment %d: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAssignmentVoted closes the reviewer's active assignment on a report
// after their vote lands.
func (s *Store) MarkAssignmentVoted(ctx context.Context, reportID, reviewerID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET state = 'Voted'
		 WHERE report_id = $1 AND reviewer_id = $2 AND state IN ('Delivered', 'Accepted')`,
		reportID, reviewerID)
	if err != nil {
		return fmt.Errorf("closing assignment of %d on report %d: %w", reviewerID, reportID, err)
	}
	return nil
}

// ExpiredDelivered returns Delivered assignments whose TTL passed.
func (s *Store) ExpiredDelivered(ctx context.Context) ([]*domain.Assignment, error) {
	return s.assignmentsPast(ctx, "Delivered")
}

// StaleAccepted returns Accepted assignments whose vote deadline passed
// without a vote.
func (s *Store) StaleAccepted(ctx context.Context) ([]*domain.Assignment, error) {
	return s.assignmentsPast(ctx, "Accepted")
}

func (s *Store) assignmentsPast(ctx context.Context, state string) ([]*domain.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+`
		 FROM assignments
		 WHERE state = $1 AND expires_at <= NOW()`,
		state)
	if err != nil {
		return nil, fmt.Errorf("selecting overdue %s assignments: %w", state, err)
	}
	defer rows.Close()

	var out []*domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAssignmentExpired moves a Delivered assignment to Expired. The
// state guard makes the sweep idempotent against a concurrent accept.
func (s *Store) MarkAssignmentExpired(ctx context.Context, assignmentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET state = 'Expired' WHERE id = $1 AND state = 'Delivered'`,
		assignmentID)
	if err != nil {
		return fmt.Errorf("expiring assignment %d: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAssignmentInactive moves an Accepted assignment to Inactive.
func (s *Store) MarkAssignmentInactive(ctx context.Context, assignmentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET state = 'Inactive' WHERE id = $1 AND state = 'Accepted'`,
		assignmentID)
	if err != nil {
		return fmt.Errorf("marking assignment %d inactive: %w", assignmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// OutstandingDeliveries counts a report's Delivered assignments still
// within their TTL. The scheduler treats each as prospective weight 1.
func (s *Store) OutstandingDeliveries(ctx context.Context, reportID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments
		 WHERE report_id = $1 AND state = 'Delivered' AND expires_at > NOW()`,
		reportID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open deliveries of report %d: %w", reportID, err)
	}
	return n, nil
}

// ActiveAssignmentCount returns how many Delivered or Accepted
// assignments the report holds.
func (s *Store) ActiveAssignmentCount(ctx context.Context, reportID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments
		 WHERE report_id = $1 AND state IN ('Delivered', 'Accepted')`,
		reportID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active assignments of report %d: %w", reportID, err)
	}
	return n, nil
}
