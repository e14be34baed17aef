package store

import (
	"context"
	"fmt"

	"github.com/guardiao/backend/internal/domain"
)

// InsertVote records a reviewer's vote. A second vote by the same
// reviewer on the same report hits the unique key and surfaces as
// domain.ErrDuplicateVote.
func (s *Store) InsertVote(ctx context.Context, reportID, reviewerID int64, choice domain.VoteChoice) (*domain.Vote, error) {
	var v domain.Vote
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO votes (report_id, reviewer_id, choice)
		 VALUES ($1, $2, $3)
		 RETURNING id, report_id, reviewer_id, choice, xp_awarded, cast_at`,
		reportID, reviewerID, choice).
		Scan(&v.ID, &v.ReportID, &v.ReviewerID, &v.Choice, &v.XPAwarded, &v.CastAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateVote
		}
		return nil, fmt.Errorf("inserting vote on report %d by %d: %w", reportID, reviewerID, err)
	}
	return &v, nil
}

// HasVoted reports whether the reviewer already voted on the report.
func (s *Store) HasVoted(ctx context.Context, reportID, reviewerID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM votes WHERE report_id = $1 AND reviewer_id = $2)`,
		reportID, reviewerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking vote of %d on report %d: %w", reviewerID, reportID, err)
	}
	return exists, nil
}

// WeightedTally sums vote weights per choice for a report. Weights come
// from the voter's current tier.
func (s *Store) WeightedTally(ctx context.Context, reportID int64) (domain.Tally, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.choice, SUM(CASE WHEN r.tier IN ('Moderator', 'Administrator') THEN 5 ELSE 1 END)
		 FROM votes v JOIN reviewers r ON r.id = v.reviewer_id
		 WHERE v.report_id = $1
		 GROUP BY v.choice`,
		reportID)
	if err != nil {
		return domain.Tally{}, fmt.Errorf("tallying report %d: %w", reportID, err)
	}
	defer rows.Close()

	var t domain.Tally
	for rows.Next() {
		var choice domain.VoteChoice
		var weight int
		if err := rows.Scan(&choice, &weight); err != nil {
			return domain.Tally{}, fmt.Errorf("scanning tally row: %w", err)
		}
		switch choice {
		case domain.VoteOK:
			t.OK = weight
		case domain.VoteIntimidated:
			t.Intimidated = weight
		case domain.VoteGrave:
			t.Grave = weight
		}
	}
	return t, rows.Err()
}

// UnpaidVotes returns the votes of a report that have not yet received
// their XP payout.
func (s *Store) UnpaidVotes(ctx context.Context, reportID int64) ([]*domain.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, reviewer_id, choice, xp_awarded, cast_at
		 FROM votes
		 WHERE report_id = $1 AND NOT xp_awarded`,
		reportID)
	if err != nil {
		return nil, fmt.Errorf("loading unpaid votes of report %d: %w", reportID, err)
	}
	defer rows.Close()

	var out []*domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ID, &v.ReportID, &v.ReviewerID, &v.Choice, &v.XPAwarded, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// MarkVotePaid flags one vote as having received its XP so an appeal
// round never pays it again.
func (s *Store) MarkVotePaid(ctx context.Context, voteID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE votes SET xp_awarded = TRUE WHERE id = $1`, voteID)
	if err != nil {
		return fmt.Errorf("marking vote %d paid: %w", voteID, err)
	}
	return nil
}
