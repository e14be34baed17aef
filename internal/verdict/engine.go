package verdict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
)

// AppealWindow is how long after finalization the accused may appeal.
const AppealWindow = 24 * time.Hour

// punishBackoff is the retry schedule after a failed punishment attempt.
var punishBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 5 * time.Second}

// Store is the persistence surface the verdict engine needs.
type Store interface {
	GetReviewer(ctx context.Context, id int64) (*domain.Reviewer, error)
	GetReportByHash(ctx context.Context, hash string) (*domain.Report, error)
	ActiveAssignment(ctx context.Context, reportID, reviewerID int64) (*domain.Assignment, error)
	InsertVote(ctx context.Context, reportID, reviewerID int64, choice domain.VoteChoice) (*domain.Vote, error)
	MarkAssignmentVoted(ctx context.Context, reportID, reviewerID int64) error
	WeightedTally(ctx context.Context, reportID int64) (domain.Tally, error)
	FinalizeReport(ctx context.Context, reportID int64, verdict domain.Verdict) error
	UnpaidVotes(ctx context.Context, reportID int64) ([]*domain.Vote, error)
	MarkVotePaid(ctx context.Context, voteID int64) error
	AddPoints(ctx context.Context, id int64, points, xp int) error
	GetServerConfig(ctx context.Context, guildID int64) (*domain.ServerConfig, error)
	InsertPunishmentLog(ctx context.Context, p *domain.PunishmentLog) error
	MarkAppealed(ctx context.Context, reportID int64, window time.Duration) error
}

// Engine casts votes, finalizes reports and executes verdicts.
type Engine struct {
	store    Store
	adapter  chat.Adapter
	dm       *circuitbreaker.CircuitBreaker
	punish   *circuitbreaker.CircuitBreaker
	bus      events.Emitter
	metrics  *metrics.Metrics
	defaults config.PunishmentConfig
	required int
	logger   *log.Logger

	executions sync.WaitGroup
}

// New wires a verdict engine. required is the weighted vote threshold
// that triggers finalization.
func New(store Store, adapter chat.Adapter, breakers *circuitbreaker.GatewayBreakers, bus events.Emitter, m *metrics.Metrics, defaults config.PunishmentConfig, required int) *Engine {
	return &Engine{
		store:    store,
		adapter:  adapter,
		dm:       breakers.DM,
		punish:   breakers.Punish,
		bus:      bus,
		metrics:  m,
		defaults: defaults,
		required: required,
		logger:   log.New(log.Writer(), "[VERDICT] ", log.LstdFlags),
	}
}

// CastVote records a reviewer's vote on a report and finalizes the
// report once the weighted tally reaches the threshold.
func (e *Engine) CastVote(ctx context.Context, hash string, reviewerID int64, choice domain.VoteChoice) error {
	if !choice.Valid() {
		return fmt.Errorf("choice %q: %w", choice, domain.ErrNotAuthorized)
	}

	reviewer, err := e.store.GetReviewer(ctx, reviewerID)
	if err != nil {
		return err
	}
	if !reviewer.Tier.CanReview() {
		return fmt.Errorf("reviewer %d is %s: %w", reviewerID, reviewer.Tier, domain.ErrNotAuthorized)
	}

	report, err := e.store.GetReportByHash(ctx, hash)
	if err != nil {
		return err
	}
	if report.Status != domain.StatusInAnalysis && report.Status != domain.StatusAppealed {
		return fmt.Errorf("report %s is %s: %w", hash, report.Status, domain.ErrReportClosed)
	}

	// Only a reviewer who accepted the report may vote on it. A
	// still-Delivered assignment means the review button was skipped.
	assignment, err := e.store.ActiveAssignment(ctx, report.ID, reviewerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reviewer %d holds no assignment on %s: %w", reviewerID, hash, domain.ErrNotAuthorized)
		}
		return err
	}
	if assignment.State != domain.AssignmentAccepted {
		return fmt.Errorf("assignment %d is %s: %w", assignment.ID, assignment.State, domain.ErrNotAuthorized)
	}

	if _, err := e.store.InsertVote(ctx, report.ID, reviewerID, choice); err != nil {
		return err
	}
	if err := e.store.MarkAssignmentVoted(ctx, report.ID, reviewerID); err != nil {
		e.logger.Printf("closing assignment of %d on %s: %v", reviewerID, hash, err)
	}

	e.metrics.Votes.WithLabelValues(string(choice)).Inc()
	e.bus.Emit(events.TypeVoteCast, "verdict", hash, map[string]interface{}{
		"reviewer_id": reviewerID,
		"choice":      string(choice),
	})
	e.logger.Printf("vote %s on report %s by reviewer %d (weight %d)", choice, hash, reviewerID, reviewer.Tier.VoteWeight())

	tally, err := e.store.WeightedTally(ctx, report.ID)
	if err != nil {
		return err
	}
	if tally.Total() < e.required {
		return nil
	}
	return e.finalize(ctx, report, tally)
}

// finalize closes the report and carries out the verdict. The CAS update
// makes concurrent finalizers race safely: the loser sees ErrReportClosed
// and stops.
func (e *Engine) finalize(ctx context.Context, report *domain.Report, tally domain.Tally) error {
	v := Determine(tally)

	if err := e.store.FinalizeReport(ctx, report.ID, v); err != nil {
		if errors.Is(err, domain.ErrReportClosed) {
			return nil
		}
		return err
	}

	e.metrics.Verdicts.WithLabelValues(string(v)).Inc()
	e.bus.Emit(events.TypeReportFinalized, "verdict", report.Hash, map[string]interface{}{
		"verdict":     string(v),
		"ok":          tally.OK,
		"intimidated": tally.Intimidated,
		"grave":       tally.Grave,
	})
	e.logger.Printf("report %s finalized: %s (OK=%d Intim=%d Grave=%d)",
		report.Hash, v, tally.OK, tally.Intimidated, tally.Grave)

	if err := e.payoutVotes(ctx, report.ID); err != nil {
		e.logger.Printf("paying votes of report %s: %v", report.Hash, err)
	}

	// Execution runs detached; the voter's request must not wait on the
	// gateway's retry schedule.
	e.executions.Add(1)
	go e.execute(report, v)
	return nil
}

// payoutVotes credits each unpaid vote its XP reward exactly once.
func (e *Engine) payoutVotes(ctx context.Context, reportID int64) error {
	votes, err := e.store.UnpaidVotes(ctx, reportID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		xp := v.Choice.ExperienceReward()
		if err := e.store.AddPoints(ctx, v.ReviewerID, 0, xp); err != nil {
			e.logger.Printf("crediting %d XP to reviewer %d: %v", xp, v.ReviewerID, err)
			continue
		}
		if err := e.store.MarkVotePaid(ctx, v.ID); err != nil {
			e.logger.Printf("marking vote %d paid: %v", v.ID, err)
			continue
		}
		e.metrics.XPDistributed.Add(float64(xp))
	}
	return nil
}

// execute applies the punishment, writes the audit trail and notifies
// the accused of the appeal window.
func (e *Engine) execute(report *domain.Report, v domain.Verdict) {
	defer e.executions.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// A dismissed report ends silently: no timeout, no DM to the accused.
	if !v.Punishes() {
		return
	}

	override, err := e.store.GetServerConfig(ctx, report.GuildID)
	if err != nil {
		e.logger.Printf("loading config of guild %d: %v", report.GuildID, err)
		override = nil
	}
	duration := Duration(v, e.defaults, override, report.IsPremium)

	if err := e.applyPunishment(ctx, report, v, duration); err != nil {
		e.logger.Printf("punishing accused %d for report %s: %v", report.AccusedID, report.Hash, err)
	} else {
		e.metrics.PunishmentsApplied.WithLabelValues(string(v)).Inc()
		e.bus.Emit(events.TypePunishmentApplied, "verdict", report.Hash, map[string]interface{}{
			"accused_id":     report.AccusedID,
			"verdict":        string(v),
			"duration_hours": duration.Hours(),
		})

		logEntry := &domain.PunishmentLog{
			ReportID:  report.ID,
			GuildID:   report.GuildID,
			AccusedID: report.AccusedID,
			Verdict:   v,
			Duration:  duration,
			AppliedAt: time.Now().UTC(),
		}
		if err := e.store.InsertPunishmentLog(ctx, logEntry); err != nil {
			e.logger.Printf("logging punishment of report %s: %v", report.Hash, err)
		}
		e.postAuditLog(ctx, report, v, duration)
	}

	e.sendAppealNotice(ctx, report, v, duration)
}

// applyPunishment waits for the gateway and retries on the fixed backoff
// schedule before giving up.
func (e *Engine) applyPunishment(ctx context.Context, report *domain.Report, v domain.Verdict, duration time.Duration) error {
	if err := e.adapter.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for gateway: %w", err)
	}

	// Confirm the guild and the accused are still there before burning
	// retries on a timeout that can never land.
	if _, err := e.adapter.ResolveGuild(ctx, report.GuildID); err != nil {
		return fmt.Errorf("resolving guild %d: %w", report.GuildID, err)
	}
	if _, err := e.adapter.ResolveMember(ctx, report.GuildID, report.AccusedID); err != nil {
		return fmt.Errorf("resolving member %d: %w", report.AccusedID, err)
	}

	reason := fmt.Sprintf("Report %s: %s", report.Hash, v)
	var lastErr error
	for attempt := 0; ; attempt++ {
		_, lastErr = e.punish.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, e.adapter.ApplyTimeout(ctx, report.GuildID, report.AccusedID, duration, reason)
		})
		if lastErr == nil {
			return nil
		}
		if attempt >= len(punishBackoff) {
			break
		}
		e.metrics.PunishmentRetries.Inc()
		select {
		case <-time.After(punishBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if errors.Is(lastErr, circuitbreaker.ErrCircuitOpen) {
		return fmt.Errorf("%w: %v", domain.ErrAdapterUnreachable, lastErr)
	}
	return lastErr
}

// postAuditLog posts the verdict embed to the guild's configured log
// channel, when one is set.
func (e *Engine) postAuditLog(ctx context.Context, report *domain.Report, v domain.Verdict, duration time.Duration) {
	cfg, err := e.store.GetServerConfig(ctx, report.GuildID)
	if err != nil || cfg.LogChannelID == 0 {
		return
	}
	msg := chat.ChannelMessage{
		Title: "Verdict reached",
		Body:  fmt.Sprintf("Report `%s` closed.", report.Hash),
		Fields: []chat.Field{
			{Name: "Verdict", Value: string(v)},
			{Name: "Duration", Value: duration.String()},
		},
	}
	if _, err := e.adapter.PostChannelMessage(ctx, cfg.LogChannelID, msg); err != nil {
		e.logger.Printf("posting audit log for report %s: %v", report.Hash, err)
	}
}

// sendAppealNotice tells the accused the outcome and offers the appeal
// button for the appeal window.
func (e *Engine) sendAppealNotice(ctx context.Context, report *domain.Report, v domain.Verdict, duration time.Duration) {
	dm := chat.DM{
		Title: "A report against you was decided",
		Body:  fmt.Sprintf("Verdict: %s. You may appeal within %s.", v, AppealWindow),
		Fields: []chat.Field{
			{Name: "Report", Value: report.Hash},
		},
		Buttons: []chat.Button{
			{Label: "Appeal", Action: "appeal", Ref: report.Hash},
		},
	}
	if duration > 0 {
		dm.Fields = append(dm.Fields, chat.Field{Name: "Duration", Value: duration.String()})
	}
	_, err := e.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return e.adapter.SendDM(ctx, report.AccusedID, dm)
	})
	if err != nil {
		e.logger.Printf("notifying accused %d of report %s: %v", report.AccusedID, report.Hash, err)
	}
}

// Appeal reopens a finalized report at the accused's request. The appeal
// keeps the existing votes; the distributor hands the report only to
// reviewers who have not voted yet.
func (e *Engine) Appeal(ctx context.Context, hash string, requesterID int64) error {
	report, err := e.store.GetReportByHash(ctx, hash)
	if err != nil {
		return err
	}
	if requesterID != report.AccusedID {
		return fmt.Errorf("requester %d is not the accused: %w", requesterID, domain.ErrNotAuthorized)
	}

	if err := e.store.MarkAppealed(ctx, report.ID, AppealWindow); err != nil {
		return err
	}

	e.metrics.Appeals.Inc()
	e.bus.Emit(events.TypeReportAppealed, "verdict", hash, map[string]interface{}{
		"accused_id": report.AccusedID,
	})
	e.logger.Printf("report %s reopened on appeal", hash)
	return nil
}

// Drain waits for detached verdict executions to finish, up to ctx.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.executions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
