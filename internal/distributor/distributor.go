// Package distributor schedules report deliveries: it picks the next
// report each tick, chooses eligible reviewers by tier fallback, sends
// the review DMs and runs the TTL and inactivity sweeps.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
)

// Store is the persistence surface the distributor needs.
type Store interface {
	NextDistributable(ctx context.Context, requiredWeight, maxOutstanding int, captureGrace time.Duration) (*domain.Report, error)
	GetReport(ctx context.Context, id int64) (*domain.Report, error)
	GetReportByHash(ctx context.Context, hash string) (*domain.Report, error)
	TransitionStatus(ctx context.Context, reportID int64, from, to domain.ReportStatus) error
	CountOnDutyByTier(ctx context.Context, tiers []domain.Tier) (int, error)
	EligibleReviewers(ctx context.Context, reportID, reporterID, accusedID int64, tiers []domain.Tier, limit int) ([]*domain.Reviewer, error)
	ActiveAssignmentCount(ctx context.Context, reportID int64) (int, error)
	WeightedTally(ctx context.Context, reportID int64) (domain.Tally, error)
	OutstandingDeliveries(ctx context.Context, reportID int64) (int, error)
	InsertAssignment(ctx context.Context, reportID, reviewerID int64, expiresAt time.Time, maxOutstanding int) (*domain.Assignment, error)
	SetAssignmentDMMessage(ctx context.Context, assignmentID, messageID int64) error
	ActiveAssignment(ctx context.Context, reportID, reviewerID int64) (*domain.Assignment, error)
	AcceptAssignment(ctx context.Context, assignmentID int64, voteDeadline time.Time) error
	DispenseAssignment(ctx context.Context, assignmentID int64) error
	MarkAssignmentExpired(ctx context.Context, assignmentID int64) error
	MarkAssignmentInactive(ctx context.Context, assignmentID int64) error
	ExpiredDelivered(ctx context.Context) ([]*domain.Assignment, error)
	StaleAccepted(ctx context.Context) ([]*domain.Assignment, error)
	SetDispenseCooldown(ctx context.Context, id int64, until time.Time) error
	SetInactivityCooldown(ctx context.Context, id int64, until time.Time) error
	AddPoints(ctx context.Context, id int64, points, xp int) error
	CapturedMessages(ctx context.Context, reportID int64) ([]*domain.CapturedMessage, error)
}

// TickLocker serializes ticks across replicas. A nil locker means
// single-node operation.
type TickLocker interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
}

// Distributor is the assignment scheduler.
type Distributor struct {
	store   Store
	adapter chat.Adapter
	dm      *circuitbreaker.CircuitBreaker
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     config.DistributorConfig
	locker  TickLocker
	logger  *log.Logger

	kickCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a distributor.
func New(store Store, adapter chat.Adapter, breakers *circuitbreaker.GatewayBreakers, bus *events.Bus, m *metrics.Metrics, cfg config.DistributorConfig, locker TickLocker) *Distributor {
	return &Distributor{
		store:   store,
		adapter: adapter,
		dm:      breakers.DM,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		locker:  locker,
		logger:  log.New(log.Writer(), "[DISTRIBUTOR] ", log.LstdFlags),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the tick loop and the sweep loop. Bus events that make
// new work possible kick an immediate tick.
func (d *Distributor) Start() {
	sub := d.bus.Subscribe(
		events.TypeReportSubmitted,
		events.TypeReportCaptured,
		events.TypeReportAppealed,
		events.TypeAssignmentDispensed,
		events.TypeAssignmentExpired,
		events.TypeAssignmentInactive,
		events.TypeVoteCast,
		events.TypeShiftChanged,
	)
	go d.run(sub)
	d.logger.Printf("started (tick %s, sweep %s)", d.cfg.TickInterval, d.cfg.SweepInterval)
}

func (d *Distributor) run(sub chan *events.Event) {
	defer close(d.doneCh)
	defer d.bus.Unsubscribe(sub)

	tick := time.NewTicker(d.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-tick.C:
			d.tick()
		case <-d.kickCh:
			d.tick()
		case <-sweep.C:
			d.sweepExpired()
			d.sweepInactive()
		case _, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce: one pending kick is enough.
			select {
			case d.kickCh <- struct{}{}:
			default:
			}
		}
	}
}

// Stop halts the loops and waits for the current tick to finish.
func (d *Distributor) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.logger.Printf("stopped")
}

// Kick requests an immediate tick.
func (d *Distributor) Kick() {
	select {
	case d.kickCh <- struct{}{}:
	default:
	}
}

// tick processes at most one report. When a locker is configured only
// one replica wins the tick.
func (d *Distributor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TickInterval)
	defer cancel()

	if d.locker != nil {
		ok, err := d.locker.TryLock(ctx, d.cfg.TickInterval)
		if err != nil {
			d.logger.Printf("acquiring tick lock: %v", err)
			return
		}
		if !ok {
			return
		}
	}

	report, err := d.store.NextDistributable(ctx, d.cfg.RequiredWeight, d.cfg.MaxOutstanding, d.cfg.CaptureGrace)
	if err != nil {
		d.logger.Printf("selecting report: %v", err)
		return
	}
	if report == nil {
		return
	}
	if err := d.distribute(ctx, report); err != nil {
		d.logger.Printf("distributing report %s: %v", report.Hash, err)
	}
}

// tiersFor resolves the tier fallback ladder for a report.
// Guardians handle reports alone. Moderators (and Administrators, who
// ride with them) join when the report has aged past the fallback
// window, or on a premium guild with a thin Guardian bench. With no
// Guardian on duty, Moderators and Administrators carry the load alone.
func (d *Distributor) tiersFor(ctx context.Context, report *domain.Report) ([]domain.Tier, error) {
	guardians, err := d.store.CountOnDutyByTier(ctx, []domain.Tier{domain.TierGuardian})
	if err != nil {
		return nil, err
	}

	if guardians == 0 {
		return []domain.Tier{domain.TierModerator, domain.TierAdministrator}, nil
	}

	age := time.Since(report.CreatedAt)
	if age > d.cfg.ModeratorAfter || (report.IsPremium && guardians < 2) {
		return []domain.Tier{domain.TierGuardian, domain.TierModerator, domain.TierAdministrator}, nil
	}
	return []domain.Tier{domain.TierGuardian}, nil
}

func (d *Distributor) distribute(ctx context.Context, report *domain.Report) error {
	tiers, err := d.tiersFor(ctx, report)
	if err != nil {
		return err
	}

	// Deliveries top the report up to the required weight: cast votes
	// count at their tier weight, each open delivery as a prospective 1.
	// Over-delivering when an open delivery expires is fine; handing out
	// fewer would strand the report short of a verdict.
	tally, err := d.store.WeightedTally(ctx, report.ID)
	if err != nil {
		return err
	}
	outstanding, err := d.store.OutstandingDeliveries(ctx, report.ID)
	if err != nil {
		return err
	}
	needed := d.cfg.RequiredWeight - tally.Total() - outstanding
	if needed <= 0 {
		return nil
	}

	active, err := d.store.ActiveAssignmentCount(ctx, report.ID)
	if err != nil {
		return err
	}
	slots := d.cfg.MaxOutstanding - active
	if slots <= 0 {
		return nil
	}
	if needed > slots {
		needed = slots
	}

	candidates, err := d.store.EligibleReviewers(ctx, report.ID, report.ReporterID, report.AccusedID, tiers, needed)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	delivered := 0
	for _, reviewer := range candidates {
		if err := d.deliver(ctx, report, reviewer); err != nil {
			if errors.Is(err, domain.ErrNoSlotAvailable) {
				break
			}
			d.logger.Printf("delivering report %s to reviewer %d: %v", report.Hash, reviewer.ID, err)
			continue
		}
		delivered++
	}

	if delivered > 0 && report.Status == domain.StatusPending {
		// First delivery moves the report into analysis. A miss means a
		// concurrent tick already did it.
		if err := d.store.TransitionStatus(ctx, report.ID, domain.StatusPending, domain.StatusInAnalysis); err != nil &&
			!errors.Is(err, domain.ErrReportClosed) {
			return err
		}
	}
	return nil
}

// deliver creates the assignment and sends the review DM. A failed DM
// expires the assignment immediately so the slot frees for the next tick.
func (d *Distributor) deliver(ctx context.Context, report *domain.Report, reviewer *domain.Reviewer) error {
	expiresAt := time.Now().UTC().Add(d.cfg.DeliveryTTL)
	assignment, err := d.store.InsertAssignment(ctx, report.ID, reviewer.ID, expiresAt, d.cfg.MaxOutstanding)
	if err != nil {
		return err
	}

	dm := chat.DM{
		Title: "New report to review",
		Body:  fmt.Sprintf("Report `%s` awaits your review. Accept within %s.", report.Hash, d.cfg.DeliveryTTL),
		Fields: []chat.Field{
			{Name: "Reason", Value: report.Reason},
		},
		Buttons: []chat.Button{
			{Label: "Review", Action: "accept", Ref: report.Hash},
			{Label: "Dispense", Action: "dispense", Ref: report.Hash},
		},
	}

	result, err := d.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return d.adapter.SendDM(ctx, reviewer.ID, dm)
	})
	if err != nil {
		d.metrics.DeliveryFailures.Inc()
		if expErr := d.store.MarkAssignmentExpired(ctx, assignment.ID); expErr != nil {
			d.logger.Printf("expiring undeliverable assignment %d: %v", assignment.ID, expErr)
		}
		return fmt.Errorf("sending review DM: %w", err)
	}
	messageID := result.(int64)

	if err := d.store.SetAssignmentDMMessage(ctx, assignment.ID, messageID); err != nil {
		d.logger.Printf("recording DM of assignment %d: %v", assignment.ID, err)
	}

	d.metrics.Deliveries.WithLabelValues(string(reviewer.Tier)).Inc()
	d.bus.Emit(events.TypeAssignmentDelivered, "distributor", report.Hash, map[string]interface{}{
		"reviewer_id": reviewer.ID,
		"tier":        string(reviewer.Tier),
	})
	d.logger.Printf("report %s delivered to reviewer %d (%s)", report.Hash, reviewer.ID, reviewer.Tier)
	return nil
}

// Accept moves the reviewer's assignment to Accepted and returns the
// anonymized evidence view. The vote deadline replaces the delivery TTL.
func (d *Distributor) Accept(ctx context.Context, hash string, reviewerID int64) ([]EvidenceLine, error) {
	report, err := d.store.GetReportByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	assignment, err := d.store.ActiveAssignment(ctx, report.ID, reviewerID)
	if err != nil {
		return nil, err
	}
	if assignment.State != domain.AssignmentDelivered {
		return nil, fmt.Errorf("assignment %d is %s: %w", assignment.ID, assignment.State, domain.ErrNotFound)
	}

	deadline := time.Now().UTC().Add(d.cfg.DeliveryTTL)
	if err := d.store.AcceptAssignment(ctx, assignment.ID, deadline); err != nil {
		return nil, err
	}

	d.bus.Emit(events.TypeAssignmentAccepted, "distributor", hash, map[string]interface{}{
		"reviewer_id": reviewerID,
	})

	// Flip the review DM to the vote panel, best-effort.
	if assignment.DMMessageID != 0 {
		voteDM := chat.DM{
			Title: "Cast your vote",
			Body:  fmt.Sprintf("Report `%s`. Vote before %s.", hash, deadline.Format(time.RFC3339)),
			Buttons: []chat.Button{
				{Label: "OK", Action: "vote_ok", Ref: hash},
				{Label: "Intimidated", Action: "vote_intimidated", Ref: hash},
				{Label: "Grave", Action: "vote_grave", Ref: hash},
			},
		}
		_, err := d.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, d.adapter.EditDM(ctx, reviewerID, assignment.DMMessageID, voteDM)
		})
		if err != nil {
			d.logger.Printf("editing DM %d of reviewer %d: %v", assignment.DMMessageID, reviewerID, err)
		}
	}

	msgs, err := d.store.CapturedMessages(ctx, report.ID)
	if err != nil {
		return nil, err
	}
	return Anonymize(msgs, report.AccusedID), nil
}

// Dispense releases the reviewer's assignment and applies the dispense
// cooldown. The review DM is deleted best-effort.
func (d *Distributor) Dispense(ctx context.Context, hash string, reviewerID int64) error {
	report, err := d.store.GetReportByHash(ctx, hash)
	if err != nil {
		return err
	}

	assignment, err := d.store.ActiveAssignment(ctx, report.ID, reviewerID)
	if err != nil {
		return err
	}
	if err := d.store.DispenseAssignment(ctx, assignment.ID); err != nil {
		return err
	}

	until := time.Now().UTC().Add(d.cfg.DispenseCooldown)
	if err := d.store.SetDispenseCooldown(ctx, reviewerID, until); err != nil {
		d.logger.Printf("setting dispense cooldown of reviewer %d: %v", reviewerID, err)
	}

	d.deleteDM(ctx, reviewerID, assignment.DMMessageID)

	d.metrics.Dispenses.Inc()
	d.bus.Emit(events.TypeAssignmentDispensed, "distributor", hash, map[string]interface{}{
		"reviewer_id": reviewerID,
	})
	d.logger.Printf("report %s dispensed by reviewer %d", hash, reviewerID)
	return nil
}

// sweepExpired expires Delivered assignments past their TTL and removes
// their DMs.
func (d *Distributor) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SweepInterval)
	defer cancel()

	overdue, err := d.store.ExpiredDelivered(ctx)
	if err != nil {
		d.logger.Printf("selecting expired deliveries: %v", err)
		return
	}

	for _, a := range overdue {
		if err := d.store.MarkAssignmentExpired(ctx, a.ID); err != nil {
			// A concurrent accept won the race; skip.
			continue
		}
		d.deleteDM(ctx, a.ReviewerID, a.DMMessageID)
		d.metrics.Expiries.Inc()
		d.emitForReport(ctx, a.ReportID, events.TypeAssignmentExpired, a.ReviewerID)
	}
}

// sweepInactive strikes Accepted assignments whose vote deadline passed:
// the assignment closes, the reviewer loses points and XP and sits out
// the inactivity cooldown.
func (d *Distributor) sweepInactive() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SweepInterval)
	defer cancel()

	stale, err := d.store.StaleAccepted(ctx)
	if err != nil {
		d.logger.Printf("selecting stale accepts: %v", err)
		return
	}

	for _, a := range stale {
		if err := d.store.MarkAssignmentInactive(ctx, a.ID); err != nil {
			continue
		}
		if err := d.store.AddPoints(ctx, a.ReviewerID, -d.cfg.InactivityPoints, -d.cfg.InactivityXP); err != nil {
			d.logger.Printf("penalizing reviewer %d: %v", a.ReviewerID, err)
		}
		until := time.Now().UTC().Add(d.cfg.InactivityCooldown)
		if err := d.store.SetInactivityCooldown(ctx, a.ReviewerID, until); err != nil {
			d.logger.Printf("setting inactivity cooldown of reviewer %d: %v", a.ReviewerID, err)
		}
		d.deleteDM(ctx, a.ReviewerID, a.DMMessageID)
		d.metrics.InactivityStrikes.Inc()
		d.emitForReport(ctx, a.ReportID, events.TypeAssignmentInactive, a.ReviewerID)
		d.logger.Printf("reviewer %d struck for inactivity on report %d", a.ReviewerID, a.ReportID)
	}
}

func (d *Distributor) deleteDM(ctx context.Context, reviewerID, messageID int64) {
	if messageID == 0 {
		return
	}
	_, err := d.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, d.adapter.DeleteDM(ctx, reviewerID, messageID)
	})
	if err != nil {
		d.logger.Printf("deleting DM %d of reviewer %d: %v", messageID, reviewerID, err)
	}
}

func (d *Distributor) emitForReport(ctx context.Context, reportID int64, eventType string, reviewerID int64) {
	subject := fmt.Sprintf("report-%d", reportID)
	if r, err := d.store.GetReport(ctx, reportID); err == nil {
		subject = r.Hash
	}
	d.bus.Emit(eventType, "distributor", subject, map[string]interface{}{
		"reviewer_id": reviewerID,
	})
}
