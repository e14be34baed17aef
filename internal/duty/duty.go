// Package duty manages the reviewer side of the service: shifts and
// point accrual, promotion exams, liveness captchas, progression stats
// and administrative actions.
package duty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
)

// ErrWrongAnswer is returned when a captcha answer does not match.
var ErrWrongAnswer = errors.New("wrong captcha answer")

// Store is the persistence surface the duty engine needs.
type Store interface {
	GetReviewer(ctx context.Context, id int64) (*domain.Reviewer, error)
	CreateReviewer(ctx context.Context, id int64, username, displayName string) (*domain.Reviewer, error)
	SetTier(ctx context.Context, id int64, tier domain.Tier) error
	SetDuty(ctx context.Context, id int64, onDuty bool, shiftStart *time.Time) error
	AddPoints(ctx context.Context, id int64, points, xp int) error
	SetExamCooldown(ctx context.Context, id int64, until time.Time) error
	AccrueHourlyPoints(ctx context.Context, pointsPerHour int) (int64, error)
	ReviewersByTier(ctx context.Context, tiers []domain.Tier) ([]*domain.Reviewer, error)
	CaptchaCandidates(ctx context.Context, shiftThreshold, pendingWindow, answeredWindow time.Duration) ([]*domain.Reviewer, error)
	InsertCaptcha(ctx context.Context, c *domain.Captcha) (*domain.Captcha, error)
	GetCaptchaByCode(ctx context.Context, code string) (*domain.Captcha, error)
	MarkCaptchaAnswered(ctx context.Context, captchaID int64) error
	ExpiredCaptchas(ctx context.Context) ([]*domain.Captcha, error)
	MarkCaptchaExpired(ctx context.Context, captchaID int64, pointsLost int) error
}

// Engine runs the reviewer-facing operations and the background duty
// loops.
type Engine struct {
	store   Store
	adapter chat.Adapter
	dm      *circuitbreaker.CircuitBreaker
	bus     events.Emitter
	metrics *metrics.Metrics
	cfg     config.DutyConfig
	captcha config.CaptchaConfig
	logger  *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires a duty engine.
func New(store Store, adapter chat.Adapter, breakers *circuitbreaker.GatewayBreakers, bus events.Emitter, m *metrics.Metrics, cfg config.DutyConfig, captcha config.CaptchaConfig) *Engine {
	return &Engine{
		store:   store,
		adapter: adapter,
		dm:      breakers.DM,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		captcha: captcha,
		logger:  log.New(log.Writer(), "[DUTY] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the accrual, captcha issue and captcha sweep loops.
func (e *Engine) Start() {
	go e.run()
	e.logger.Printf("started (accrual %s, captcha issue %s)", e.cfg.AccrualInterval, e.captcha.IssueInterval)
}

func (e *Engine) run() {
	defer close(e.doneCh)

	accrue := time.NewTicker(e.cfg.AccrualInterval)
	defer accrue.Stop()
	issue := time.NewTicker(e.captcha.IssueInterval)
	defer issue.Stop()
	sweep := time.NewTicker(e.captcha.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-accrue.C:
			e.accrue()
		case <-issue.C:
			e.issueCaptchas()
		case <-sweep.C:
			e.sweepCaptchas()
		}
	}
}

// Stop halts the background loops.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.logger.Printf("stopped")
}

// Register creates a reviewer row at tier User.
func (e *Engine) Register(ctx context.Context, id int64, username, displayName string) (*domain.Reviewer, error) {
	r, err := e.store.CreateReviewer(ctx, id, username, displayName)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("reviewer %d (%s) registered", id, username)
	return r, nil
}

// StartShift puts a reviewer on duty. Only reviewing tiers may serve,
// and a blocking cooldown keeps them off the bench. Starting an already
// running shift is a no-op.
func (e *Engine) StartShift(ctx context.Context, id int64) error {
	r, err := e.store.GetReviewer(ctx, id)
	if err != nil {
		return err
	}
	if !r.Tier.CanReview() {
		return fmt.Errorf("reviewer %d is %s: %w", id, r.Tier, domain.ErrNotAuthorized)
	}
	if r.OnAnyCooldown(time.Now().UTC()) {
		return fmt.Errorf("reviewer %d: %w", id, domain.ErrOnCooldown)
	}
	if r.OnDuty {
		return nil
	}

	now := time.Now().UTC()
	if err := e.store.SetDuty(ctx, id, true, &now); err != nil {
		return err
	}

	e.metrics.ReviewersOnDuty.Inc()
	e.bus.Emit(events.TypeShiftChanged, "duty", fmt.Sprintf("%d", id), map[string]interface{}{
		"on_duty": true,
	})
	e.logger.Printf("reviewer %d started a shift", id)
	return nil
}

// ShiftReceipt summarizes a closed shift.
type ShiftReceipt struct {
	Duration time.Duration `json:"duration"`
	Points   int           `json:"points"`
	XP       int           `json:"xp"`
}

// EndShift takes a reviewer off duty and credits whole served hours.
// Ending without a running shift returns an empty receipt.
func (e *Engine) EndShift(ctx context.Context, id int64) (*ShiftReceipt, error) {
	r, err := e.store.GetReviewer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.OnDuty {
		return &ShiftReceipt{}, nil
	}

	receipt := &ShiftReceipt{}
	if r.ShiftStart != nil {
		receipt.Duration = time.Since(*r.ShiftStart)
		hours := int(math.Floor(receipt.Duration.Hours()))
		if hours > 0 {
			receipt.Points = hours * e.cfg.PointsPerHour
			receipt.XP = domain.PointsToXP(receipt.Points)
			if err := e.store.AddPoints(ctx, id, receipt.Points, receipt.XP); err != nil {
				return nil, err
			}
			e.metrics.ShiftPoints.Add(float64(receipt.Points))
		}
	}

	if err := e.store.SetDuty(ctx, id, false, nil); err != nil {
		return nil, err
	}

	e.metrics.ReviewersOnDuty.Dec()
	e.bus.Emit(events.TypeShiftChanged, "duty", fmt.Sprintf("%d", id), map[string]interface{}{
		"on_duty": false,
		"points":  receipt.Points,
	})
	e.logger.Printf("reviewer %d ended a shift of %s (%d points)", id, receipt.Duration.Round(time.Minute), receipt.Points)
	return receipt, nil
}

// accrue credits every reviewer past a full shift hour.
func (e *Engine) accrue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	credited, err := e.store.AccrueHourlyPoints(ctx, e.cfg.PointsPerHour)
	if err != nil {
		e.logger.Printf("accruing hourly points: %v", err)
		return
	}
	if credited > 0 {
		e.metrics.ShiftPoints.Add(float64(credited) * float64(e.cfg.PointsPerHour))
		e.logger.Printf("credited hourly points to %d reviewers", credited)
	}
}

// RecordExamResult applies a promotion exam outcome for a tier User
// candidate. A pass promotes to Guardian; a fail starts the retry
// cooldown. Candidates need the minimum account age and no active exam
// cooldown.
func (e *Engine) RecordExamResult(ctx context.Context, id int64, passed bool) error {
	r, err := e.store.GetReviewer(ctx, id)
	if err != nil {
		return err
	}
	if r.Tier != domain.TierUser {
		return fmt.Errorf("reviewer %d is already %s: %w", id, r.Tier, domain.ErrNotAuthorized)
	}

	now := time.Now().UTC()
	if now.Sub(r.RegisteredAt) < e.cfg.MinAccountAge {
		return fmt.Errorf("account of reviewer %d is too young: %w", id, domain.ErrNotAuthorized)
	}
	if r.ExamCooldownUntil != nil && r.ExamCooldownUntil.After(now) {
		return fmt.Errorf("exam of reviewer %d: %w", id, domain.ErrOnCooldown)
	}

	if !passed {
		if err := e.store.SetExamCooldown(ctx, id, now.Add(e.cfg.ExamCooldown)); err != nil {
			return err
		}
		e.logger.Printf("reviewer %d failed the exam, retry after %s", id, e.cfg.ExamCooldown)
		return nil
	}

	if err := e.store.SetTier(ctx, id, domain.TierGuardian); err != nil {
		return err
	}
	e.logger.Printf("reviewer %d promoted to Guardian", id)
	return nil
}

// StatsView is a reviewer's progression snapshot.
type StatsView struct {
	Reviewer     *domain.Reviewer `json:"reviewer"`
	Rank         string           `json:"rank"`
	RankXP       int              `json:"rank_xp"`
	RankSpan     int              `json:"rank_span"`
	RankProgress float64          `json:"rank_progress_pct"`
}

// Stats returns a reviewer with their rank and in-rank progress.
func (e *Engine) Stats(ctx context.Context, id int64) (*StatsView, error) {
	r, err := e.store.GetReviewer(ctx, id)
	if err != nil {
		return nil, err
	}
	inRank, span, pct := domain.RankProgress(r.Experience)
	return &StatsView{
		Reviewer:     r,
		Rank:         domain.RankFor(r.Experience),
		RankXP:       inRank,
		RankSpan:     span,
		RankProgress: pct,
	}, nil
}
