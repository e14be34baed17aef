// Package pipeline handles report intake: gates, hashing, persistence
// and asynchronous evidence capture.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
)

const (
	captureLimit  = 100
	captureWindow = 24 * time.Hour
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetReviewer(ctx context.Context, id int64) (*domain.Reviewer, error)
	IsPremium(ctx context.Context, guildID int64) (bool, error)
	CountGuildReports(ctx context.Context, guildID int64) (pending, inAnalysis int, err error)
	InsertReport(ctx context.Context, r *domain.Report) (*domain.Report, error)
	InsertCapturedMessages(ctx context.Context, reportID int64, msgs []*domain.CapturedMessage) error
	CountOnDutyByTier(ctx context.Context, tiers []domain.Tier) (int, error)
}

// SubmitRequest carries one incoming report.
type SubmitRequest struct {
	GuildID    int64
	ChannelID  int64
	ReporterID int64
	AccusedID  int64
	Reason     string
}

// Receipt is returned to the reporter on success.
type Receipt struct {
	Hash            string
	GuardiansOnDuty int
}

// Pipeline is the report intake engine.
type Pipeline struct {
	store   Store
	adapter chat.Adapter
	history *circuitbreaker.CircuitBreaker
	bus     events.Emitter
	metrics *metrics.Metrics
	quotas  config.QuotaConfig
	logger  *log.Logger

	captures sync.WaitGroup
}

// New wires a pipeline.
func New(store Store, adapter chat.Adapter, history *circuitbreaker.CircuitBreaker, bus events.Emitter, m *metrics.Metrics, quotas config.QuotaConfig) *Pipeline {
	return &Pipeline{
		store:   store,
		adapter: adapter,
		history: history,
		bus:     bus,
		metrics: m,
		quotas:  quotas,
		logger:  log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Submit runs the intake gates, persists the report and kicks off the
// evidence capture in the background. The returned receipt carries the
// public hash and the current Guardian headcount.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if req.ReporterID == req.AccusedID {
		p.metrics.ReportsRejected.WithLabelValues("self_report").Inc()
		return nil, fmt.Errorf("reporter %d: %w", req.ReporterID, domain.ErrNotAuthorized)
	}

	if _, err := p.store.GetReviewer(ctx, req.ReporterID); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			p.metrics.ReportsRejected.WithLabelValues("unregistered").Inc()
		}
		return nil, err
	}

	premium, err := p.store.IsPremium(ctx, req.GuildID)
	if err != nil {
		return nil, err
	}

	if err := p.checkQuotas(ctx, req, premium); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &domain.Report{
		Hash:       domain.ReportHash(req.ReporterID, req.AccusedID, req.GuildID, now),
		GuildID:    req.GuildID,
		ChannelID:  req.ChannelID,
		ReporterID: req.ReporterID,
		AccusedID:  req.AccusedID,
		Reason:     req.Reason,
		IsPremium:  premium,
		CreatedAt:  now,
	}

	stored, err := p.store.InsertReport(ctx, report)
	if err != nil {
		return nil, err
	}

	p.metrics.ReportsSubmitted.WithLabelValues(strconv.FormatBool(premium)).Inc()
	p.bus.Emit(events.TypeReportSubmitted, "pipeline", stored.Hash, map[string]interface{}{
		"guild_id": stored.GuildID,
		"premium":  stored.IsPremium,
	})
	p.logger.Printf("report %s accepted (guild %d, premium %v)", stored.Hash, stored.GuildID, premium)

	p.captures.Add(1)
	go p.capture(stored)

	onDuty, err := p.store.CountOnDutyByTier(ctx, []domain.Tier{domain.TierGuardian})
	if err != nil {
		// The receipt is informational; the report already landed.
		p.logger.Printf("counting guardians on duty: %v", err)
		onDuty = 0
	}

	return &Receipt{Hash: stored.Hash, GuardiansOnDuty: onDuty}, nil
}

// checkQuotas enforces the per-guild intake limits. Pending and
// InAnalysis counts are capped separately; either one at its limit
// rejects the submission.
func (p *Pipeline) checkQuotas(ctx context.Context, req SubmitRequest, premium bool) error {
	pending, analysis, err := p.store.CountGuildReports(ctx, req.GuildID)
	if err != nil {
		return err
	}

	pendingMax, analysisMax := p.quotas.PendingFree, p.quotas.AnalysisFree
	if premium {
		pendingMax, analysisMax = p.quotas.PendingPremium, p.quotas.AnalysisPremium
	}

	if pending >= pendingMax {
		p.metrics.ReportsRejected.WithLabelValues("quota").Inc()
		return &domain.QuotaError{
			Scope: "pending", Count: pending, Limit: pendingMax,
			PremiumWouldAllow: !premium && pending < p.quotas.PendingPremium,
		}
	}
	if analysis >= analysisMax {
		p.metrics.ReportsRejected.WithLabelValues("quota").Inc()
		return &domain.QuotaError{
			Scope: "in_analysis", Count: analysis, Limit: analysisMax,
			PremiumWouldAllow: !premium && analysis < p.quotas.AnalysisPremium,
		}
	}
	return nil
}

// capture snapshots the channel around the report. Runs detached from
// the submit request; failures leave the report without evidence, which
// the distributor tolerates after the capture grace.
func (p *Pipeline) capture(report *domain.Report) {
	defer p.captures.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	since := report.CreatedAt.Add(-captureWindow)

	result, err := p.history.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return p.adapter.FetchHistory(ctx, report.ChannelID, since, captureLimit)
	})
	if err != nil {
		p.logger.Printf("capturing evidence for report %s: %v", report.Hash, err)
		return
	}
	history := result.([]chat.Message)

	msgs := make([]*domain.CapturedMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, &domain.CapturedMessage{
			ReportID:       report.ID,
			AuthorID:       m.AuthorID,
			Content:        m.Content,
			AttachmentURLs: m.AttachmentURLs,
			SentAt:         m.SentAt,
		})
	}

	if err := p.store.InsertCapturedMessages(ctx, report.ID, msgs); err != nil {
		p.logger.Printf("storing evidence for report %s: %v", report.Hash, err)
		return
	}

	p.metrics.ObserveCapture(time.Since(start), len(msgs))
	p.bus.Emit(events.TypeReportCaptured, "pipeline", report.Hash, map[string]interface{}{
		"messages": len(msgs),
	})
	p.logger.Printf("report %s captured %d messages", report.Hash, len(msgs))
}

// Drain waits for in-flight captures to finish, up to ctx.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.captures.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
