package duty

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
)

// newCaptchaCode returns a 6-char challenge code.
func newCaptchaCode() string {
	return uuid.NewString()[:6]
}

// newChallenge generates one liveness question with its answer.
func newChallenge() (question, answer string) {
	switch rand.Intn(3) {
	case 0:
		a, b := rand.Intn(50)+1, rand.Intn(50)+1
		return fmt.Sprintf("What is %d + %d?", a, b), strconv.Itoa(a + b)
	case 1:
		a, b := rand.Intn(9)+2, rand.Intn(9)+2
		return fmt.Sprintf("What is %d times %d?", a, b), strconv.Itoa(a * b)
	default:
		start, step := rand.Intn(10)+1, rand.Intn(5)+2
		return fmt.Sprintf("What comes next: %d, %d, %d?", start, start+step, start+2*step),
			strconv.Itoa(start + 3*step)
	}
}

// captchaPenalty is the points taken when a challenge expires: half the
// points a reviewer earns over the shift threshold, rounded down.
func (e *Engine) captchaPenalty() int {
	return int(math.Floor(e.captcha.ShiftThreshold.Hours() * float64(e.cfg.PointsPerHour) / 2))
}

// issueCaptchas challenges every long-shift reviewer without a recent
// captcha.
func (e *Engine) issueCaptchas() {
	ctx, cancel := context.WithTimeout(context.Background(), e.captcha.IssueInterval)
	defer cancel()

	candidates, err := e.store.CaptchaCandidates(ctx,
		e.captcha.ShiftThreshold, e.captcha.PendingSuppression, e.captcha.AnsweredSuppression)
	if err != nil {
		e.logger.Printf("selecting captcha candidates: %v", err)
		return
	}

	for _, r := range candidates {
		if err := e.issueOne(ctx, r); err != nil {
			e.logger.Printf("issuing captcha to reviewer %d: %v", r.ID, err)
		}
	}
}

func (e *Engine) issueOne(ctx context.Context, r *domain.Reviewer) error {
	code := newCaptchaCode()
	question, answer := newChallenge()
	now := time.Now().UTC()

	dm := chat.DM{
		Title: "Still there?",
		Body:  fmt.Sprintf("%s Answer within %s or your shift ends.", question, e.captcha.TTL),
		Fields: []chat.Field{
			{Name: "Code", Value: code},
		},
		Buttons: []chat.Button{
			{Label: "Answer", Action: "captcha", Ref: code},
		},
	}
	result, err := e.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return e.adapter.SendDM(ctx, r.ID, dm)
	})
	if err != nil {
		return fmt.Errorf("sending captcha DM: %w", err)
	}

	c := &domain.Captcha{
		ReviewerID:  r.ID,
		Code:        code,
		Question:    question,
		Answer:      answer,
		DMMessageID: result.(int64),
		IssuedAt:    now,
		ExpiresAt:   now.Add(e.captcha.TTL),
	}
	if _, err := e.store.InsertCaptcha(ctx, c); err != nil {
		return err
	}

	e.metrics.CaptchasIssued.Inc()
	e.bus.Emit(events.TypeCaptchaIssued, "duty", code, map[string]interface{}{
		"reviewer_id": r.ID,
	})
	e.logger.Printf("captcha %s issued to reviewer %d", code, r.ID)
	return nil
}

// AnswerCaptcha resolves a pending challenge. Only the challenged
// reviewer may answer, only within the TTL, and only with the right
// answer.
func (e *Engine) AnswerCaptcha(ctx context.Context, code string, reviewerID int64, answer string) error {
	c, err := e.store.GetCaptchaByCode(ctx, code)
	if err != nil {
		return err
	}
	if c.ReviewerID != reviewerID {
		return fmt.Errorf("captcha %s belongs to another reviewer: %w", code, domain.ErrNotAuthorized)
	}
	if c.Status != domain.CaptchaPending || !c.ExpiresAt.After(time.Now().UTC()) {
		return fmt.Errorf("captcha %s is no longer open: %w", code, domain.ErrNotFound)
	}
	if !strings.EqualFold(strings.TrimSpace(answer), c.Answer) {
		return ErrWrongAnswer
	}

	if err := e.store.MarkCaptchaAnswered(ctx, c.ID); err != nil {
		return err
	}

	e.deleteDM(ctx, c.ReviewerID, c.DMMessageID)
	e.metrics.CaptchasAnswered.Inc()
	e.bus.Emit(events.TypeCaptchaAnswered, "duty", code, map[string]interface{}{
		"reviewer_id": reviewerID,
	})
	e.logger.Printf("captcha %s answered by reviewer %d", code, reviewerID)
	return nil
}

// sweepCaptchas expires overdue challenges: the reviewer loses the
// penalty, goes off duty and is told what happened.
func (e *Engine) sweepCaptchas() {
	ctx, cancel := context.WithTimeout(context.Background(), e.captcha.SweepInterval)
	defer cancel()

	overdue, err := e.store.ExpiredCaptchas(ctx)
	if err != nil {
		e.logger.Printf("selecting expired captchas: %v", err)
		return
	}

	penalty := e.captchaPenalty()
	for _, c := range overdue {
		if err := e.store.MarkCaptchaExpired(ctx, c.ID, penalty); err != nil {
			// A concurrent answer won the race; skip.
			continue
		}
		if err := e.store.AddPoints(ctx, c.ReviewerID, -penalty, -domain.PointsToXP(penalty)); err != nil {
			e.logger.Printf("penalizing reviewer %d: %v", c.ReviewerID, err)
		}
		if err := e.store.SetDuty(ctx, c.ReviewerID, false, nil); err != nil {
			e.logger.Printf("ending shift of reviewer %d: %v", c.ReviewerID, err)
		} else {
			e.metrics.ReviewersOnDuty.Dec()
		}
		e.deleteDM(ctx, c.ReviewerID, c.DMMessageID)
		e.notifyExpiry(ctx, c, penalty)

		e.metrics.CaptchasExpired.Inc()
		e.bus.Emit(events.TypeCaptchaExpired, "duty", c.Code, map[string]interface{}{
			"reviewer_id": c.ReviewerID,
			"points_lost": penalty,
		})
		e.logger.Printf("captcha %s of reviewer %d expired (-%d points)", c.Code, c.ReviewerID, penalty)
	}
}

func (e *Engine) notifyExpiry(ctx context.Context, c *domain.Captcha, penalty int) {
	dm := chat.DM{
		Title: "Shift ended",
		Body:  fmt.Sprintf("Your liveness check went unanswered. Your shift ended and %d points were deducted.", penalty),
	}
	_, err := e.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return e.adapter.SendDM(ctx, c.ReviewerID, dm)
	})
	if err != nil {
		e.logger.Printf("notifying reviewer %d of expiry: %v", c.ReviewerID, err)
	}
}

func (e *Engine) deleteDM(ctx context.Context, reviewerID, messageID int64) {
	if messageID == 0 {
		return
	}
	_, err := e.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, e.adapter.DeleteDM(ctx, reviewerID, messageID)
	})
	if err != nil {
		e.logger.Printf("deleting DM %d of reviewer %d: %v", messageID, reviewerID, err)
	}
}
