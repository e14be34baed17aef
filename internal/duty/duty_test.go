package duty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
)

// Registered once; promauto registers on the default registry.
var testMetrics = metrics.New()

type fakeStore struct {
	mu sync.Mutex

	reviewers  map[int64]*domain.Reviewer
	captchas   map[int64]*domain.Captcha
	candidates []*domain.Reviewer
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reviewers: make(map[int64]*domain.Reviewer),
		captchas:  make(map[int64]*domain.Captcha),
	}
}

func (f *fakeStore) GetReviewer(ctx context.Context, id int64) (*domain.Reviewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviewers[id]
	if !ok {
		return nil, domain.ErrNotRegistered
	}
	return r, nil
}

func (f *fakeStore) CreateReviewer(ctx context.Context, id int64, username, displayName string) (*domain.Reviewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &domain.Reviewer{
		ID: id, Username: username, DisplayName: displayName,
		Tier: domain.TierUser, RegisteredAt: time.Now().UTC(),
	}
	f.reviewers[id] = r
	return r, nil
}

func (f *fakeStore) SetTier(ctx context.Context, id int64, tier domain.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviewers[id]
	if !ok {
		return domain.ErrNotRegistered
	}
	r.Tier = tier
	return nil
}

func (f *fakeStore) SetDuty(ctx context.Context, id int64, onDuty bool, shiftStart *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviewers[id]
	if !ok {
		return domain.ErrNotRegistered
	}
	r.OnDuty = onDuty
	r.ShiftStart = shiftStart
	return nil
}

func (f *fakeStore) AddPoints(ctx context.Context, id int64, points, xp int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviewers[id]
	if !ok {
		return domain.ErrNotRegistered
	}
	r.Points += points
	if r.Points < 0 {
		r.Points = 0
	}
	r.Experience += xp
	if r.Experience < 0 {
		r.Experience = 0
	}
	return nil
}

func (f *fakeStore) SetExamCooldown(ctx context.Context, id int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reviewers[id]
	if !ok {
		return domain.ErrNotRegistered
	}
	r.ExamCooldownUntil = &until
	return nil
}

func (f *fakeStore) AccrueHourlyPoints(ctx context.Context, pointsPerHour int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.reviewers {
		if r.OnDuty && r.ShiftStart != nil && time.Since(*r.ShiftStart) >= time.Hour {
			r.Points += pointsPerHour
			r.Experience += domain.PointsToXP(pointsPerHour)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ReviewersByTier(ctx context.Context, tiers []domain.Tier) ([]*domain.Reviewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Reviewer
	for _, r := range f.reviewers {
		for _, t := range tiers {
			if r.Tier == t {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CaptchaCandidates(ctx context.Context, shiftThreshold, pendingWindow, answeredWindow time.Duration) ([]*domain.Reviewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates, nil
}

func (f *fakeStore) InsertCaptcha(ctx context.Context, c *domain.Captcha) (*domain.Captcha, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *c
	stored.ID = f.nextID
	stored.Status = domain.CaptchaPending
	f.captchas[stored.ID] = &stored
	return &stored, nil
}

func (f *fakeStore) GetCaptchaByCode(ctx context.Context, code string) (*domain.Captcha, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.captchas {
		if c.Code == code {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) MarkCaptchaAnswered(ctx context.Context, captchaID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captchas[captchaID]
	if !ok || c.Status != domain.CaptchaPending {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = domain.CaptchaAnswered
	c.AnsweredAt = &now
	return nil
}

func (f *fakeStore) ExpiredCaptchas(ctx context.Context) ([]*domain.Captcha, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.Captcha
	for _, c := range f.captchas {
		if c.Status == domain.CaptchaPending && !c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkCaptchaExpired(ctx context.Context, captchaID int64, pointsLost int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captchas[captchaID]
	if !ok || c.Status != domain.CaptchaPending {
		return domain.ErrNotFound
	}
	c.Status = domain.CaptchaExpired
	c.PointsLost = pointsLost
	return nil
}

func newTestEngine(store *fakeStore, adapter *chat.MockAdapter) *Engine {
	cfg := config.Default()
	return New(store, adapter, circuitbreaker.NewGatewayBreakers(), events.NewBus(),
		testMetrics, cfg.Duty, cfg.Captcha)
}

func guardian(store *fakeStore, id int64) *domain.Reviewer {
	r := &domain.Reviewer{
		ID: id, Tier: domain.TierGuardian,
		RegisteredAt: time.Now().UTC().Add(-365 * 24 * time.Hour),
	}
	store.reviewers[id] = r
	return r
}

func TestStartShiftRejectsUserTier(t *testing.T) {
	store := newFakeStore()
	store.reviewers[1] = &domain.Reviewer{ID: 1, Tier: domain.TierUser}
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.StartShift(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestStartShiftRejectsCooldown(t *testing.T) {
	store := newFakeStore()
	r := guardian(store, 1)
	until := time.Now().UTC().Add(30 * time.Minute)
	r.InactivityCooldownUntil = &until
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.StartShift(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrOnCooldown)
}

func TestStartShiftSetsDuty(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	e := newTestEngine(store, chat.NewMockAdapter())

	require.NoError(t, e.StartShift(context.Background(), 1))
	assert.True(t, store.reviewers[1].OnDuty)
	require.NotNil(t, store.reviewers[1].ShiftStart)

	// Starting again is a no-op.
	require.NoError(t, e.StartShift(context.Background(), 1))
}

func TestEndShiftCreditsWholeHours(t *testing.T) {
	store := newFakeStore()
	r := guardian(store, 1)
	start := time.Now().UTC().Add(-150 * time.Minute)
	r.OnDuty = true
	r.ShiftStart = &start
	e := newTestEngine(store, chat.NewMockAdapter())

	receipt, err := e.EndShift(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Points)
	assert.Equal(t, 4, receipt.XP)
	assert.Equal(t, 2, store.reviewers[1].Points)
	assert.Equal(t, 4, store.reviewers[1].Experience)
	assert.False(t, store.reviewers[1].OnDuty)
	assert.Nil(t, store.reviewers[1].ShiftStart)
}

func TestEndShiftWithoutShift(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	e := newTestEngine(store, chat.NewMockAdapter())

	receipt, err := e.EndShift(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, receipt.Points)
}

func TestExamPassPromotes(t *testing.T) {
	store := newFakeStore()
	store.reviewers[1] = &domain.Reviewer{
		ID: 1, Tier: domain.TierUser,
		RegisteredAt: time.Now().UTC().Add(-120 * 24 * time.Hour),
	}
	e := newTestEngine(store, chat.NewMockAdapter())

	require.NoError(t, e.RecordExamResult(context.Background(), 1, true))
	assert.Equal(t, domain.TierGuardian, store.reviewers[1].Tier)
}

func TestExamFailStartsCooldown(t *testing.T) {
	store := newFakeStore()
	store.reviewers[1] = &domain.Reviewer{
		ID: 1, Tier: domain.TierUser,
		RegisteredAt: time.Now().UTC().Add(-120 * 24 * time.Hour),
	}
	e := newTestEngine(store, chat.NewMockAdapter())

	require.NoError(t, e.RecordExamResult(context.Background(), 1, false))
	assert.Equal(t, domain.TierUser, store.reviewers[1].Tier)
	require.NotNil(t, store.reviewers[1].ExamCooldownUntil)

	// Retry during the cooldown is blocked.
	err := e.RecordExamResult(context.Background(), 1, true)
	assert.ErrorIs(t, err, domain.ErrOnCooldown)
}

func TestExamRejectsYoungAccount(t *testing.T) {
	store := newFakeStore()
	store.reviewers[1] = &domain.Reviewer{
		ID: 1, Tier: domain.TierUser,
		RegisteredAt: time.Now().UTC().Add(-10 * 24 * time.Hour),
	}
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.RecordExamResult(context.Background(), 1, true)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestExamRejectsExistingGuardian(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.RecordExamResult(context.Background(), 1, true)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestIssueCaptchasSendsChallenge(t *testing.T) {
	store := newFakeStore()
	r := guardian(store, 1)
	store.candidates = []*domain.Reviewer{r}
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)

	e.issueCaptchas()

	assert.Equal(t, 1, adapter.SentDMCount())
	require.Len(t, store.captchas, 1)
	for _, c := range store.captchas {
		assert.Equal(t, int64(1), c.ReviewerID)
		assert.Len(t, c.Code, 6)
		assert.NotEmpty(t, c.Question)
		assert.NotEmpty(t, c.Answer)
		assert.NotZero(t, c.DMMessageID)
	}
}

func TestAnswerCaptcha(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	now := time.Now().UTC()
	c, err := store.InsertCaptcha(context.Background(), &domain.Captcha{
		ReviewerID: 1, Code: "abc123", Question: "What is 2 + 2?", Answer: "4",
		IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	e := newTestEngine(store, chat.NewMockAdapter())
	ctx := context.Background()

	assert.ErrorIs(t, e.AnswerCaptcha(ctx, "abc123", 2, "4"), domain.ErrNotAuthorized)
	assert.ErrorIs(t, e.AnswerCaptcha(ctx, "abc123", 1, "5"), ErrWrongAnswer)

	require.NoError(t, e.AnswerCaptcha(ctx, "abc123", 1, " 4 "))
	assert.Equal(t, domain.CaptchaAnswered, store.captchas[c.ID].Status)

	// A second answer finds the captcha closed.
	assert.ErrorIs(t, e.AnswerCaptcha(ctx, "abc123", 1, "4"), domain.ErrNotFound)
}

func TestSweepCaptchasPenalizes(t *testing.T) {
	store := newFakeStore()
	r := guardian(store, 1)
	r.Points = 10
	r.Experience = 20
	r.OnDuty = true
	start := time.Now().UTC().Add(-4 * time.Hour)
	r.ShiftStart = &start

	now := time.Now().UTC()
	c, err := store.InsertCaptcha(context.Background(), &domain.Captcha{
		ReviewerID: 1, Code: "xyz789", Question: "What is 1 + 1?", Answer: "2",
		IssuedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)

	e.sweepCaptchas()

	// Default penalty: half of 3 shift-threshold hours at 1 point/hour.
	assert.Equal(t, domain.CaptchaExpired, store.captchas[c.ID].Status)
	assert.Equal(t, 1, store.captchas[c.ID].PointsLost)
	assert.Equal(t, 9, store.reviewers[1].Points)
	assert.Equal(t, 18, store.reviewers[1].Experience)
	assert.False(t, store.reviewers[1].OnDuty)
	assert.Equal(t, 1, adapter.SentDMCount())
}

func TestAdjustPointsRequiresAdministrator(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	guardian(store, 2)
	store.reviewers[9] = &domain.Reviewer{ID: 9, Tier: domain.TierAdministrator}
	e := newTestEngine(store, chat.NewMockAdapter())
	ctx := context.Background()

	assert.ErrorIs(t, e.AdjustPoints(ctx, 1, 2, 10, 20), domain.ErrNotAuthorized)

	require.NoError(t, e.AdjustPoints(ctx, 9, 2, 10, 20))
	assert.Equal(t, 10, store.reviewers[2].Points)
	assert.Equal(t, 20, store.reviewers[2].Experience)
}

func TestBroadcastFansOutByTier(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	store.reviewers[2] = &domain.Reviewer{ID: 2, Tier: domain.TierModerator}
	store.reviewers[9] = &domain.Reviewer{ID: 9, Tier: domain.TierAdministrator}
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)

	delivered, err := e.Broadcast(context.Background(), BroadcastRequest{
		ActorID: 9, Audience: AudienceGuardians, Title: "Maintenance", Body: "Back in 10",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 3, adapter.SentDMCount())
}

func TestBroadcastToChannel(t *testing.T) {
	store := newFakeStore()
	store.reviewers[9] = &domain.Reviewer{ID: 9, Tier: domain.TierAdministrator}
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)

	delivered, err := e.Broadcast(context.Background(), BroadcastRequest{
		ActorID: 9, Audience: AudienceChannel, TargetID: 42, Title: "Notice", Body: "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, adapter.ChannelPosts, 1)
	assert.Equal(t, int64(42), adapter.ChannelPosts[0].ChannelID)
}

func TestBroadcastRejectsNonAdministrator(t *testing.T) {
	store := newFakeStore()
	guardian(store, 1)
	e := newTestEngine(store, chat.NewMockAdapter())

	_, err := e.Broadcast(context.Background(), BroadcastRequest{
		ActorID: 1, Audience: AudienceGuardians, Title: "x", Body: "y",
	})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestStatsReportsRank(t *testing.T) {
	store := newFakeStore()
	r := guardian(store, 1)
	r.Experience = 250
	e := newTestEngine(store, chat.NewMockAdapter())

	stats, err := e.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Iniciante", stats.Rank)
	assert.Equal(t, 49, stats.RankXP)
	assert.Equal(t, 100, stats.RankSpan)
	assert.InDelta(t, 49.0, stats.RankProgress, 0.01)
}
