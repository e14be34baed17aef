package distributor

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

	reviewers   map[int64]*domain.Reviewer
	reports     map[int64]*domain.Report
	assignments map[int64]*domain.Assignment
	captured    map[int64][]*domain.CapturedMessage
	tallies     map[int64]domain.Tally
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reviewers:   make(map[int64]*domain.Reviewer),
		reports:     make(map[int64]*domain.Report),
		assignments: make(map[int64]*domain.Assignment),
		captured:    make(map[int64][]*domain.CapturedMessage),
		tallies:     make(map[int64]domain.Tally),
	}
}

func (f *fakeStore) NextDistributable(ctx context.Context, requiredWeight, maxOutstanding int, captureGrace time.Duration) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if !r.Status.Distributable() {
			continue
		}
		if f.tallies[r.ID].Total()+f.outstanding(r.ID) >= requiredWeight {
			continue
		}
		if f.activeCount(r.ID) >= maxOutstanding {
			continue
		}
		return r, nil
	}
	return nil, nil
}

func (f *fakeStore) WeightedTally(ctx context.Context, reportID int64) (domain.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tallies[reportID], nil
}

func (f *fakeStore) OutstandingDeliveries(ctx context.Context, reportID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding(reportID), nil
}

func (f *fakeStore) GetReport(ctx context.Context, id int64) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GetReportByHash(ctx context.Context, hash string) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if r.Hash == hash {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) TransitionStatus(ctx context.Context, reportID int64, from, to domain.ReportStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[reportID]
	if !ok || r.Status != from {
		return domain.ErrReportClosed
	}
	r.Status = to
	return nil
}

func (f *fakeStore) CountOnDutyByTier(ctx context.Context, tiers []domain.Tier) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reviewers {
		if !r.OnDuty {
			continue
		}
		for _, t := range tiers {
			if r.Tier == t {
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeStore) EligibleReviewers(ctx context.Context, reportID, reporterID, accusedID int64, tiers []domain.Tier, limit int) ([]*domain.Reviewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.Reviewer
	for _, r := range f.reviewers {
		if len(out) >= limit {
			break
		}
		if !r.OnDuty || r.ID == reporterID || r.ID == accusedID || r.OnAnyCooldown(now) {
			continue
		}
		inTier := false
		for _, t := range tiers {
			if r.Tier == t {
				inTier = true
				break
			}
		}
		if !inTier {
			continue
		}
		if f.activeFor(reportID, r.ID) != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) ActiveAssignmentCount(ctx context.Context, reportID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeCount(reportID), nil
}

func (f *fakeStore) InsertAssignment(ctx context.Context, reportID, reviewerID int64, expiresAt time.Time, maxOutstanding int) (*domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeCount(reportID) >= maxOutstanding {
		return nil, domain.ErrNoSlotAvailable
	}
	f.nextID++
	a := &domain.Assignment{
		ID:          f.nextID,
		ReportID:    reportID,
		ReviewerID:  reviewerID,
		State:       domain.AssignmentDelivered,
		DeliveredAt: time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	f.assignments[a.ID] = a
	return a, nil
}

func (f *fakeStore) SetAssignmentDMMessage(ctx context.Context, assignmentID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.assignments[assignmentID]; ok {
		a.DMMessageID = messageID
	}
	return nil
}

func (f *fakeStore) ActiveAssignment(ctx context.Context, reportID, reviewerID int64) (*domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.activeFor(reportID, reviewerID); a != nil {
		return a, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) AcceptAssignment(ctx context.Context, assignmentID int64, voteDeadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignmentID]
	if !ok || a.State != domain.AssignmentDelivered {
		return domain.ErrNotFound
	}
	a.State = domain.AssignmentAccepted
	a.ExpiresAt = voteDeadline
	return nil
}

func (f *fakeStore) DispenseAssignment(ctx context.Context, assignmentID int64) error {
	return f.setState(assignmentID, domain.AssignmentDispensed, domain.AssignmentDelivered, domain.AssignmentAccepted)
}

func (f *fakeStore) MarkAssignmentExpired(ctx context.Context, assignmentID int64) error {
	return f.setState(assignmentID, domain.AssignmentExpired, domain.AssignmentDelivered)
}

func (f *fakeStore) MarkAssignmentInactive(ctx context.Context, assignmentID int64) error {
	return f.setState(assignmentID, domain.AssignmentInactive, domain.AssignmentAccepted)
}

func (f *fakeStore) setState(assignmentID int64, to domain.AssignmentState, from ...domain.AssignmentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignmentID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, s := range from {
		if a.State == s {
			a.State = to
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeStore) ExpiredDelivered(ctx context.Context) ([]*domain.Assignment, error) {
	return f.overdue(domain.AssignmentDelivered), nil
}

func (f *fakeStore) StaleAccepted(ctx context.Context) ([]*domain.Assignment, error) {
	return f.overdue(domain.AssignmentAccepted), nil
}

func (f *fakeStore) overdue(state domain.AssignmentState) []*domain.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*domain.Assignment
	for _, a := range f.assignments {
		if a.State == state && !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeStore) SetDispenseCooldown(ctx context.Context, id int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reviewers[id]; ok {
		r.DispenseCooldownUntil = &until
	}
	return nil
}

func (f *fakeStore) SetInactivityCooldown(ctx context.Context, id int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reviewers[id]; ok {
		r.InactivityCooldownUntil = &until
	}
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

func (f *fakeStore) CapturedMessages(ctx context.Context, reportID int64) ([]*domain.CapturedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured[reportID], nil
}

func (f *fakeStore) outstanding(reportID int64) int {
	now := time.Now().UTC()
	n := 0
	for _, a := range f.assignments {
		if a.ReportID == reportID && a.State == domain.AssignmentDelivered && a.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}

func (f *fakeStore) activeCount(reportID int64) int {
	n := 0
	for _, a := range f.assignments {
		if a.ReportID == reportID && a.State.Active() {
			n++
		}
	}
	return n
}

func (f *fakeStore) activeFor(reportID, reviewerID int64) *domain.Assignment {
	for _, a := range f.assignments {
		if a.ReportID == reportID && a.ReviewerID == reviewerID && a.State.Active() {
			return a
		}
	}
	return nil
}

func (f *fakeStore) assignmentsOf(reportID int64) []*domain.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Assignment
	for _, a := range f.assignments {
		if a.ReportID == reportID {
			out = append(out, a)
		}
	}
	return out
}

func newTestDistributor(store *fakeStore, adapter *chat.MockAdapter) *Distributor {
	return New(store, adapter, circuitbreaker.NewGatewayBreakers(), events.NewBus(),
		testMetrics, config.Default().Distributor, nil)
}

// seeded builds one pending report (id 1, hash "abc") with captured
// evidence, three on-duty guardians (1-3) and one off-duty moderator (9).
func seeded() *fakeStore {
	store := newFakeStore()
	store.reports[1] = &domain.Report{
		ID: 1, Hash: "abc", GuildID: 100, ChannelID: 200,
		ReporterID: 50, AccusedID: 60, Status: domain.StatusPending,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	store.captured[1] = []*domain.CapturedMessage{
		{ReportID: 1, AuthorID: 60, Content: "insult", SentAt: time.Now().UTC()},
		{ReportID: 1, AuthorID: 50, Content: "please stop", SentAt: time.Now().UTC()},
	}
	for id := int64(1); id <= 3; id++ {
		store.reviewers[id] = &domain.Reviewer{ID: id, Tier: domain.TierGuardian, OnDuty: true}
	}
	store.reviewers[9] = &domain.Reviewer{ID: 9, Tier: domain.TierModerator}
	return store
}

func TestTickDeliversToGuardians(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.tick()

	assert.Equal(t, 3, adapter.SentDMCount())
	assignments := store.assignmentsOf(1)
	require.Len(t, assignments, 3)
	for _, a := range assignments {
		assert.Equal(t, domain.AssignmentDelivered, a.State)
		assert.NotZero(t, a.DMMessageID)
	}
	assert.Equal(t, domain.StatusInAnalysis, store.reports[1].Status)
}

func TestTickDeliversOnlyRequiredWeight(t *testing.T) {
	// A fresh report needs weight 5; with a deep guardian bench the tick
	// still hands out exactly 5 DMs, not one per free slot.
	store := seeded()
	for id := int64(4); id <= 12; id++ {
		store.reviewers[id] = &domain.Reviewer{ID: id, Tier: domain.TierGuardian, OnDuty: true}
	}
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.tick()

	assert.Equal(t, 5, adapter.SentDMCount())
	assert.Len(t, store.assignmentsOf(1), 5)
}

func TestTickTopsUpRemainingWeight(t *testing.T) {
	// Weight 2 already cast plus one open delivery leaves 2 to cover.
	store := seeded()
	store.tallies[1] = domain.Tally{OK: 2}
	store.assignments[100] = &domain.Assignment{
		ID: 100, ReportID: 1, ReviewerID: 9,
		State:     domain.AssignmentDelivered,
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.tick()

	assert.Equal(t, 2, adapter.SentDMCount())
}

func TestTickSkipsCoveredReport(t *testing.T) {
	// Cast weight 4 plus three open deliveries already reaches the
	// threshold; the report needs nothing this tick.
	store := seeded()
	store.tallies[1] = domain.Tally{OK: 2, Intimidated: 2}
	for i := int64(0); i < 3; i++ {
		store.assignments[100+i] = &domain.Assignment{
			ID: 100 + i, ReportID: 1, ReviewerID: 20 + i,
			State:     domain.AssignmentDelivered,
			ExpiresAt: time.Now().UTC().Add(time.Minute),
		}
	}
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.tick()

	assert.Equal(t, 0, adapter.SentDMCount())
}

func TestVoteEventKicksTick(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	bus := events.NewBus()
	d := New(store, adapter, circuitbreaker.NewGatewayBreakers(), bus,
		testMetrics, config.Default().Distributor, nil)

	d.Start()
	defer d.Stop()

	bus.Emit(events.TypeVoteCast, "verdict", "abc", nil)
	assert.Eventually(t, func() bool {
		return adapter.SentDMCount() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestShiftChangeKicksTick(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	bus := events.NewBus()
	d := New(store, adapter, circuitbreaker.NewGatewayBreakers(), bus,
		testMetrics, config.Default().Distributor, nil)

	d.Start()
	defer d.Stop()

	bus.Emit(events.TypeShiftChanged, "duty", "reviewer-1", nil)
	assert.Eventually(t, func() bool {
		return adapter.SentDMCount() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestTickSkipsReviewersOnCooldown(t *testing.T) {
	store := seeded()
	until := time.Now().UTC().Add(10 * time.Minute)
	store.reviewers[2].DispenseCooldownUntil = &until
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.tick()

	assert.Equal(t, 2, adapter.SentDMCount())
	for _, a := range store.assignmentsOf(1) {
		assert.NotEqual(t, int64(2), a.ReviewerID)
	}
}

func TestTiersFallBackToModerators(t *testing.T) {
	store := seeded()
	d := newTestDistributor(store, chat.NewMockAdapter())
	ctx := context.Background()

	// Fresh report with guardians on duty: guardians only.
	tiers, err := d.tiersFor(ctx, store.reports[1])
	require.NoError(t, err)
	assert.Equal(t, []domain.Tier{domain.TierGuardian}, tiers)

	// Aged past the fallback window: moderators join.
	old := *store.reports[1]
	old.CreatedAt = time.Now().UTC().Add(-20 * time.Minute)
	tiers, err = d.tiersFor(ctx, &old)
	require.NoError(t, err)
	assert.Equal(t, []domain.Tier{domain.TierGuardian, domain.TierModerator, domain.TierAdministrator}, tiers)

	// Premium guild with a thin guardian bench: moderators join too.
	store.reviewers[1].OnDuty = false
	store.reviewers[2].OnDuty = false
	premium := *store.reports[1]
	premium.IsPremium = true
	tiers, err = d.tiersFor(ctx, &premium)
	require.NoError(t, err)
	assert.Equal(t, []domain.Tier{domain.TierGuardian, domain.TierModerator, domain.TierAdministrator}, tiers)

	// No guardian on duty at all: moderators carry the load alone.
	store.reviewers[3].OnDuty = false
	tiers, err = d.tiersFor(ctx, store.reports[1])
	require.NoError(t, err)
	assert.Equal(t, []domain.Tier{domain.TierModerator, domain.TierAdministrator}, tiers)
}

func TestDeliveryFailureFreesSlot(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	adapter.DMErr = domain.ErrAdapterUnreachable
	d := newTestDistributor(store, adapter)

	d.tick()

	for _, a := range store.assignmentsOf(1) {
		assert.Equal(t, domain.AssignmentExpired, a.State)
	}
	// Nothing delivered, so the report stays pending.
	assert.Equal(t, domain.StatusPending, store.reports[1].Status)
}

func TestAcceptReturnsAnonymizedEvidence(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)
	d.tick()

	lines, err := d.Accept(context.Background(), "abc", 1)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, AccusedLabel, lines[0].Author)
	assert.Equal(t, "User 1", lines[1].Author)

	a, err := store.ActiveAssignment(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentAccepted, a.State)
}

func TestAcceptSwapsDMToVotePanel(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)
	d.tick()

	_, err := d.Accept(context.Background(), "abc", 1)
	require.NoError(t, err)

	require.Len(t, adapter.EditedDMs, 1)
	edit := adapter.EditedDMs[0]
	assert.Equal(t, int64(1), edit.UserID)
	require.Len(t, edit.DM.Buttons, 3)
	assert.Equal(t, "vote_ok", edit.DM.Buttons[0].Action)
}

func TestAcceptRequiresDelivery(t *testing.T) {
	store := seeded()
	d := newTestDistributor(store, chat.NewMockAdapter())

	_, err := d.Accept(context.Background(), "abc", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispenseAppliesCooldownAndDeletesDM(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)
	d.tick()

	require.NoError(t, d.Dispense(context.Background(), "abc", 1))

	_, err := store.ActiveAssignment(context.Background(), 1, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NotNil(t, store.reviewers[1].DispenseCooldownUntil)
	assert.True(t, store.reviewers[1].DispenseCooldownUntil.After(time.Now().UTC()))
	assert.Len(t, adapter.DeletedDMs, 1)
}

func TestSweepExpiresOverdueDeliveries(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)
	d.tick()

	for _, a := range store.assignmentsOf(1) {
		a.ExpiresAt = time.Now().UTC().Add(-time.Second)
	}
	d.sweepExpired()

	for _, a := range store.assignmentsOf(1) {
		assert.Equal(t, domain.AssignmentExpired, a.State)
	}
	assert.Len(t, adapter.DeletedDMs, 3)
}

func TestSweepStrikesInactiveReviewers(t *testing.T) {
	store := seeded()
	store.reviewers[1].Points = 20
	store.reviewers[1].Experience = 40
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)
	d.tick()

	_, err := d.Accept(context.Background(), "abc", 1)
	require.NoError(t, err)
	a, err := store.ActiveAssignment(context.Background(), 1, 1)
	require.NoError(t, err)
	a.ExpiresAt = time.Now().UTC().Add(-time.Second)

	d.sweepInactive()

	assert.Equal(t, domain.AssignmentInactive, store.assignments[a.ID].State)
	assert.Equal(t, 15, store.reviewers[1].Points)
	assert.Equal(t, 30, store.reviewers[1].Experience)
	require.NotNil(t, store.reviewers[1].InactivityCooldownUntil)
	assert.True(t, store.reviewers[1].InactivityCooldownUntil.After(time.Now().UTC()))
}

func TestStartStopAndKick(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	d := newTestDistributor(store, adapter)

	d.Start()
	d.Kick()
	assert.Eventually(t, func() bool {
		return adapter.SentDMCount() == 3
	}, time.Second, 10*time.Millisecond)
	d.Stop()
}
