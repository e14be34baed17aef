package verdict

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

var testMetrics = metrics.New()

type fakeStore struct {
	mu sync.Mutex

	reviewers   map[int64]*domain.Reviewer
	reports     map[string]*domain.Report
	assignments map[[2]int64]*domain.Assignment // (reportID, reviewerID)
	votes       []*domain.Vote
	configs     map[int64]*domain.ServerConfig
	punishments []*domain.PunishmentLog
	xpByID      map[int64]int
	nextVoteID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reviewers:   make(map[int64]*domain.Reviewer),
		reports:     make(map[string]*domain.Report),
		assignments: make(map[[2]int64]*domain.Assignment),
		configs:     make(map[int64]*domain.ServerConfig),
		xpByID:      make(map[int64]int),
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

func (f *fakeStore) GetReportByHash(ctx context.Context, hash string) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ActiveAssignment(ctx context.Context, reportID, reviewerID int64) (*domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[[2]int64{reportID, reviewerID}]
	if !ok || !a.State.Active() {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) InsertVote(ctx context.Context, reportID, reviewerID int64, choice domain.VoteChoice) (*domain.Vote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.votes {
		if v.ReportID == reportID && v.ReviewerID == reviewerID {
			return nil, domain.ErrDuplicateVote
		}
	}
	f.nextVoteID++
	v := &domain.Vote{ID: f.nextVoteID, ReportID: reportID, ReviewerID: reviewerID, Choice: choice, CastAt: time.Now()}
	f.votes = append(f.votes, v)
	return v, nil
}

func (f *fakeStore) MarkAssignmentVoted(ctx context.Context, reportID, reviewerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.assignments[[2]int64{reportID, reviewerID}]; ok {
		a.State = domain.AssignmentVoted
	}
	return nil
}

func (f *fakeStore) WeightedTally(ctx context.Context, reportID int64) (domain.Tally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var t domain.Tally
	for _, v := range f.votes {
		if v.ReportID != reportID {
			continue
		}
		w := f.reviewers[v.ReviewerID].Tier.VoteWeight()
		switch v.Choice {
		case domain.VoteOK:
			t.OK += w
		case domain.VoteIntimidated:
			t.Intimidated += w
		case domain.VoteGrave:
			t.Grave += w
		}
	}
	return t, nil
}

func (f *fakeStore) FinalizeReport(ctx context.Context, reportID int64, verdict domain.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if r.ID != reportID {
			continue
		}
		if r.Status != domain.StatusInAnalysis && r.Status != domain.StatusAppealed {
			return domain.ErrReportClosed
		}
		r.Status = domain.StatusFinalized
		r.FinalVerdict = &verdict
		now := time.Now().UTC()
		r.FinalizedAt = &now
		return nil
	}
	return domain.ErrNotFound
}

func (f *fakeStore) UnpaidVotes(ctx context.Context, reportID int64) ([]*domain.Vote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Vote
	for _, v := range f.votes {
		if v.ReportID == reportID && !v.XPAwarded {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkVotePaid(ctx context.Context, voteID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.votes {
		if v.ID == voteID {
			v.XPAwarded = true
		}
	}
	return nil
}

func (f *fakeStore) AddPoints(ctx context.Context, id int64, points, xp int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xpByID[id] += xp
	return nil
}

func (f *fakeStore) GetServerConfig(ctx context.Context, guildID int64) (*domain.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.configs[guildID]; ok {
		return c, nil
	}
	return &domain.ServerConfig{GuildID: guildID}, nil
}

func (f *fakeStore) InsertPunishmentLog(ctx context.Context, p *domain.PunishmentLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.punishments = append(f.punishments, p)
	return nil
}

func (f *fakeStore) MarkAppealed(ctx context.Context, reportID int64, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if r.ID != reportID {
			continue
		}
		if r.Status != domain.StatusFinalized || r.FinalizedAt == nil || time.Since(*r.FinalizedAt) > window {
			return domain.ErrReportClosed
		}
		r.Status = domain.StatusAppealed
		return nil
	}
	return domain.ErrNotFound
}

// seeded returns a store with report "abc" in analysis, guardians 1..4
// and moderator 5, all holding active assignments.
func seeded() *fakeStore {
	f := newFakeStore()
	f.reports["abc"] = &domain.Report{
		ID: 1, Hash: "abc", GuildID: 100, ChannelID: 200,
		ReporterID: 50, AccusedID: 60,
		Status: domain.StatusInAnalysis,
	}
	for id := int64(1); id <= 4; id++ {
		f.reviewers[id] = &domain.Reviewer{ID: id, Tier: domain.TierGuardian}
		f.assignments[[2]int64{1, id}] = &domain.Assignment{
			ID: id, ReportID: 1, ReviewerID: id, State: domain.AssignmentAccepted,
		}
	}
	f.reviewers[5] = &domain.Reviewer{ID: 5, Tier: domain.TierModerator}
	f.assignments[[2]int64{1, 5}] = &domain.Assignment{
		ID: 5, ReportID: 1, ReviewerID: 5, State: domain.AssignmentAccepted,
	}
	return f
}

func newTestEngine(store Store, adapter chat.Adapter) *Engine {
	return New(store, adapter, circuitbreaker.NewGatewayBreakers(), events.NewBus(), testMetrics,
		config.Default().Punishments, 5)
}

func TestCastVoteRequiresAssignment(t *testing.T) {
	store := seeded()
	store.reviewers[9] = &domain.Reviewer{ID: 9, Tier: domain.TierGuardian}
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.CastVote(context.Background(), "abc", 9, domain.VoteOK)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestCastVoteRequiresAcceptedAssignment(t *testing.T) {
	// A delivered review DM alone does not unlock voting; the reviewer
	// must accept first.
	store := seeded()
	store.assignments[[2]int64{1, 1}].State = domain.AssignmentDelivered
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.CastVote(context.Background(), "abc", 1, domain.VoteOK)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Empty(t, store.votes)
}

func TestCastVoteRejectsDuplicate(t *testing.T) {
	store := seeded()
	e := newTestEngine(store, chat.NewMockAdapter())

	require.NoError(t, e.CastVote(context.Background(), "abc", 1, domain.VoteOK))
	// The vote closed the assignment, reopen it to isolate the duplicate check.
	store.mu.Lock()
	store.assignments[[2]int64{1, 1}].State = domain.AssignmentAccepted
	store.mu.Unlock()

	err := e.CastVote(context.Background(), "abc", 1, domain.VoteGrave)
	assert.ErrorIs(t, err, domain.ErrDuplicateVote)
}

func TestCastVoteRejectsUserTier(t *testing.T) {
	store := seeded()
	store.reviewers[1].Tier = domain.TierUser
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.CastVote(context.Background(), "abc", 1, domain.VoteOK)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestThreeOKVotesDismiss(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)
	ctx := context.Background()

	require.NoError(t, e.CastVote(ctx, "abc", 1, domain.VoteOK))
	require.NoError(t, e.CastVote(ctx, "abc", 2, domain.VoteOK))
	require.NoError(t, e.CastVote(ctx, "abc", 3, domain.VoteOK))
	// Below threshold so far: 3 < 5.
	assert.Equal(t, domain.StatusInAnalysis, store.reports["abc"].Status)

	require.NoError(t, e.CastVote(ctx, "abc", 4, domain.VoteOK))
	require.NoError(t, e.CastVote(ctx, "abc", 5, domain.VoteOK))
	require.NoError(t, e.Drain(ctx))

	r := store.reports["abc"]
	assert.Equal(t, domain.StatusFinalized, r.Status)
	require.NotNil(t, r.FinalVerdict)
	assert.Equal(t, domain.VerdictDismissed, *r.FinalVerdict)

	// Dismissal applies no timeout and sends no DM to the accused.
	assert.Empty(t, adapter.Timeouts)
	assert.Equal(t, 0, adapter.SentDMCount())
}

func TestModeratorGraveFinalizesAlone(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	e := newTestEngine(store, adapter)
	ctx := context.Background()

	require.NoError(t, e.CastVote(ctx, "abc", 5, domain.VoteGrave))
	require.NoError(t, e.Drain(ctx))

	r := store.reports["abc"]
	require.NotNil(t, r.FinalVerdict)
	assert.Equal(t, domain.VerdictGraveBan, *r.FinalVerdict)

	require.Len(t, adapter.Timeouts, 1)
	assert.Equal(t, int64(100), adapter.Timeouts[0].GuildID)
	assert.Equal(t, int64(60), adapter.Timeouts[0].UserID)
	assert.Equal(t, 24*time.Hour, adapter.Timeouts[0].Duration)

	// The accused gets the verdict DM with the appeal button.
	assert.Equal(t, 1, adapter.SentDMCount())
	require.Len(t, store.punishments, 1)
	assert.Equal(t, domain.VerdictGraveBan, store.punishments[0].Verdict)
}

func TestFinalizePaysEachVoteOnce(t *testing.T) {
	store := seeded()
	e := newTestEngine(store, chat.NewMockAdapter())
	ctx := context.Background()

	require.NoError(t, e.CastVote(ctx, "abc", 1, domain.VoteGrave))
	require.NoError(t, e.CastVote(ctx, "abc", 2, domain.VoteGrave))
	require.NoError(t, e.CastVote(ctx, "abc", 3, domain.VoteGrave))
	require.NoError(t, e.CastVote(ctx, "abc", 4, domain.VoteGrave))
	require.NoError(t, e.CastVote(ctx, "abc", 5, domain.VoteOK))
	require.NoError(t, e.Drain(ctx))

	for id := int64(1); id <= 4; id++ {
		assert.Equal(t, 20, store.xpByID[id], "reviewer %d", id)
	}
	assert.Equal(t, 10, store.xpByID[5])

	// A second payout pass finds nothing unpaid.
	require.NoError(t, e.payoutVotes(ctx, 1))
	assert.Equal(t, 20, store.xpByID[1])
}

func TestPunishmentRetriesThenSucceeds(t *testing.T) {
	saved := punishBackoff
	punishBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { punishBackoff = saved }()

	store := seeded()
	adapter := chat.NewMockAdapter()
	// One failure stays under the punish breaker's trip threshold; the
	// first retry lands.
	adapter.FailTimeoutTimes = 1
	e := newTestEngine(store, adapter)

	report := &domain.Report{ID: 1, Hash: "abc", GuildID: 100, AccusedID: 60}
	err := e.applyPunishment(context.Background(), report, domain.VerdictGrave, 12*time.Hour)
	require.NoError(t, err)
	require.Len(t, adapter.Timeouts, 1)
}

func TestPunishmentGivesUpAfterSchedule(t *testing.T) {
	saved := punishBackoff
	punishBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { punishBackoff = saved }()

	store := seeded()
	adapter := chat.NewMockAdapter()
	adapter.FailTimeoutTimes = 10
	e := newTestEngine(store, adapter)

	report := &domain.Report{ID: 1, Hash: "abc", GuildID: 100, AccusedID: 60}
	err := e.applyPunishment(context.Background(), report, domain.VerdictGrave, 12*time.Hour)
	require.Error(t, err)
	assert.Empty(t, adapter.Timeouts)
}

func TestPunishmentSkipsDepartedMember(t *testing.T) {
	store := seeded()
	adapter := chat.NewMockAdapter()
	adapter.GoneMembers = map[int64]bool{60: true}
	e := newTestEngine(store, adapter)

	report := &domain.Report{ID: 1, Hash: "abc", GuildID: 100, AccusedID: 60}
	err := e.applyPunishment(context.Background(), report, domain.VerdictGrave, 12*time.Hour)
	require.ErrorIs(t, err, domain.ErrNotFound)
	// No retries burned on a member who already left.
	assert.Empty(t, adapter.Timeouts)
}

func TestAppealReopensWithinWindow(t *testing.T) {
	store := seeded()
	now := time.Now().UTC()
	v := domain.VerdictGrave
	store.reports["abc"].Status = domain.StatusFinalized
	store.reports["abc"].FinalVerdict = &v
	store.reports["abc"].FinalizedAt = &now
	e := newTestEngine(store, chat.NewMockAdapter())

	// Only the accused may appeal.
	err := e.Appeal(context.Background(), "abc", 50)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	require.NoError(t, e.Appeal(context.Background(), "abc", 60))
	assert.Equal(t, domain.StatusAppealed, store.reports["abc"].Status)
}

func TestAppealRejectedOutsideWindow(t *testing.T) {
	store := seeded()
	old := time.Now().UTC().Add(-25 * time.Hour)
	v := domain.VerdictGrave
	store.reports["abc"].Status = domain.StatusFinalized
	store.reports["abc"].FinalVerdict = &v
	store.reports["abc"].FinalizedAt = &old
	e := newTestEngine(store, chat.NewMockAdapter())

	err := e.Appeal(context.Background(), "abc", 60)
	assert.ErrorIs(t, err, domain.ErrReportClosed)
}
