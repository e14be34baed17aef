package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guardiao/backend/internal/domain"
)

// ErrMockTransient is returned by the FailXTimes counters.
var ErrMockTransient = errors.New("transient mock failure")

// MockAdapter is an in-memory Adapter for tests. Failures are injected
// per method; all calls are recorded.
type MockAdapter struct {
	mu sync.Mutex

	// Injectable failures. Nil means the call succeeds.
	ReadyErr   error
	DMErr      error
	EditErr    error
	DeleteErr  error
	TimeoutErr error
	HistoryErr error
	PostErr    error
	GuildErr   error
	MemberErr  error

	// GoneMembers marks users ResolveMember reports as departed.
	GoneMembers map[int64]bool

	// FailDMTimes fails the next N SendDM calls with ErrMockTransient,
	// then succeeds.
	FailDMTimes int

	// FailTimeoutTimes fails the next N ApplyTimeout calls with
	// ErrMockTransient, then succeeds.
	FailTimeoutTimes int

	// History is returned by FetchHistory.
	History []Message

	nextMessageID int64

	SentDMs         []SentDM
	EditedDMs       []EditedDM
	DeletedDMs      []DeletedDM
	Timeouts        []AppliedTimeout
	ChannelPosts    []ChannelPost
	ResolvedMembers []ResolvedMember
}

// SentDM records one SendDM call.
type SentDM struct {
	UserID    int64
	MessageID int64
	DM        DM
}

// EditedDM records one EditDM call.
type EditedDM struct {
	UserID    int64
	MessageID int64
	DM        DM
}

// DeletedDM records one DeleteDM call.
type DeletedDM struct {
	UserID    int64
	MessageID int64
}

// ResolvedMember records one ResolveMember call.
type ResolvedMember struct {
	GuildID int64
	UserID  int64
}

// AppliedTimeout records one ApplyTimeout call.
type AppliedTimeout struct {
	GuildID  int64
	UserID   int64
	Duration time.Duration
	Reason   string
}

// ChannelPost records one PostChannelMessage call.
type ChannelPost struct {
	ChannelID int64
	Message   ChannelMessage
}

// NewMockAdapter returns an adapter that succeeds on every call.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{nextMessageID: 1000}
}

func (m *MockAdapter) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadyErr != nil {
		return m.ReadyErr
	}
	return ctx.Err()
}

func (m *MockAdapter) SendDM(ctx context.Context, userID int64, dm DM) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDMTimes > 0 {
		m.FailDMTimes--
		return 0, ErrMockTransient
	}
	if m.DMErr != nil {
		return 0, m.DMErr
	}
	m.nextMessageID++
	id := m.nextMessageID
	m.SentDMs = append(m.SentDMs, SentDM{UserID: userID, MessageID: id, DM: dm})
	return id, nil
}

func (m *MockAdapter) EditDM(ctx context.Context, userID, messageID int64, dm DM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	m.EditedDMs = append(m.EditedDMs, EditedDM{UserID: userID, MessageID: messageID, DM: dm})
	return nil
}

func (m *MockAdapter) DeleteDM(ctx context.Context, userID, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.DeletedDMs = append(m.DeletedDMs, DeletedDM{UserID: userID, MessageID: messageID})
	return nil
}

func (m *MockAdapter) ApplyTimeout(ctx context.Context, guildID, userID int64, d time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTimeoutTimes > 0 {
		m.FailTimeoutTimes--
		return ErrMockTransient
	}
	if m.TimeoutErr != nil {
		return m.TimeoutErr
	}
	m.Timeouts = append(m.Timeouts, AppliedTimeout{GuildID: guildID, UserID: userID, Duration: d, Reason: reason})
	return nil
}

func (m *MockAdapter) FetchHistory(ctx context.Context, channelID int64, since time.Time, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	out := m.History
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]Message, len(out))
	copy(res, out)
	return res, nil
}

func (m *MockAdapter) PostChannelMessage(ctx context.Context, channelID int64, msg ChannelMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PostErr != nil {
		return 0, m.PostErr
	}
	m.nextMessageID++
	m.ChannelPosts = append(m.ChannelPosts, ChannelPost{ChannelID: channelID, Message: msg})
	return m.nextMessageID, nil
}

func (m *MockAdapter) ResolveGuild(ctx context.Context, guildID int64) (*GuildInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GuildErr != nil {
		return nil, m.GuildErr
	}
	return &GuildInfo{ID: guildID, Name: "mock guild", MemberCount: 1}, nil
}

func (m *MockAdapter) ResolveMember(ctx context.Context, guildID, userID int64) (*MemberInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MemberErr != nil {
		return nil, m.MemberErr
	}
	if m.GoneMembers[userID] {
		return nil, domain.ErrNotFound
	}
	m.ResolvedMembers = append(m.ResolvedMembers, ResolvedMember{GuildID: guildID, UserID: userID})
	return &MemberInfo{UserID: userID, DisplayName: "mock member"}, nil
}

// SentDMCount returns the number of delivered DMs.
func (m *MockAdapter) SentDMCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentDMs)
}
