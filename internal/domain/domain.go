// Package domain holds the entities and value types of the Guardião
// moderation engine: reviewers, reports, captured evidence, votes,
// assignments and verdicts. All timestamps are UTC; presentation-zone
// conversion happens at the edges only.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ============================================================================
// REVIEWERS
// ============================================================================

// Tier is the reviewer category. Transitions are monotone upward from
// TierUser and only via exam pass.
type Tier string

const (
	TierUser          Tier = "User"
	TierGuardian      Tier = "Guardian"
	TierModerator     Tier = "Moderator"
	TierAdministrator Tier = "Administrator"
)

// VoteWeight returns the weight a reviewer of this tier contributes per
// vote: 5 for Moderator/Administrator, 1 otherwise.
func (t Tier) VoteWeight() int {
	switch t {
	case TierModerator, TierAdministrator:
		return 5
	default:
		return 1
	}
}

// CanReview reports whether this tier may receive assignments and vote.
func (t Tier) CanReview() bool {
	switch t {
	case TierGuardian, TierModerator, TierAdministrator:
		return true
	default:
		return false
	}
}

// Reviewer is a registered user of the moderation service, identified by
// the platform's 64-bit user id.
type Reviewer struct {
	ID          int64
	Username    string
	DisplayName string
	Tier        Tier
	Points      int
	Experience  int
	OnDuty      bool
	ShiftStart  *time.Time

	// Cooldowns that block transitions; nil means no cooldown.
	ExamCooldownUntil       *time.Time
	DispenseCooldownUntil   *time.Time
	InactivityCooldownUntil *time.Time

	RegisteredAt time.Time
}

// OnAnyCooldown reports whether any blocking cooldown is still active.
func (r *Reviewer) OnAnyCooldown(now time.Time) bool {
	for _, t := range []*time.Time{r.DispenseCooldownUntil, r.InactivityCooldownUntil} {
		if t != nil && t.After(now) {
			return true
		}
	}
	return false
}

// ============================================================================
// REPORTS
// ============================================================================

// ReportStatus is the report life-cycle state.
type ReportStatus string

const (
	StatusPending    ReportStatus = "Pending"
	StatusInAnalysis ReportStatus = "InAnalysis"
	StatusFinalized  ReportStatus = "Finalized"
	StatusAppealed   ReportStatus = "Appealed"
)

// Distributable reports whether a report in this status may still receive
// assignments.
func (s ReportStatus) Distributable() bool {
	return s == StatusPending || s == StatusInAnalysis || s == StatusAppealed
}

// Report is one community report against an accused user.
type Report struct {
	ID         int64
	Hash       string // 16 hex chars, exposed to users
	GuildID    int64
	ChannelID  int64
	ReporterID int64
	AccusedID  int64
	Reason     string
	Status     ReportStatus
	IsPremium  bool // snapshot of the guild's premium status at creation
	CreatedAt  time.Time

	FinalVerdict *Verdict   // nil until finalized
	FinalizedAt  *time.Time // set on each finalize (first round and appeal)
}

// ReportHash derives the 16-hex-char public identifier for a report from
// its creation tuple. The fields are delimited so adjacent ids cannot
// produce the same preimage; distinct tuples collide with negligible
// probability.
func ReportHash(reporterID, accusedID, guildID int64, createdAt time.Time) string {
	input := fmt.Sprintf("%d:%d:%d:%s", reporterID, accusedID, guildID, createdAt.UTC().Format(time.RFC3339))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// CapturedMessage is an immutable snapshot of one channel message taken at
// report time. The captured set is frozen at creation.
type CapturedMessage struct {
	ID             int64
	ReportID       int64
	AuthorID       int64
	Content        string
	AttachmentURLs []string
	SentAt         time.Time
}

// ============================================================================
// VOTES
// ============================================================================

// VoteChoice is a reviewer's judgement on a report.
type VoteChoice string

const (
	VoteOK          VoteChoice = "OK"
	VoteIntimidated VoteChoice = "Intimidated"
	VoteGrave       VoteChoice = "Grave"
)

// Valid reports whether the choice is one of the three recognised values.
func (c VoteChoice) Valid() bool {
	switch c {
	case VoteOK, VoteIntimidated, VoteGrave:
		return true
	default:
		return false
	}
}

// ExperienceReward is the XP credited to a voter when the report
// finalizes, keyed by what they voted.
func (c VoteChoice) ExperienceReward() int {
	switch c {
	case VoteOK:
		return 10
	case VoteIntimidated:
		return 15
	case VoteGrave:
		return 20
	default:
		return 0
	}
}

// Vote is one reviewer's cast vote. Unique per (ReportID, ReviewerID).
type Vote struct {
	ID         int64
	ReportID   int64
	ReviewerID int64
	Choice     VoteChoice
	CastAt     time.Time
	XPAwarded  bool
}

// Tally is the weighted per-choice vote total of one report.
type Tally struct {
	OK          int
	Intimidated int
	Grave       int
}

// Total is the summed weight across all choices.
func (t Tally) Total() int { return t.OK + t.Intimidated + t.Grave }

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// AssignmentState tracks one outstanding review request.
type AssignmentState string

const (
	AssignmentDelivered AssignmentState = "Delivered"
	AssignmentAccepted  AssignmentState = "Accepted"
	AssignmentDispensed AssignmentState = "Dispensed"
	AssignmentExpired   AssignmentState = "Expired"
	AssignmentVoted     AssignmentState = "Voted"
	AssignmentInactive  AssignmentState = "Inactive"
)

// Active reports whether the assignment still occupies the reviewer.
func (s AssignmentState) Active() bool {
	return s == AssignmentDelivered || s == AssignmentAccepted
}

// Assignment is a delivery of one report to one reviewer. Unique per
// (ReportID, ReviewerID) while active. ExpiresAt is the delivery TTL while
// Delivered and the vote deadline once Accepted.
type Assignment struct {
	ID          int64
	ReportID    int64
	ReviewerID  int64
	DMMessageID int64 // zero when the DM send failed; sweeper reconciles
	State       AssignmentState
	DeliveredAt time.Time
	ExpiresAt   time.Time
}

// ============================================================================
// VERDICTS
// ============================================================================

// Verdict is the resolved outcome kind of a report.
type Verdict string

const (
	VerdictDismissed        Verdict = "Improcedente"
	VerdictIntimidated      Verdict = "Intimidated"
	VerdictIntimidatedGrave Verdict = "Intimidated+Grave"
	VerdictGrave            Verdict = "Grave"
	VerdictGraveBan         Verdict = "Grave-Ban"
)

// Punishes reports whether the verdict carries a timeout.
func (v Verdict) Punishes() bool { return v != VerdictDismissed }

// PunishmentLog is the audit record of one applied punishment.
type PunishmentLog struct {
	ID        int64
	ReportID  int64
	GuildID   int64
	AccusedID int64
	Verdict   Verdict
	Duration  time.Duration
	AppliedAt time.Time
}

// ============================================================================
// PREMIUM SERVERS
// ============================================================================

// PremiumServer is an active premium subscription window for one guild.
type PremiumServer struct {
	GuildID int64
	StartAt time.Time
	EndAt   time.Time
}

// Active reports whether the subscription covers the given instant.
func (p PremiumServer) Active(now time.Time) bool {
	return !p.StartAt.After(now) && p.EndAt.After(now)
}

// ServerConfig holds per-guild policy overrides. At most one row per
// guild; zero durations mean "use the default".
type ServerConfig struct {
	GuildID          int64
	LogChannelID     int64 // 0 when no log channel is configured
	IntimidatedHours int
	IntimGraveHours  int
	GraveHours       int
	GraveBanHours    int
}

// ============================================================================
// LIVENESS CAPTCHAS
// ============================================================================

// CaptchaStatus is the life-cycle state of one liveness challenge.
type CaptchaStatus string

const (
	CaptchaPending  CaptchaStatus = "Pending"
	CaptchaAnswered CaptchaStatus = "Answered"
	CaptchaExpired  CaptchaStatus = "Expired"
)

// Captcha is a liveness challenge issued to a long-shift reviewer.
type Captcha struct {
	ID          int64
	ReviewerID  int64
	Code        string // 6-char challenge identifier
	Question    string
	Answer      string
	Status      CaptchaStatus
	DMMessageID int64
	IssuedAt    time.Time
	ExpiresAt   time.Time
	AnsweredAt  *time.Time
	PointsLost  int
}
