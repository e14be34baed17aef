package duty

import (
	"context"
	"fmt"

	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/domain"
)

// Audience selects who receives a broadcast.
type Audience string

const (
	// AudienceUser targets one reviewer by id.
	AudienceUser Audience = "user"
	// AudienceGuardians targets every reviewer of Guardian tier and above.
	AudienceGuardians Audience = "guardians"
	// AudienceModerators targets Moderators and Administrators.
	AudienceModerators Audience = "moderators"
	// AudienceAdministrators targets Administrators only.
	AudienceAdministrators Audience = "administrators"
	// AudienceChannel posts to a guild channel instead of DMs.
	AudienceChannel Audience = "channel"
)

func (a Audience) tiers() []domain.Tier {
	switch a {
	case AudienceGuardians:
		return []domain.Tier{domain.TierGuardian, domain.TierModerator, domain.TierAdministrator}
	case AudienceModerators:
		return []domain.Tier{domain.TierModerator, domain.TierAdministrator}
	case AudienceAdministrators:
		return []domain.Tier{domain.TierAdministrator}
	default:
		return nil
	}
}

// BroadcastRequest is an administrative announcement.
type BroadcastRequest struct {
	ActorID  int64    `json:"actor_id"`
	Audience Audience `json:"audience"`
	// TargetID is the reviewer id for AudienceUser and the channel id for
	// AudienceChannel; ignored otherwise.
	TargetID int64  `json:"target_id,omitempty"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// requireAdministrator loads the actor and rejects anyone below
// Administrator.
func (e *Engine) requireAdministrator(ctx context.Context, actorID int64) error {
	actor, err := e.store.GetReviewer(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Tier != domain.TierAdministrator {
		return fmt.Errorf("actor %d is %s: %w", actorID, actor.Tier, domain.ErrNotAuthorized)
	}
	return nil
}

// AdjustPoints applies an administrative point and XP correction to a
// reviewer. Negative deltas clamp at zero in the store.
func (e *Engine) AdjustPoints(ctx context.Context, actorID, targetID int64, points, xp int) error {
	if err := e.requireAdministrator(ctx, actorID); err != nil {
		return err
	}
	if err := e.store.AddPoints(ctx, targetID, points, xp); err != nil {
		return err
	}
	e.logger.Printf("admin %d adjusted reviewer %d by %d points / %d XP", actorID, targetID, points, xp)
	return nil
}

// Broadcast fans an announcement out to the audience. DM deliveries run
// serialized so the gateway rate limit is never burst; one failed
// recipient does not stop the rest. Returns how many deliveries landed.
func (e *Engine) Broadcast(ctx context.Context, req BroadcastRequest) (int, error) {
	if err := e.requireAdministrator(ctx, req.ActorID); err != nil {
		return 0, err
	}

	switch req.Audience {
	case AudienceChannel:
		msg := chat.ChannelMessage{Title: req.Title, Body: req.Body}
		if _, err := e.adapter.PostChannelMessage(ctx, req.TargetID, msg); err != nil {
			return 0, fmt.Errorf("posting broadcast to channel %d: %w", req.TargetID, err)
		}
		return 1, nil

	case AudienceUser:
		if err := e.sendBroadcastDM(ctx, req.TargetID, req); err != nil {
			return 0, err
		}
		return 1, nil

	case AudienceGuardians, AudienceModerators, AudienceAdministrators:
		recipients, err := e.store.ReviewersByTier(ctx, req.Audience.tiers())
		if err != nil {
			return 0, err
		}
		delivered := 0
		for _, r := range recipients {
			if err := e.sendBroadcastDM(ctx, r.ID, req); err != nil {
				e.logger.Printf("broadcasting to reviewer %d: %v", r.ID, err)
				continue
			}
			delivered++
		}
		e.logger.Printf("broadcast by admin %d reached %d/%d %s", req.ActorID, delivered, len(recipients), req.Audience)
		return delivered, nil

	default:
		return 0, fmt.Errorf("audience %q: %w", req.Audience, domain.ErrNotAuthorized)
	}
}

func (e *Engine) sendBroadcastDM(ctx context.Context, userID int64, req BroadcastRequest) error {
	dm := chat.DM{Title: req.Title, Body: req.Body}
	_, err := e.dm.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return e.adapter.SendDM(ctx, userID, dm)
	})
	return err
}
