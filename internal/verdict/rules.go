// Package verdict turns weighted vote tallies into verdicts and carries
// them out: finalization, punishment, XP payout and appeals.
package verdict

import (
	"time"

	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/domain"
)

// Determine resolves a tally into a verdict. Rules are evaluated in
// order and the first match wins, so an OK majority beats everything,
// including a tied Grave block.
func Determine(t domain.Tally) domain.Verdict {
	switch {
	case t.OK >= 3:
		return domain.VerdictDismissed
	case t.Grave >= 4:
		return domain.VerdictGraveBan
	case t.Grave >= 3:
		return domain.VerdictGrave
	case t.Intimidated >= 3 && t.Grave >= 2:
		return domain.VerdictIntimidatedGrave
	case t.Intimidated >= 3:
		return domain.VerdictIntimidated
	default:
		return domain.VerdictDismissed
	}
}

// Duration resolves the timeout for a verdict. Premium guilds may carry
// per-server hour overrides; a zero override falls back to the default.
// Only the duration is overridable, never the verdict kind.
func Duration(v domain.Verdict, defaults config.PunishmentConfig, override *domain.ServerConfig, premium bool) time.Duration {
	hours := 0
	switch v {
	case domain.VerdictIntimidated:
		hours = defaults.IntimidatedHours
		if premium && override != nil && override.IntimidatedHours > 0 {
			hours = override.IntimidatedHours
		}
	case domain.VerdictIntimidatedGrave:
		hours = defaults.IntimGraveHours
		if premium && override != nil && override.IntimGraveHours > 0 {
			hours = override.IntimGraveHours
		}
	case domain.VerdictGrave:
		hours = defaults.GraveHours
		if premium && override != nil && override.GraveHours > 0 {
			hours = override.GraveHours
		}
	case domain.VerdictGraveBan:
		hours = defaults.GraveBanHours
		if premium && override != nil && override.GraveBanHours > 0 {
			hours = override.GraveBanHours
		}
	}
	return time.Duration(hours) * time.Hour
}
