package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/duty"
	"github.com/guardiao/backend/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotRegistered),
		errors.Is(err, domain.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrOnCooldown),
		errors.Is(err, domain.ErrDuplicateVote),
		errors.Is(err, domain.ErrReportClosed),
		errors.Is(err, domain.ErrNoSlotAvailable):
		status = http.StatusConflict
	case errors.Is(err, duty.ErrWrongAnswer):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAdapterUnreachable):
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"error": err.Error()}
	var quotaErr *domain.QuotaError
	if errors.As(err, &quotaErr) && quotaErr.PremiumWouldAllow {
		body["premium_hint"] = "upgrade to premium to raise this limit"
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GuildID    int64  `json:"guild_id"`
		ChannelID  int64  `json:"channel_id"`
		ReporterID int64  `json:"reporter_id"`
		AccusedID  int64  `json:"accused_id"`
		Reason     string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	receipt, err := s.reports.Submit(r.Context(), pipeline.SubmitRequest{
		GuildID:    req.GuildID,
		ChannelID:  req.ChannelID,
		ReporterID: req.ReporterID,
		AccusedID:  req.AccusedID,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"hash":              receipt.Hash,
		"guardians_on_duty": receipt.GuardiansOnDuty,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReportByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"hash":       report.Hash,
		"guild_id":   report.GuildID,
		"status":     string(report.Status),
		"is_premium": report.IsPremium,
		"created_at": s.displayTime(report.CreatedAt),
	}
	if report.FinalVerdict != nil {
		resp["verdict"] = string(*report.FinalVerdict)
	}
	if report.FinalizedAt != nil {
		resp["finalized_at"] = s.displayTime(*report.FinalizedAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID int64 `json:"reviewer_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	evidence, err := s.assignments.Accept(r.Context(), mux.Vars(r)["hash"], req.ReviewerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evidence": evidence,
		"count":    len(evidence),
	})
}

func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID int64 `json:"reviewer_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.assignments.Dispense(r.Context(), mux.Vars(r)["hash"], req.ReviewerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dispensed"})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID int64  `json:"reviewer_id"`
		Choice     string `json:"choice"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.votes.CastVote(r.Context(), mux.Vars(r)["hash"], req.ReviewerID, domain.VoteChoice(req.Choice))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID int64 `json:"requester_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.votes.Appeal(r.Context(), mux.Vars(r)["hash"], req.RequesterID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reopened"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          int64  `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	reviewer, err := s.duty.Register(r.Context(), req.ID, req.Username, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   reviewer.ID,
		"tier": string(reviewer.Tier),
	})
}

func (s *Server) handleShift(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid reviewer id"})
		return
	}
	var req struct {
		Action string `json:"action"` // start / end
	}
	if !decodeBody(w, r, &req) {
		return
	}

	switch req.Action {
	case "start":
		if err := s.duty.StartShift(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "on_duty"})
	case "end":
		receipt, err := s.duty.EndShift(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "off_duty",
			"duration": receipt.Duration.String(),
			"points":   receipt.Points,
			"xp":       receipt.XP,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be start or end"})
	}
}

func (s *Server) handleExam(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid reviewer id"})
		return
	}
	var req struct {
		Passed bool `json:"passed"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.duty.RecordExamResult(r.Context(), id, req.Passed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"passed": req.Passed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid reviewer id"})
		return
	}

	stats, err := s.duty.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            stats.Reviewer.ID,
		"tier":          string(stats.Reviewer.Tier),
		"points":        stats.Reviewer.Points,
		"experience":    stats.Reviewer.Experience,
		"on_duty":       stats.Reviewer.OnDuty,
		"rank":          stats.Rank,
		"rank_xp":       stats.RankXP,
		"rank_span":     stats.RankSpan,
		"rank_progress": stats.RankProgress,
	})
}

func (s *Server) handleCaptchaAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID int64  `json:"reviewer_id"`
		Answer     string `json:"answer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.duty.AnswerCaptcha(r.Context(), mux.Vars(r)["code"], req.ReviewerID, req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID  int64 `json:"actor_id"`
		TargetID int64 `json:"target_id"`
		Points   int   `json:"points"`
		XP       int   `json:"xp"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.duty.AdjustPoints(r.Context(), req.ActorID, req.TargetID, req.Points, req.XP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req duty.BroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}

	delivered, err := s.duty.Broadcast(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (s *Server) handleGetPremium(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathID(r, "guild")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}

	p, err := s.store.GetPremium(r.Context(), guildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guild_id": p.GuildID,
		"start_at": p.StartAt,
		"end_at":   p.EndAt,
		"active":   p.Active(time.Now().UTC()),
	})
}

func (s *Server) handlePutPremium(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathID(r, "guild")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}
	var req struct {
		StartAt time.Time `json:"start_at"`
		EndAt   time.Time `json:"end_at"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.EndAt.After(req.StartAt) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end_at must be after start_at"})
		return
	}

	if err := s.store.UpsertPremium(r.Context(), guildID, req.StartAt, req.EndAt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "upserted"})
}

func (s *Server) handleGetServerConfig(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathID(r, "guild")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}

	cfg, err := s.store.GetServerConfig(r.Context(), guildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guild_id":          cfg.GuildID,
		"log_channel_id":    cfg.LogChannelID,
		"intimidated_hours": cfg.IntimidatedHours,
		"intim_grave_hours": cfg.IntimGraveHours,
		"grave_hours":       cfg.GraveHours,
		"grave_ban_hours":   cfg.GraveBanHours,
	})
}

func (s *Server) handlePutServerConfig(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathID(r, "guild")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}
	var req struct {
		LogChannelID     int64 `json:"log_channel_id"`
		IntimidatedHours int   `json:"intimidated_hours"`
		IntimGraveHours  int   `json:"intim_grave_hours"`
		GraveHours       int   `json:"grave_hours"`
		GraveBanHours    int   `json:"grave_ban_hours"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := domain.ServerConfig{
		GuildID:          guildID,
		LogChannelID:     req.LogChannelID,
		IntimidatedHours: req.IntimidatedHours,
		IntimGraveHours:  req.IntimGraveHours,
		GraveHours:       req.GraveHours,
		GraveBanHours:    req.GraveBanHours,
	}

	if err := s.store.UpsertServerConfig(r.Context(), &cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "upserted"})
}

func (s *Server) handlePunishmentLogs(w http.ResponseWriter, r *http.Request) {
	guildID, err := pathID(r, "guild")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guild id"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	logs, err := s.store.PunishmentLogs(r.Context(), guildID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(logs))
	for _, l := range logs {
		views = append(views, map[string]interface{}{
			"report_id":  l.ReportID,
			"accused_id": l.AccusedID,
			"verdict":    string(l.Verdict),
			"duration":   l.Duration.String(),
			"applied_at": s.displayTime(l.AppliedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guild_id":    guildID,
		"punishments": views,
		"total":       len(views),
	})
}
