// Package api exposes the moderation engines over REST/JSON for the
// chat gateway, plus a WebSocket event stream and the Prometheus
// endpoint.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/distributor"
	"github.com/guardiao/backend/internal/domain"
	"github.com/guardiao/backend/internal/duty"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/pipeline"
)

// ReportIntake accepts new reports.
type ReportIntake interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.Receipt, error)
}

// AssignmentService handles reviewer responses to deliveries.
type AssignmentService interface {
	Accept(ctx context.Context, hash string, reviewerID int64) ([]distributor.EvidenceLine, error)
	Dispense(ctx context.Context, hash string, reviewerID int64) error
}

// VoteService casts votes and handles appeals.
type VoteService interface {
	CastVote(ctx context.Context, hash string, reviewerID int64, choice domain.VoteChoice) error
	Appeal(ctx context.Context, hash string, requesterID int64) error
}

// DutyService covers reviewer registration, shifts, captchas, exams,
// stats and administrative actions.
type DutyService interface {
	Register(ctx context.Context, id int64, username, displayName string) (*domain.Reviewer, error)
	StartShift(ctx context.Context, id int64) error
	EndShift(ctx context.Context, id int64) (*duty.ShiftReceipt, error)
	AnswerCaptcha(ctx context.Context, code string, reviewerID int64, answer string) error
	RecordExamResult(ctx context.Context, id int64, passed bool) error
	Stats(ctx context.Context, id int64) (*duty.StatsView, error)
	AdjustPoints(ctx context.Context, actorID, targetID int64, points, xp int) error
	Broadcast(ctx context.Context, req duty.BroadcastRequest) (int, error)
}

// AdminStore is the persistence surface the admin endpoints need.
type AdminStore interface {
	GetReportByHash(ctx context.Context, hash string) (*domain.Report, error)
	GetPremium(ctx context.Context, guildID int64) (*domain.PremiumServer, error)
	UpsertPremium(ctx context.Context, guildID int64, startAt, endAt time.Time) error
	GetServerConfig(ctx context.Context, guildID int64) (*domain.ServerConfig, error)
	UpsertServerConfig(ctx context.Context, c *domain.ServerConfig) error
	PunishmentLogs(ctx context.Context, guildID int64, limit int) ([]*domain.PunishmentLog, error)
}

// Server is the HTTP front of the moderation service.
type Server struct {
	reports     ReportIntake
	assignments AssignmentService
	votes       VoteService
	duty        DutyService
	store       AdminStore
	breakers    *circuitbreaker.GatewayBreakers
	stream      *Streamer
	display     config.DisplayConfig
	logger      *log.Logger

	httpSrv *http.Server
}

// NewServer wires the HTTP server. The event bus feeds the WebSocket
// stream.
func NewServer(reports ReportIntake, assignments AssignmentService, votes VoteService, dutySvc DutyService, store AdminStore, breakers *circuitbreaker.GatewayBreakers, bus *events.Bus, cfg config.ServerConfig, display config.DisplayConfig) *Server {
	s := &Server{
		reports:     reports,
		assignments: assignments,
		votes:       votes,
		duty:        dutySvc,
		store:       store,
		breakers:    breakers,
		stream:      NewStreamer(bus),
		display:     display,
		logger:      log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// Reports
	r.HandleFunc("/v1/reports", s.handleSubmitReport).Methods("POST")
	r.HandleFunc("/v1/reports/{hash}", s.handleGetReport).Methods("GET")
	r.HandleFunc("/v1/reports/{hash}/accept", s.handleAccept).Methods("POST")
	r.HandleFunc("/v1/reports/{hash}/dispense", s.handleDispense).Methods("POST")
	r.HandleFunc("/v1/reports/{hash}/votes", s.handleVote).Methods("POST")
	r.HandleFunc("/v1/reports/{hash}/appeal", s.handleAppeal).Methods("POST")

	// Reviewers
	r.HandleFunc("/v1/reviewers", s.handleRegister).Methods("POST")
	r.HandleFunc("/v1/reviewers/{id}/shift", s.handleShift).Methods("POST")
	r.HandleFunc("/v1/reviewers/{id}/exam", s.handleExam).Methods("POST")
	r.HandleFunc("/v1/reviewers/{id}/stats", s.handleStats).Methods("GET")

	// Captchas
	r.HandleFunc("/v1/captchas/{code}/answer", s.handleCaptchaAnswer).Methods("POST")

	// Admin
	r.HandleFunc("/v1/admin/adjust", s.handleAdjust).Methods("POST")
	r.HandleFunc("/v1/admin/broadcast", s.handleBroadcast).Methods("POST")
	r.HandleFunc("/v1/admin/premium/{guild}", s.handleGetPremium).Methods("GET")
	r.HandleFunc("/v1/admin/premium/{guild}", s.handlePutPremium).Methods("PUT")
	r.HandleFunc("/v1/admin/config/{guild}", s.handleGetServerConfig).Methods("GET")
	r.HandleFunc("/v1/admin/config/{guild}", s.handlePutServerConfig).Methods("PUT")
	r.HandleFunc("/v1/admin/punishments/{guild}", s.handlePunishmentLogs).Methods("GET")

	// Infrastructure
	r.HandleFunc("/v1/events", s.stream.HandleWS).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start runs the listener and the event stream hub. Blocks until the
// listener stops.
func (s *Server) Start() error {
	s.stream.Start()
	s.logger.Printf("listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and the stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Stop()
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth reports liveness plus the gateway breaker states.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, breakers := s.breakers.HealthStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"breakers": breakers,
		"time":     time.Now().UTC(),
	})
}

// displayTime renders a timestamp in the configured presentation zone.
func (s *Server) displayTime(t time.Time) string {
	zone := time.FixedZone("display", s.display.TimezoneOffsetHours*3600)
	return t.In(zone).Format("2006-01-02 15:04:05")
}
