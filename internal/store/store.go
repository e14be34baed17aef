// Package store is the Postgres persistence layer. All SQL lives here;
// the engines call typed operations and branch on domain error kinds.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres pool.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open connects to Postgres and bounds the pool.
func Open(url string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reviewers (
			id              BIGINT PRIMARY KEY,
			username        VARCHAR(100) NOT NULL,
			display_name    VARCHAR(100) NOT NULL,
			tier            VARCHAR(20)  NOT NULL DEFAULT 'User',
			points          INTEGER      NOT NULL DEFAULT 0,
			experience      INTEGER      NOT NULL DEFAULT 0,
			on_duty         BOOLEAN      NOT NULL DEFAULT FALSE,
			shift_start     TIMESTAMPTZ,
			exam_cooldown_until       TIMESTAMPTZ,
			dispense_cooldown_until   TIMESTAMPTZ,
			inactivity_cooldown_until TIMESTAMPTZ,
			registered_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id           BIGSERIAL PRIMARY KEY,
			hash         VARCHAR(16) UNIQUE NOT NULL,
			guild_id     BIGINT NOT NULL,
			channel_id   BIGINT NOT NULL,
			reporter_id  BIGINT NOT NULL,
			accused_id   BIGINT NOT NULL,
			reason       TEXT   NOT NULL,
			status       VARCHAR(20) NOT NULL DEFAULT 'Pending',
			is_premium   BOOLEAN NOT NULL DEFAULT FALSE,
			final_verdict VARCHAR(30),
			finalized_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_status ON reports (status)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_guild ON reports (guild_id, status)`,
		`CREATE TABLE IF NOT EXISTS captured_messages (
			id         BIGSERIAL PRIMARY KEY,
			report_id  BIGINT NOT NULL REFERENCES reports(id),
			author_id  BIGINT NOT NULL,
			content    TEXT   NOT NULL,
			attachment_urls TEXT[],
			sent_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captured_report ON captured_messages (report_id)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id          BIGSERIAL PRIMARY KEY,
			report_id   BIGINT NOT NULL REFERENCES reports(id),
			reviewer_id BIGINT NOT NULL REFERENCES reviewers(id),
			choice      VARCHAR(20) NOT NULL,
			xp_awarded  BOOLEAN NOT NULL DEFAULT FALSE,
			cast_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT votes_one_per_reviewer UNIQUE (report_id, reviewer_id)
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id            BIGSERIAL PRIMARY KEY,
			report_id     BIGINT NOT NULL REFERENCES reports(id),
			reviewer_id   BIGINT NOT NULL REFERENCES reviewers(id),
			dm_message_id BIGINT NOT NULL DEFAULT 0,
			state         VARCHAR(20) NOT NULL DEFAULT 'Delivered',
			delivered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_state ON assignments (state, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_report ON assignments (report_id, state)`,
		`CREATE TABLE IF NOT EXISTS premium_servers (
			guild_id BIGINT PRIMARY KEY,
			start_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_configs (
			guild_id            BIGINT PRIMARY KEY,
			log_channel_id      BIGINT  NOT NULL DEFAULT 0,
			intimidated_hours   INTEGER NOT NULL DEFAULT 1,
			intim_grave_hours INTEGER NOT NULL DEFAULT 6,
			grave_hours       INTEGER NOT NULL DEFAULT 12,
			grave_ban_hours   INTEGER NOT NULL DEFAULT 24
		)`,
		`CREATE TABLE IF NOT EXISTS captchas (
			id            BIGSERIAL PRIMARY KEY,
			reviewer_id   BIGINT NOT NULL REFERENCES reviewers(id),
			code          VARCHAR(12) UNIQUE NOT NULL,
			question      TEXT NOT NULL,
			answer        TEXT NOT NULL,
			status        VARCHAR(20) NOT NULL DEFAULT 'Pending',
			dm_message_id BIGINT NOT NULL DEFAULT 0,
			points_lost   INTEGER NOT NULL DEFAULT 0,
			issued_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at    TIMESTAMPTZ NOT NULL,
			answered_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captchas_status ON captchas (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS punishment_logs (
			id         BIGSERIAL PRIMARY KEY,
			report_id  BIGINT NOT NULL REFERENCES reports(id),
			guild_id   BIGINT NOT NULL,
			accused_id BIGINT NOT NULL,
			verdict    VARCHAR(30) NOT NULL,
			duration_seconds BIGINT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	s.logger.Printf("schema ready")
	return nil
}
