// Package config loads the service configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Quotas      QuotaConfig       `yaml:"quotas"`
	Distributor DistributorConfig `yaml:"distributor"`
	Duty        DutyConfig        `yaml:"duty"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	Punishments PunishmentConfig  `yaml:"punishments"`
	Display     DisplayConfig     `yaml:"display"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig covers the Postgres pool.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig covers the distribution lock and the event bridge. Leaving
// Addr empty disables both and the service runs single-node.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	EventChannel string `yaml:"event_channel"`
}

// GatewayConfig covers the chat gateway client.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// QuotaConfig caps open reports per guild. Pending and InAnalysis counts
// are limited separately; premium guilds get the raised limits.
type QuotaConfig struct {
	PendingFree     int `yaml:"pending_free"`
	PendingPremium  int `yaml:"pending_premium"`
	AnalysisFree    int `yaml:"analysis_free"`
	AnalysisPremium int `yaml:"analysis_premium"`
}

// DistributorConfig tunes the assignment scheduler.
type DistributorConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DeliveryTTL        time.Duration `yaml:"delivery_ttl"`
	CaptureGrace       time.Duration `yaml:"capture_grace"`
	MaxOutstanding     int           `yaml:"max_outstanding"`
	RequiredWeight     int           `yaml:"required_weight"`
	ModeratorAfter     time.Duration `yaml:"moderator_after"`
	DispenseCooldown   time.Duration `yaml:"dispense_cooldown"`
	InactivityCooldown time.Duration `yaml:"inactivity_cooldown"`
	InactivityPoints   int           `yaml:"inactivity_points"`
	InactivityXP       int           `yaml:"inactivity_xp"`
}

// DutyConfig tunes shifts and point accrual.
type DutyConfig struct {
	PointsPerHour   int           `yaml:"points_per_hour"`
	AccrualInterval time.Duration `yaml:"accrual_interval"`
	ExamCooldown    time.Duration `yaml:"exam_cooldown"`
	MinAccountAge   time.Duration `yaml:"min_account_age"`
}

// CaptchaConfig tunes the liveness challenge issuer.
type CaptchaConfig struct {
	IssueInterval       time.Duration `yaml:"issue_interval"`
	ShiftThreshold      time.Duration `yaml:"shift_threshold"`
	PendingSuppression  time.Duration `yaml:"pending_suppression"`
	AnsweredSuppression time.Duration `yaml:"answered_suppression"`
	TTL                 time.Duration `yaml:"ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// PunishmentConfig holds the default timeout durations per verdict kind.
// Premium guilds may override them per server.
type PunishmentConfig struct {
	IntimidatedHours int `yaml:"intimidated_hours"`
	IntimGraveHours  int `yaml:"intim_grave_hours"`
	GraveHours       int `yaml:"grave_hours"`
	GraveBanHours    int `yaml:"grave_ban_hours"`
}

// DisplayConfig covers presentation-only settings.
type DisplayConfig struct {
	// TimezoneOffsetHours shifts timestamps in user-facing payloads.
	// Storage stays UTC.
	TimezoneOffsetHours int `yaml:"timezone_offset_hours"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			EventChannel: "guardiao:events",
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 10 * time.Second,
		},
		Quotas: QuotaConfig{
			PendingFree:     5,
			PendingPremium:  15,
			AnalysisFree:    5,
			AnalysisPremium: 10,
		},
		Distributor: DistributorConfig{
			TickInterval:       30 * time.Second,
			SweepInterval:      60 * time.Second,
			DeliveryTTL:        5 * time.Minute,
			CaptureGrace:       10 * time.Second,
			MaxOutstanding:     10,
			RequiredWeight:     5,
			ModeratorAfter:     15 * time.Minute,
			DispenseCooldown:   10 * time.Minute,
			InactivityCooldown: time.Hour,
			InactivityPoints:   5,
			InactivityXP:       10,
		},
		Duty: DutyConfig{
			PointsPerHour:   1,
			AccrualInterval: time.Hour,
			ExamCooldown:    24 * time.Hour,
			MinAccountAge:   90 * 24 * time.Hour,
		},
		Captcha: CaptchaConfig{
			IssueInterval:       5 * time.Minute,
			ShiftThreshold:      3 * time.Hour,
			PendingSuppression:  time.Hour,
			AnsweredSuppression: 3 * time.Hour,
			TTL:                 15 * time.Minute,
			SweepInterval:       60 * time.Second,
		},
		Punishments: PunishmentConfig{
			IntimidatedHours: 1,
			IntimGraveHours:  6,
			GraveHours:       12,
			GraveBanHours:    24,
		},
		Display: DisplayConfig{
			TimezoneOffsetHours: -3,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults and
// environment stand alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	if c.Distributor.RequiredWeight <= 0 {
		return fmt.Errorf("distributor.required_weight must be positive")
	}
	if c.Distributor.MaxOutstanding <= 0 {
		return fmt.Errorf("distributor.max_outstanding must be positive")
	}
	if c.Quotas.PendingFree <= 0 || c.Quotas.AnalysisFree <= 0 {
		return fmt.Errorf("quotas must be positive")
	}
	return nil
}
