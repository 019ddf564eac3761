package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sethvargo/go-envconfig"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Scheduler  SchedulerConfig
	Posting    PostingConfig
	Submission SubmissionConfig
	Moderation ModerationConfig
	Gateway    GatewayConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS, default=:8080"`
}

type DatabaseConfig struct {
	Driver      string `env:"STORE_DRIVER, default=postgres"`
	PostgresURL string `env:"POSTGRES_URL"`
	MaxConns    int32  `env:"POSTGRES_MAX_CONNS, default=10"`
}

type RedisConfig struct {
	Address    string `env:"REDIS_ADDR"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB, default=0"`
	TTLSeconds int    `env:"REDIS_TTL_SECONDS, default=86400"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Address != "" }

func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX, default=spotter"`
}

func (n NATSConfig) Enabled() bool { return n.URL != "" }

type SchedulerConfig struct {
	IntervalSeconds int    `env:"SCHED_INTERVAL_SECONDS, default=60"`
	DailyAt         string `env:"SCHED_DAILY_AT, default=20:00"`
	Timezone        string `env:"SCHED_TIMEZONE, default=Europe/Rome"`
	JitterSeconds   int    `env:"SCHED_JITTER_SECONDS, default=15"`
	CatchUpMinutes  int    `env:"SCHED_DAILY_CATCHUP_MINUTES, default=60"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (s SchedulerConfig) Jitter() time.Duration {
	return time.Duration(s.JitterSeconds) * time.Second
}

func (s SchedulerConfig) CatchUp() time.Duration {
	return time.Duration(s.CatchUpMinutes) * time.Minute
}

// Location resolves Timezone; it is validated at load time.
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type PostingConfig struct {
	DailyCap        int    `env:"POSTING_DAILY_CAP, default=10"`
	PerHour         int    `env:"POSTING_PER_HOUR, default=0"`
	ClaimTTLSeconds int    `env:"POSTING_CLAIM_TTL_SECONDS, default=900"`
	Caption         string `env:"POSTING_CAPTION"`
}

func (p PostingConfig) ClaimTTL() time.Duration {
	return time.Duration(p.ClaimTTLSeconds) * time.Second
}

type SubmissionConfig struct {
	MinChars int `env:"SUBMISSION_MIN_CHARS, default=10"`
	MaxChars int `env:"SUBMISSION_MAX_CHARS, default=1000"`
}

type ModerationConfig struct {
	URL            string `env:"MODERATION_URL"`
	TimeoutSeconds int    `env:"MODERATION_TIMEOUT_SECONDS, default=30"`
	AutoApprove    bool   `env:"MODERATION_AUTO_APPROVE, default=true"`
}

func (m ModerationConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type GatewayConfig struct {
	RenderURL       string `env:"RENDER_URL"`
	PublishURL      string `env:"PUBLISH_URL"`
	PublishUsername string `env:"PUBLISH_USERNAME"`
	PublishPassword string `env:"PUBLISH_PASSWORD"`
	TimeoutSeconds  int    `env:"GATEWAY_TIMEOUT_SECONDS, default=30"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL, default=info"`
	Format string `env:"LOG_FORMAT, default=json"`
}

// LoadAll reads the configuration from the process environment and
// validates it. All validation problems are reported together.
func LoadAll() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	switch cfg.Database.Driver {
	case StorePostgres:
		if cfg.Database.PostgresURL == "" {
			errs = append(errs, errors.New("POSTGRES_URL is required when STORE_DRIVER=postgres"))
		}
		if cfg.Database.MaxConns <= 0 {
			errs = append(errs, errors.New("POSTGRES_MAX_CONNS must be > 0"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", StorePostgres, StoreMemory, cfg.Database.Driver))
	}

	for key, val := range map[string]string{
		"MODERATION_URL": cfg.Moderation.URL,
		"RENDER_URL":     cfg.Gateway.RenderURL,
		"PUBLISH_URL":    cfg.Gateway.PublishURL,
	} {
		if val == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", key))
		}
	}

	if cfg.Scheduler.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.JitterSeconds < 0 {
		errs = append(errs, errors.New("SCHED_JITTER_SECONDS must be >= 0"))
	}
	if cfg.Scheduler.CatchUpMinutes < 0 {
		errs = append(errs, errors.New("SCHED_DAILY_CATCHUP_MINUTES must be >= 0"))
	}
	if cfg.Scheduler.DailyAt != "" {
		if _, err := time.Parse("15:04", cfg.Scheduler.DailyAt); err != nil {
			errs = append(errs, fmt.Errorf("SCHED_DAILY_AT must be HH:MM, got %q", cfg.Scheduler.DailyAt))
		}
	}
	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SCHED_TIMEZONE: %w", err))
	}

	if cfg.Posting.DailyCap < 0 {
		errs = append(errs, errors.New("POSTING_DAILY_CAP must be >= 0"))
	}
	if cfg.Posting.PerHour < 0 {
		errs = append(errs, errors.New("POSTING_PER_HOUR must be >= 0"))
	}
	if cfg.Posting.ClaimTTLSeconds <= 0 {
		errs = append(errs, errors.New("POSTING_CLAIM_TTL_SECONDS must be > 0"))
	}

	if cfg.Submission.MinChars <= 0 {
		errs = append(errs, errors.New("SUBMISSION_MIN_CHARS must be > 0"))
	}
	if cfg.Submission.MaxChars < cfg.Submission.MinChars {
		errs = append(errs, errors.New("SUBMISSION_MAX_CHARS must be >= SUBMISSION_MIN_CHARS"))
	}

	if cfg.Moderation.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("MODERATION_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT_SECONDS must be > 0"))
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.Log.Format))
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
