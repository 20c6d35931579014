package cfg

import (
	"cmp"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options are shared by every command.
type Options struct {
	// Store configuration
	Driver      string `long:"driver" env:"DB_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Database driver"`
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" default:"feeds.db" description:"Database DSN (file path for sqlite)"`

	// Polling configuration
	Count        int  `long:"count" env:"BATCH_COUNT" default:"100" description:"Maximum number of feeds claimed per tick"`
	Workers      int  `long:"workers" env:"WORKER_COUNT" default:"5" description:"Number of feeds processed concurrently"`
	SleepSeconds int  `long:"sleep-seconds" env:"SLEEP_SECONDS" default:"30" description:"Pause between ticks when nothing is due"`
	SingleRun    bool `long:"single-run" env:"SINGLE_RUN" description:"Run a single tick and exit"`
	ClaimTTL     int  `long:"claim-ttl" env:"CLAIM_TTL" default:"600" description:"Claim lease in seconds (sqlite only)"`

	// Backoff configuration
	SuccessBackoff  int `long:"success-backoff" env:"SUCCESS_BACKOFF" default:"3600" description:"Seconds between successful fetches"`
	MinErrorBackoff int `long:"min-error-backoff" env:"MIN_ERROR_BACKOFF" default:"60" description:"Minimum seconds before retrying a failing feed"`
	MaxErrorBackoff int `long:"max-error-backoff" env:"MAX_ERROR_BACKOFF" default:"3600" description:"Error backoff ceiling in seconds; beyond it growth is linear"`

	// Fetch configuration
	FetchTimeout     int    `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"HTTP fetch timeout in seconds"`
	MaxResponseBytes int64  `long:"max-response-bytes" env:"MAX_RESPONSE_BYTES" default:"10485760" description:"Maximum accepted feed body size"`
	UserAgent        string `long:"user-agent" env:"USER_AGENT" default:"Feed Poller/1.0" description:"User agent string for HTTP requests"`
	HostIntervalMs   int    `long:"host-interval-ms" env:"HOST_INTERVAL_MS" default:"500" description:"Minimum milliseconds between requests to the same host"`

	// Archival configuration
	ArchiveSchedule       string        `long:"archive-schedule" env:"ARCHIVE_SCHEDULE" default:"@every 1m" description:"Cron spec for archival sweeps"`
	ArchiveBackoff        int           `long:"archive-backoff" env:"ARCHIVE_BACKOFF" default:"86400" description:"Seconds between archival sweeps of a feed"`
	ArchiveTimeThreshold  time.Duration `long:"archive-time-threshold" env:"ARCHIVE_TIME_THRESHOLD" default:"720h" description:"Entries published before now minus this are archived"`
	ArchiveCountThreshold int           `long:"archive-count-threshold" env:"ARCHIVE_COUNT_THRESHOLD" default:"500" description:"Number of newest entries kept per feed"`

	// Grace period configuration
	GraceInterval time.Duration `long:"grace-interval" env:"GRACE_INTERVAL" default:"-168h" description:"Offset from account creation that starts the grace period"`
	GraceMinCount int           `long:"grace-min-count" env:"GRACE_MIN_COUNT" default:"5" description:"Minimum unread entries left for a new subscriber"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func (o *Options) SchedulerConfig() (SchedulerConfig, error) {
	c := SchedulerConfig{
		Count:                 o.Count,
		Workers:               o.Workers,
		SleepInterval:         time.Duration(o.SleepSeconds) * time.Second,
		SingleRun:             o.SingleRun,
		ClaimTTL:              time.Duration(o.ClaimTTL) * time.Second,
		SuccessBackoff:        time.Duration(o.SuccessBackoff) * time.Second,
		MinErrorBackoff:       time.Duration(o.MinErrorBackoff) * time.Second,
		MaxErrorBackoff:       time.Duration(o.MaxErrorBackoff) * time.Second,
		FetchTimeout:          time.Duration(o.FetchTimeout) * time.Second,
		MaxResponseBytes:      o.MaxResponseBytes,
		UserAgent:             o.UserAgent,
		HostInterval:          time.Duration(o.HostIntervalMs) * time.Millisecond,
		ArchiveSchedule:       o.ArchiveSchedule,
		ArchiveBackoff:        time.Duration(o.ArchiveBackoff) * time.Second,
		ArchiveTimeThreshold:  o.ArchiveTimeThreshold,
		ArchiveCountThreshold: o.ArchiveCountThreshold,
		GraceInterval:         o.GraceInterval,
		GraceMinCount:         o.GraceMinCount,
	}

	if err := c.Validate(); err != nil {
		return SchedulerConfig{}, err
	}

	return c, nil
}

func (o *Options) ValidateDriver() error {
	switch o.Driver {
	case DriverPostgres, DriverSQLite:
		return nil
	default:
		return &ConfigurationError{Field: "driver", Reason: fmt.Sprintf("unknown driver %q", o.Driver)}
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c SchedulerConfig) Validate() error {
	switch {
	case c.Count <= 0:
		return &ConfigurationError{Field: "count", Reason: "must be positive"}
	case c.Workers <= 0:
		return &ConfigurationError{Field: "workers", Reason: "must be positive"}
	case c.SleepInterval <= 0:
		return &ConfigurationError{Field: "sleep-seconds", Reason: "must be positive"}
	case c.ClaimTTL <= 0:
		return &ConfigurationError{Field: "claim-ttl", Reason: "must be positive"}
	case c.SuccessBackoff <= 0:
		return &ConfigurationError{Field: "success-backoff", Reason: "must be positive"}
	case c.MinErrorBackoff <= 0:
		return &ConfigurationError{Field: "min-error-backoff", Reason: "must be positive"}
	case c.MinErrorBackoff > c.MaxErrorBackoff:
		return &ConfigurationError{Field: "min-error-backoff", Reason: "must not exceed max-error-backoff"}
	case c.FetchTimeout <= 0:
		return &ConfigurationError{Field: "fetch-timeout", Reason: "must be positive"}
	case c.MaxResponseBytes <= 0:
		return &ConfigurationError{Field: "max-response-bytes", Reason: "must be positive"}
	case c.HostInterval < 0:
		return &ConfigurationError{Field: "host-interval-ms", Reason: "must not be negative"}
	case c.ArchiveBackoff <= 0:
		return &ConfigurationError{Field: "archive-backoff", Reason: "must be positive"}
	case c.ArchiveTimeThreshold < 0:
		return &ConfigurationError{Field: "archive-time-threshold", Reason: "must not be negative"}
	case c.ArchiveCountThreshold < 0:
		return &ConfigurationError{Field: "archive-count-threshold", Reason: "must not be negative"}
	case c.GraceMinCount < 0:
		return &ConfigurationError{Field: "grace-min-count", Reason: "must not be negative"}
	}

	if _, err := cron.ParseStandard(c.ArchiveSchedule); err != nil {
		return &ConfigurationError{Field: "archive-schedule", Reason: err.Error()}
	}

	return nil
}

func ApplyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			slog.Debug("Timezone configured", "timezone", timezone)
		}
	}
	return nil
}
