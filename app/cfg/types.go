package cfg

import (
	"fmt"
	"time"
)

// SchedulerConfig is built once at startup and passed explicitly to every
// component that needs timing or sizing parameters.
type SchedulerConfig struct {
	// Polling
	Count         int
	Workers       int
	SleepInterval time.Duration
	SingleRun     bool
	ClaimTTL      time.Duration

	// Backoff
	SuccessBackoff  time.Duration
	MinErrorBackoff time.Duration
	MaxErrorBackoff time.Duration

	// Fetching
	FetchTimeout     time.Duration
	MaxResponseBytes int64
	UserAgent        string
	HostInterval     time.Duration

	// Archival
	ArchiveSchedule       string
	ArchiveBackoff        time.Duration
	ArchiveTimeThreshold  time.Duration
	ArchiveCountThreshold int

	// Grace period
	GraceInterval time.Duration
	GraceMinCount int
}

type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
