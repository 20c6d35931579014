package cfg

import (
	"errors"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Options {
	t.Helper()

	var opts Options
	_, err := flags.NewParser(&opts, flags.None).ParseArgs(args)
	require.NoError(t, err)
	return &opts
}

func TestGetVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())
}

func TestSchedulerConfigDefaults(t *testing.T) {
	c, err := parse(t).SchedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, 100, c.Count)
	assert.Equal(t, 5, c.Workers)
	assert.Equal(t, 30*time.Second, c.SleepInterval)
	assert.Equal(t, time.Hour, c.SuccessBackoff)
	assert.Equal(t, time.Minute, c.MinErrorBackoff)
	assert.Equal(t, time.Hour, c.MaxErrorBackoff)
	assert.Equal(t, int64(10<<20), c.MaxResponseBytes)
	assert.Equal(t, 500*time.Millisecond, c.HostInterval)
	assert.Equal(t, "@every 1m", c.ArchiveSchedule)
	assert.Equal(t, 24*time.Hour, c.ArchiveBackoff)
	assert.Equal(t, 30*24*time.Hour, c.ArchiveTimeThreshold)
	assert.Equal(t, 500, c.ArchiveCountThreshold)
	assert.Equal(t, -7*24*time.Hour, c.GraceInterval)
	assert.Equal(t, 5, c.GraceMinCount)
}

func TestSchedulerConfigFlags(t *testing.T) {
	c, err := parse(t, "--count", "7", "--workers", "2", "--single-run", "--min-error-backoff", "60", "--max-error-backoff", "110").SchedulerConfig()
	require.NoError(t, err)

	assert.Equal(t, 7, c.Count)
	assert.Equal(t, 2, c.Workers)
	assert.True(t, c.SingleRun)
	assert.Equal(t, 110*time.Second, c.MaxErrorBackoff)
}

func TestSchedulerConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"min above max", []string{"--min-error-backoff", "120", "--max-error-backoff", "60"}, "min-error-backoff"},
		{"zero count", []string{"--count", "0"}, "count"},
		{"zero workers", []string{"--workers", "0"}, "workers"},
		{"negative sleep", []string{"--sleep-seconds", "-1"}, "sleep-seconds"},
		{"negative count threshold", []string{"--archive-count-threshold", "-1"}, "archive-count-threshold"},
		{"bad cron", []string{"--archive-schedule", "every now and then"}, "archive-schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args...).SchedulerConfig()

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidateDriver(t *testing.T) {
	opts := parse(t, "--driver", "postgres")
	assert.NoError(t, opts.ValidateDriver())

	opts.Driver = "mysql"
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, opts.ValidateDriver(), &cfgErr)
}
