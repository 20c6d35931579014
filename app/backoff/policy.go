// Package backoff computes when a feed becomes eligible for its next fetch.
//
// The computation is anchored on the feed's last durable write rather than
// the wall clock, so consecutive failures accumulate across scheduler
// restarts instead of resetting.
package backoff

import (
	"time"

	"github.com/lysyi3m/feed-poller/app/cfg"
)

type Policy struct {
	success  time.Duration
	minError time.Duration
	maxError time.Duration
}

func New(success, minError, maxError time.Duration) (*Policy, error) {
	if success <= 0 {
		return nil, &cfg.ConfigurationError{Field: "success-backoff", Reason: "must be positive"}
	}
	if minError <= 0 {
		return nil, &cfg.ConfigurationError{Field: "min-error-backoff", Reason: "must be positive"}
	}
	if minError > maxError {
		return nil, &cfg.ConfigurationError{Field: "min-error-backoff", Reason: "must not exceed max-error-backoff"}
	}

	return &Policy{
		success:  success,
		minError: minError,
		maxError: maxError,
	}, nil
}

func NewFromConfig(c cfg.SchedulerConfig) (*Policy, error) {
	return New(c.SuccessBackoff, c.MinErrorBackoff, c.MaxErrorBackoff)
}

func (p *Policy) OnSuccess(lastWriteAt time.Time) time.Time {
	return lastWriteAt.Add(p.success)
}

// OnFailure grows the previous interval: clamp below the minimum, double
// inside the band, and add the ceiling once the interval exceeds it.
// A doubled interval that overshoots the ceiling also gets the ceiling
// added, so with a 60s..110s band two failures in a row land at 60s and
// then 230s.
func (p *Policy) OnFailure(lastWriteAt, previousNextFetchAt time.Time) time.Time {
	delta := previousNextFetchAt.Sub(lastWriteAt)

	switch {
	case delta < p.minError:
		delta = p.minError
	case delta > p.maxError:
		delta += p.maxError
	default:
		delta *= 2
		if delta > p.maxError {
			delta += p.maxError
		}
	}

	return lastWriteAt.Add(delta)
}
