package engine

import (
	"math/rand/v2"
	"time"
)

// Default retry settings for pending exports.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
)

// RetryPolicy computes when a failed pending export may run again.
//
// The delay after the n-th failure is base*2^(n-1) plus a jitter drawn from
// [0, base*2^(n-2)), capped at MaxDelay. The jitter never exceeds half the
// exponential term, so delays strictly increase until the cap is reached and
// stay constant after.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Jitter returns a value in [0, 1). Defaults to math/rand/v2.
	Jitter func() float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter == nil {
		p.Jitter = rand.Float64
	}
	return p
}

// Delay returns the wait after the given number of consecutive failures.
func (p RetryPolicy) Delay(errorCount int) time.Duration {
	p = p.withDefaults()
	if errorCount < 1 {
		errorCount = 1
	}

	exp := p.BaseDelay
	for i := 1; i < errorCount; i++ {
		exp *= 2
		if exp >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	jitter := time.Duration(p.Jitter() * float64(exp/2))
	delay := exp + jitter
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RecordFailure applies a failed attempt to pe at now. Retryable errors bump
// the error count and schedule the next attempt; the export becomes Failed
// once the count reaches MaxRetries. Other errors fail it immediately.
func (p RetryPolicy) RecordFailure(pe *PendingExport, err error, now time.Time) {
	p = p.withDefaults()
	if pe.MaxRetries <= 0 {
		pe.MaxRetries = p.MaxRetries
	}

	pe.ErrorCount++
	pe.LastAttemptedAt = &now
	pe.UpdatedAt = now
	if err != nil {
		pe.LastError = err.Error()
	}

	if !IsRetryable(err) || pe.ErrorCount >= pe.MaxRetries {
		pe.Status = PendingExportStatusFailed
		pe.NextRetryAt = nil
		return
	}

	next := now.Add(p.Delay(pe.ErrorCount))
	pe.NextRetryAt = &next
	pe.Status = PendingExportStatusPending
}
