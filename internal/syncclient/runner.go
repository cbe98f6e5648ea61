package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval         = 30 * time.Second
	defaultRoundTimeout     = 20 * time.Second
	defaultFailureThreshold = 5
)

var errMissingRoundRunner = errors.New("syncclient: round runner is required")

// RoundRunner performs one synchronization round.
type RoundRunner interface {
	RunOnce(ctx context.Context) (RoundResult, error)
}

// RunnerConfig describes how often and how patiently a Runner syncs.
type RunnerConfig struct {
	Syncer           RoundRunner
	Interval         time.Duration
	RoundTimeout     time.Duration
	FailureThreshold int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Status is a snapshot of the runner health.
type Status struct {
	LastSuccessAt       *time.Time
	LastAttemptAt       *time.Time
	LastError           string
	ConsecutiveFailures int
	Synced              bool
}

// Runner triggers sync rounds periodically and on demand.
type Runner struct {
	syncer           RoundRunner
	interval         time.Duration
	roundTimeout     time.Duration
	failureThreshold int
	clock            func() time.Time
	logger           *zap.Logger
	trigger          chan struct{}

	mu     sync.RWMutex
	status Status
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Syncer == nil {
		return nil, errMissingRoundRunner
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	roundTimeout := cfg.RoundTimeout
	if roundTimeout <= 0 {
		roundTimeout = defaultRoundTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		syncer:           cfg.Syncer,
		interval:         interval,
		roundTimeout:     roundTimeout,
		failureThreshold: threshold,
		clock:            clock,
		logger:           logger,
		trigger:          make(chan struct{}, 1),
		status:           Status{Synced: true},
	}, nil
}

// Run syncs once immediately, then on every tick or Trigger until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sync(ctx)
		case <-r.trigger:
			r.Sync(ctx)
		}
	}
}

// Trigger requests a round without waiting for the next tick. Requests that
// arrive while one is already queued are coalesced.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Sync runs one bounded round and records its outcome.
func (r *Runner) Sync(ctx context.Context) (RoundResult, error) {
	roundCtx, cancel := context.WithTimeout(ctx, r.roundTimeout)
	defer cancel()

	result, err := r.syncer.RunOnce(roundCtx)
	r.record(err)
	return result, err
}

func (r *Runner) record(err error) {
	now := r.clock().UTC()

	r.mu.Lock()
	r.status.LastAttemptAt = &now
	if err == nil {
		recovered := !r.status.Synced
		r.status.LastSuccessAt = &now
		r.status.LastError = ""
		r.status.ConsecutiveFailures = 0
		r.status.Synced = true
		r.mu.Unlock()
		if recovered {
			r.logger.Info("device synced again")
		}
		return
	}
	r.status.LastError = err.Error()
	r.status.ConsecutiveFailures++
	failures := r.status.ConsecutiveFailures
	crossed := failures == r.failureThreshold
	if failures >= r.failureThreshold {
		r.status.Synced = false
	}
	r.mu.Unlock()

	r.logger.Warn("sync round failed", zap.Int("consecutive_failures", failures), zap.Error(err))
	if crossed {
		r.logger.Error("device not synced", zap.Int("consecutive_failures", failures))
	}
}

// Status returns a snapshot of the runner health.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}
