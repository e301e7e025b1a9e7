package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaykit/core/internal/backoff"
)

// ReconnectConfig controls reconnection behavior.
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns a baseline reconnection config.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector runs an operation with automatic reconnection attempts.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger
	Health *BaseHealthAdapter
}

// Run executes the provided function until it succeeds, the context is canceled,
// or max attempts are reached. It returns the last error.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	if run == nil {
		return errors.New("reconnector: run func is nil")
	}
	cfg := r.Config
	if cfg.MaxAttempts == 0 {
		cfg = DefaultReconnectConfig()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultReconnectConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultReconnectConfig().MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultReconnectConfig().Factor
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := run(ctx); err == nil {
			return nil
		} else {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if isPermanent(err) {
				return err
			}
			attempt++
			if r.Health != nil {
				r.Health.RecordReconnectAttempt()
				r.Health.SetStatus(false, err.Error())
			}
			if r.Logger != nil {
				r.Logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			}
			if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
				return err
			}
			jitter := 0.0
			if cfg.Jitter {
				jitter = 0.2
			}
			policy := backoff.BackoffPolicy{
				InitialMs: float64(cfg.InitialDelay.Milliseconds()),
				MaxMs:     float64(cfg.MaxDelay.Milliseconds()),
				Factor:    cfg.Factor,
				Jitter:    jitter,
			}
			delay := backoff.ComputeBackoff(policy, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// isPermanent reports whether err represents a failure a reconnect loop
// should not retry, such as bad credentials or invalid channel config. Only
// a classified *Error carries that distinction; any other error (typically a
// raw network failure) is treated as transient.
func isPermanent(err error) bool {
	var chErr *Error
	if !errors.As(err, &chErr) {
		return false
	}
	switch chErr.Code {
	case ErrCodeAuthentication, ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeConfig:
		return true
	default:
		return false
	}
}
