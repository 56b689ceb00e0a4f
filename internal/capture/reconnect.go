package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection.
// There is no retry limit: a camera outage never stops the reader.
type ReconnectConfig struct {
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Reconnecting wraps a Source and transparently reopens it after read failures.
type Reconnecting struct {
	src    Source
	cfg    ReconnectConfig
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	opened bool

	connected  atomic.Bool
	reconnects atomic.Uint64
}

// NewReconnecting wraps src.
func NewReconnecting(src Source, cfg ReconnectConfig) *Reconnecting {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultReconnectConfig().RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	return &Reconnecting{
		src:   src,
		cfg:   cfg,
		log:   slog.With("component", "capture"),
		sleep: sleepCtx,
	}
}

// Read returns the next frame, reopening the underlying source with backoff
// as often as needed. It only fails when ctx is cancelled.
func (r *Reconnecting) Read(ctx context.Context) (*image.RGBA, time.Time, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, time.Time{}, err
		}
		if !r.opened {
			if err := r.reopen(ctx); err != nil {
				return nil, time.Time{}, err
			}
		}

		img, ts, err := r.src.Read()
		if err == nil {
			return img, ts, nil
		}

		r.log.Warn("failed to read frame, reconnecting", "error", err)
		r.connected.Store(false)
		r.opened = false
		_ = r.src.Close()
	}
}

// reopen retries Open until it succeeds or ctx is cancelled.
func (r *Reconnecting) reopen(ctx context.Context) error {
	attempt := 0
	for {
		err := r.src.Open(ctx)
		if err == nil {
			if attempt > 0 || r.reconnects.Load() > 0 {
				r.log.Info("video source reconnected", "attempts", attempt+1)
			}
			r.opened = true
			r.connected.Store(true)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		r.reconnects.Add(1)
		delay := calculateBackoff(attempt, r.cfg)
		r.log.Warn("video source unavailable, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Connected reports whether the last open succeeded and no read has failed since.
func (r *Reconnecting) Connected() bool { return r.connected.Load() }

// Reconnects is the total number of failed open attempts.
func (r *Reconnecting) Reconnects() uint64 { return r.reconnects.Load() }

// Close closes the underlying source.
func (r *Reconnecting) Close() error {
	r.connected.Store(false)
	r.opened = false
	return r.src.Close()
}

// calculateBackoff calculates the exponential backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsUnavailable reports whether err means the source could not be opened.
func IsUnavailable(err error) bool { return errors.Is(err, ErrSourceUnavailable) }
