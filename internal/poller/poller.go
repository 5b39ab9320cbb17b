// Package poller drives the getUpdates long-poll loop for one account.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sc3bridge/internal/metrics"
	"sc3bridge/internal/sc3api"
)

const (
	// LongPollTimeout is the server-side wait per getUpdates call.
	LongPollTimeout = 30 * time.Second
	// DefaultBackoff is the pause after a failed fetch.
	DefaultBackoff = 5 * time.Second
)

// Config holds everything Run needs. Only Transport, Token and OnUpdate are
// required.
type Config struct {
	Transport sc3api.Transport
	Token     string
	// Cursor is the first offset requested; zero asks for everything pending.
	Cursor int64
	// Interval is slept after a fetch that returned no updates.
	Interval time.Duration
	Backoff  time.Duration
	OnUpdate func(ctx context.Context, update sc3api.Update) error
	// OnCursor, when set, observes every cursor advance.
	OnCursor func(cursor int64)
	Logger   *slog.Logger
}

// Run polls until ctx is cancelled and returns the final cursor. Updates are
// handed to OnUpdate one at a time in the order received. OnUpdate gets a
// context detached from ctx's cancellation, so an update already handed over
// runs to completion; updates not yet handed over are left for the next run.
// Fetch failures and OnUpdate errors are logged; only a panic inside OnUpdate
// ends the loop with an error.
func Run(ctx context.Context, cfg Config) (cursor int64, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	cursor = cfg.Cursor

	logger.Info("sc3bot polling started", "cursor", cursor)
	defer func() { logger.Info("sc3bot polling stopped", "cursor", cursor) }()

	for {
		if ctx.Err() != nil {
			return cursor, nil
		}

		res := cfg.Transport.GetUpdates(ctx, cfg.Token, sc3api.PollOptions{
			TimeoutSeconds: int(LongPollTimeout / time.Second),
			Cursor:         cursor,
		})
		if !res.OK {
			if ctx.Err() != nil {
				return cursor, nil
			}
			metrics.PollErrors.Inc()
			logger.Warn("sc3bot getUpdates failed", "err", res.Error, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return cursor, nil
			}
			continue
		}

		if len(res.Updates) == 0 {
			if !sleep(ctx, cfg.Interval) {
				return cursor, nil
			}
			continue
		}

		for _, u := range res.Updates {
			if ctx.Err() != nil {
				return cursor, nil
			}
			metrics.UpdatesReceived("polling").Inc()
			if herr := handle(ctx, cfg.OnUpdate, u); herr != nil {
				if perr, ok := herr.(*panicError); ok {
					return cursor, perr
				}
				logger.Error("sc3bot update failed", "update_id", u.UpdateID, "err", herr)
			}
			if next := u.UpdateID + 1; next > cursor {
				cursor = next
				if cfg.OnCursor != nil {
					cfg.OnCursor(cursor)
				}
			}
		}
	}
}

type panicError struct {
	updateID int64
	value    any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("update %d: panic: %v", e.updateID, e.value)
}

func handle(ctx context.Context, fn func(context.Context, sc3api.Update) error, u sc3api.Update) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{updateID: u.UpdateID, value: rec}
		}
	}()
	return fn(context.WithoutCancel(ctx), u)
}

// sleep waits for d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
