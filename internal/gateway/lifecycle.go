// Package gateway runs sc3bot accounts: it probes each one, starts polling or
// registers its webhook target, and serves the shared HTTP listener.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sc3bridge/internal/account"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/inbound"
	"sc3bridge/internal/metrics"
	"sc3bridge/internal/poller"
	"sc3bridge/internal/sc3api"
	"sc3bridge/internal/webhook"
)

// Params is what StartAccount needs to run one account.
type Params struct {
	Account    account.Account
	Transport  sc3api.Transport
	Dispatcher domain.Dispatcher
	// Router receives the webhook target in webhook mode.
	Router *webhook.Router
	Status *Store
	Logger *slog.Logger
	// PollBackoff overrides the pause after a failed fetch.
	PollBackoff time.Duration
	Now         func() time.Time
}

// StartAccount runs one account until ctx is cancelled. A missing token fails
// before probing. In webhook mode the target stays registered until ctx ends;
// in polling mode the call blocks in the poll loop. Fatal errors leave the
// account errored and are returned.
func StartAccount(ctx context.Context, p Params) (err error) {
	acct := p.Account
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", acct.ID)
	status := p.Status
	if status == nil {
		status = NewStore()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	runID := uuid.NewString()
	status.Update(acct.ID, func(s *Snapshot) {
		s.Name = acct.Name
		s.Enabled = acct.Enabled
		s.Configured = acct.Configured()
		s.TokenSource = acct.TokenSource
		s.RunID = runID
		s.LastError = ""
	})

	fail := func(err error) error {
		status.Update(acct.ID, func(s *Snapshot) {
			s.State = StateErrored
			s.Running = false
			s.LastError = err.Error()
		})
		logger.Error("sc3bot account failed", "err", err)
		return err
	}

	if !acct.Configured() {
		return fail(fmt.Errorf("sc3bot account %q: %w", acct.ID, account.ErrMissingToken))
	}

	status.Update(acct.ID, func(s *Snapshot) { s.State = StateProbing })
	probe := p.Transport.GetMe(ctx, acct.Token)
	if probe.OK {
		logger.Info("sc3bot identity", "bot_id", probe.ID, "username", probe.Username)
	} else {
		logger.Warn("sc3bot probe failed", "err", probe.Error)
	}
	if ctx.Err() != nil {
		status.Update(acct.ID, func(s *Snapshot) { s.State = StateStopped })
		return nil
	}

	mode := acct.Mode()
	startedAt := now()
	status.Update(acct.ID, func(s *Snapshot) {
		s.Probe = &probe
		s.Mode = mode
		s.State = StateRunning
		s.Running = true
		s.LastStartAt = &startedAt
	})
	metrics.RunningAccounts.Inc()
	defer func() {
		metrics.RunningAccounts.Dec()
		stoppedAt := now()
		status.Update(acct.ID, func(s *Snapshot) {
			s.Running = false
			s.LastStopAt = &stoppedAt
			if s.State != StateErrored {
				s.State = StateStopped
			}
		})
	}()

	params := inbound.Params{
		Account:    acct,
		Transport:  p.Transport,
		Dispatcher: p.Dispatcher,
		Status:     status.Sink(acct.ID),
		Logger:     logger,
		Now:        now,
	}
	process := func(ctx context.Context, u sc3api.Update) error {
		return inbound.Process(ctx, u, params)
	}

	logger.Info("sc3bot account starting", "mode", mode, "run_id", runID)

	if mode == account.ModeWebhook {
		if p.Router == nil {
			return fail(fmt.Errorf("sc3bot account %q: webhook mode without a router", acct.ID))
		}
		path := webhook.NormalizePath(acct.WebhookRoutePath())
		status.Update(acct.ID, func(s *Snapshot) { s.WebhookPath = path })
		unregister := p.Router.Register(&webhook.Target{
			Path:      path,
			Secret:    acct.Settings.WebhookSecret,
			AccountID: acct.ID,
			Handle:    process,
			Logger:    logger,
		})
		defer unregister()
		<-ctx.Done()
		return nil
	}

	_, err = poller.Run(ctx, poller.Config{
		Transport: p.Transport,
		Token:     acct.Token,
		Interval:  acct.Settings.PollingInterval,
		Backoff:   p.PollBackoff,
		OnUpdate:  process,
		OnCursor: func(c int64) {
			status.Update(acct.ID, func(s *Snapshot) { s.Cursor = c })
		},
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("sc3bot account %q polling: %w", acct.ID, err))
	}
	return nil
}
