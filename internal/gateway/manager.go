package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/config"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/metrics"
	"sc3bridge/internal/policy"
	"sc3bridge/internal/sc3api"
	"sc3bridge/internal/webhook"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Config *config.Config
	// Dispatcher is the host reply pipeline shared by every account.
	Dispatcher domain.Dispatcher
	// Pairing backs accounts with the pairing DM policy. May be nil.
	Pairing policy.PairingChecker
	// NewTransport builds the API client for an account. Defaults to an
	// sc3api.Client on the account's API base with a shared HTTP client.
	NewTransport func(acct account.Account) sc3api.Transport
	// Listener overrides gateway.host/port.
	Listener    net.Listener
	PollBackoff time.Duration
	// OnAccountExit, when set, is called once per started account after
	// StartAccount returns. err is nil for a clean stop and the fatal error
	// otherwise, so a host can decide whether to restart the account.
	OnAccountExit func(accountID string, err error)
	Logger        *slog.Logger
}

// Manager starts every enabled account and serves webhook deliveries,
// health, status and metrics on one listener.
type Manager struct {
	cfg          *config.Config
	dispatcher   domain.Dispatcher
	pairing      policy.PairingChecker
	newTransport func(account.Account) sc3api.Transport
	listener     net.Listener
	pollBackoff  time.Duration
	onExit       func(string, error)
	router       *webhook.Router
	status       *Store
	logger       *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:          cfg.Config,
		dispatcher:   cfg.Dispatcher,
		pairing:      cfg.Pairing,
		newTransport: cfg.NewTransport,
		listener:     cfg.Listener,
		pollBackoff:  cfg.PollBackoff,
		onExit:       cfg.OnAccountExit,
		router:       webhook.NewRouter(logger),
		status:       NewStore(),
		logger:       logger,
	}
	if m.newTransport == nil {
		shared := sc3api.SharedHTTPClient(0)
		m.newTransport = func(acct account.Account) sc3api.Transport {
			return sc3api.NewClient(sc3api.ClientConfig{
				BaseURL:    acct.Settings.APIBase,
				HTTPClient: shared,
				Logger:     logger,
			})
		}
	}
	return m
}

// Router exposes the webhook router so hosts can mount it elsewhere.
func (m *Manager) Router() *webhook.Router { return m.router }

// Status exposes account snapshots.
func (m *Manager) Status() *Store { return m.status }

// Handler serves registered webhook paths first, then /healthz, /status and
// the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"channel":  "sc3bot",
			"uptime":   metrics.Default.Uptime().Round(time.Second).String(),
			"accounts": m.status.All(),
		})
	})
	if m.cfg != nil && m.cfg.Metrics.Enabled {
		endpoint := m.cfg.Metrics.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		mux.Handle(endpoint, metrics.Default.Handler())
	}
	return m.router.Middleware(mux)
}

// dispatcherFor wraps the host pipeline in the account's DM policy.
func (m *Manager) dispatcherFor(acct account.Account) domain.Dispatcher {
	return policy.NewGate(policy.GateConfig{
		AccountID: acct.ID,
		Policy:    acct.Settings.DMPolicy,
		AllowFrom: acct.Settings.AllowFrom,
		Pairing:   m.pairing,
		Next:      m.dispatcher,
		Logger:    m.logger,
	})
}

// Run starts all enabled accounts and the HTTP listener, and blocks until ctx
// is cancelled or the listener fails. Account failures are recorded in status,
// logged and passed to OnAccountExit; they do not stop the other accounts.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg == nil {
		return errors.New("gateway: no configuration")
	}
	if m.dispatcher == nil {
		return errors.New("gateway: no dispatcher")
	}

	ln := m.listener
	if ln == nil {
		addr := net.JoinHostPort(m.cfg.Gateway.Host, fmt.Sprint(m.cfg.Gateway.Port))
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("gateway listen %s: %w", addr, err)
		}
	}

	server := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	m.logger.Info("gateway listening", "addr", ln.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	started := 0
	for _, id := range account.ListAccountIDs(m.cfg) {
		acct := account.Resolve(m.cfg, id)
		if !acct.Enabled {
			m.status.Update(acct.ID, func(s *Snapshot) {
				s.Name = acct.Name
				s.Enabled = false
				s.Configured = acct.Configured()
				s.TokenSource = acct.TokenSource
				s.State = StateStopped
			})
			m.logger.Info("sc3bot account disabled", "account", acct.ID)
			continue
		}
		// The implicit default account is only started when it has a token of
		// its own or is the only account.
		if acct.ID == account.DefaultID && !acct.Configured() && len(m.cfg.Channels.Sc3Bot.Accounts) > 0 {
			continue
		}
		started++
		wg.Add(1)
		go func(acct account.Account) {
			defer wg.Done()
			err := StartAccount(runCtx, Params{
				Account:     acct,
				Transport:   m.newTransport(acct),
				Dispatcher:  m.dispatcherFor(acct),
				Router:      m.router,
				Status:      m.status,
				Logger:      m.logger,
				PollBackoff: m.pollBackoff,
			})
			if m.onExit != nil {
				m.onExit(acct.ID, err)
			}
		}(acct)
	}
	if started == 0 {
		m.logger.Warn("no enabled sc3bot accounts")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("gateway shutting down")
	case err := <-errCh:
		serveErr = fmt.Errorf("gateway server: %w", err)
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("gateway shutdown", "err", err)
	}
	wg.Wait()
	return serveErr
}
