package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sc3bridge/internal/config"
	"sc3bridge/internal/dispatch"
	"sc3bridge/internal/gateway"
	"sc3bridge/internal/policy"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "sc3bridge",
		Short:   "sc3bridge: connects sc3bot bot accounts to a reply pipeline",
		Long:    "sc3bridge receives sc3bot updates by long-polling or webhook, hands them to the configured reply pipeline and sends the replies back.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.sc3bridge/config.json)")

	root.AddCommand(gatewayCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(accountsCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the gateway system service"}
	daemon.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and swaps the global logger for one built
// from its general section.
func loadConfig() (*config.Config, io.Closer, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closer, err := newLogger(cfg.General, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	return cfg, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the process logger. When general.logFile is set, records
// are appended to it instead of stderr.
func newLogger(gc config.GeneralConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if gc.LogFile != "" {
		path := config.ExpandPath(gc.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: parseLevel(gc.LogLevel)}
	var h slog.Handler
	if strings.EqualFold(gc.LogFormat, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openPairing opens the pairing database configured in cfg.
func openPairing(ctx context.Context, cfg *config.Config) (*policy.PairingStore, error) {
	path := config.ExpandPath(cfg.Pairing.DBPath)
	if path == "" {
		path = filepath.Join(config.DefaultConfigDir(), "pairing.db")
	}
	return policy.OpenPairingStore(ctx, path, policy.PairingConfig{
		TTL:     time.Duration(cfg.Pairing.TTLDays) * 24 * time.Hour,
		CodeTTL: time.Duration(cfg.Pairing.CodeTTLMinutes) * time.Minute,
		Logger:  logger,
	})
}

func gatewayCmd() *cobra.Command {
	var exitOnFailure bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start every enabled sc3bot account and the webhook listener",
		Long:  "Probes each enabled account, starts polling or registers its webhook target, and serves webhooks, /healthz, /status and metrics. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(exitOnFailure)
		},
	}
	cmd.Flags().BoolVar(&exitOnFailure, "exit-on-account-failure", false, "stop the gateway with an error when any account fails, so a service manager can restart it")
	return cmd
}

func runGateway(exitOnFailure bool) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	dispatcher, err := dispatch.FromConfig(cfg.Host, logger)
	if err != nil {
		return fmt.Errorf("reply pipeline: %w", err)
	}

	mc := gateway.ManagerConfig{
		Config:     cfg,
		Dispatcher: dispatcher,
		Logger:     logger,
	}
	if exitOnFailure {
		mc.OnAccountExit = accountExitHandler(cancel)
	}
	store, err := openPairing(ctx, cfg)
	if err != nil {
		// Pairing-policy accounts fall back to allowFrom only.
		logger.Warn("pairing store unavailable", "err", err)
	} else {
		defer store.Close()
		mc.Pairing = store
	}

	logger.Info("sc3bridge starting", "version", version, "config", resolveConfigPath())
	if err := gateway.NewManager(mc).Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && sigCtx.Err() == nil {
		return cause
	}
	logger.Info("sc3bridge stopped")
	return nil
}

// accountExitHandler stops the gateway with the first fatal account error.
func accountExitHandler(cancel context.CancelCauseFunc) func(string, error) {
	return func(accountID string, err error) {
		if err != nil {
			cancel(fmt.Errorf("account %s stopped: %w", accountID, err))
		}
	}
}
