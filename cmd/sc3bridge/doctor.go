package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the sc3bridge setup",
		Long: `Verifies the configuration, the pairing database, each account's
credential and bot identity, and the gateway port. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("sc3bridge doctor v%s\n\n", version)

			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'sc3bridge config init' to create a default configuration.\n")
				return r.summary()
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if cfg.Host.Dispatcher == "http" {
				r.pass("Reply pipeline", "http "+cfg.Host.ReplyURL)
			} else {
				r.warn("Reply pipeline", "echo (replies repeat the inbound text)")
			}

			ctx := cmd.Context()
			if store, err := openPairing(ctx, cfg); err != nil {
				r.fail("Pairing database", err.Error())
			} else {
				store.Close()
				r.pass("Pairing database", config.ExpandPath(cfg.Pairing.DBPath))
			}

			checkAccounts(ctx, cfg, offline, &r)

			if err := checkPort(cfg.Gateway.Host, cfg.Gateway.Port); err != nil {
				r.warn("Gateway port", fmt.Sprintf("port %d may be in use: %v", cfg.Gateway.Port, err))
			} else {
				r.pass("Gateway port", fmt.Sprintf(":%d available", cfg.Gateway.Port))
			}

			if cfg.General.LogFile != "" {
				dir := filepath.Dir(config.ExpandPath(cfg.General.LogFile))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "skip the getMe call for each account")
	return cmd
}

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	printPass(check, detail)
	r.passed++
}

func (r *doctorReport) warn(check, detail string) {
	printWarn(check, detail)
	r.warned++
}

func (r *doctorReport) fail(check, detail string) {
	printFail(check, detail)
	r.failed++
}

func (r *doctorReport) summary() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkAccounts(ctx context.Context, cfg *config.Config, offline bool, r *doctorReport) {
	enabled := 0
	for _, id := range account.ListAccountIDs(cfg) {
		acct := account.Resolve(cfg, id)
		label := "Account: " + acct.ID
		if !acct.Enabled {
			r.warn(label, "disabled")
			continue
		}
		if !acct.Configured() {
			if acct.ID == account.DefaultID && len(cfg.Channels.Sc3Bot.Accounts) > 0 {
				continue
			}
			r.fail(label, fmt.Sprintf("no botToken and %s is unset", account.TokenEnvVar))
			continue
		}
		enabled++
		detail := fmt.Sprintf("%s mode, token from %s", acct.Mode(), acct.TokenSource)
		if acct.Mode() == account.ModeWebhook && acct.Settings.WebhookSecret == "" {
			// Accepted only while it is the sole target on its path.
			r.warn(label, detail+", webhook deliveries are not authenticated (no webhookSecret)")
			continue
		}
		if offline {
			r.pass(label, detail)
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		res := newTransport(acct).GetMe(probeCtx, acct.Token)
		cancel()
		if !res.OK {
			r.fail(label, "getMe failed: "+res.Error)
			continue
		}
		r.pass(label, fmt.Sprintf("%s, @%s", detail, res.Username))
	}
	if enabled == 0 {
		r.fail("Accounts", "no enabled account has a token")
	}
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
