package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/config"
	"sc3bridge/internal/gateway"
	"sc3bridge/internal/sc3api"

	"github.com/spf13/cobra"
)

func newTransport(acct account.Account) sc3api.Transport {
	return sc3api.NewClient(sc3api.ClientConfig{
		BaseURL: acct.Settings.APIBase,
		Logger:  logger,
	})
}

func sendCmd() *cobra.Command {
	var accountID, to string

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to an sc3bot chat",
		Long:  "Sends text to --to, or to the account's defaultTo when --to is omitted. Long text is split into several messages.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			acct := account.Resolve(cfg, accountID)
			ids, err := gateway.SendOutbound(ctx, cfg, newTransport(acct), acct.ID, to, strings.Join(args, " "))
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "sent message %d\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account id (default: default)")
	cmd.Flags().StringVar(&to, "to", "", "target chat id (default: the account's defaultTo)")
	return cmd
}

func probeCmd() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check the bot identity of one or all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			ids := account.ListAccountIDs(cfg)
			if accountID != "" {
				ids = []string{account.NormalizeID(accountID)}
			}

			failed := 0
			for _, id := range ids {
				acct := account.Resolve(cfg, id)
				if !acct.Configured() {
					printFail("Account: "+acct.ID, account.ErrMissingToken.Error())
					failed++
					continue
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
				res := newTransport(acct).GetMe(ctx, acct.Token)
				cancel()
				if !res.OK {
					printFail("Account: "+acct.ID, res.Error)
					failed++
					continue
				}
				printPass("Account: "+acct.ID, fmt.Sprintf("@%s (id %d)", res.Username, res.ID))
			}
			if failed > 0 {
				return fmt.Errorf("%d account(s) failed the probe", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "probe only this account")
	return cmd
}

func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List configured sc3bot accounts and their resolved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			return writeAccounts(cmd.OutOrStdout(), cfg)
		},
	}
}

func writeAccounts(out io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tENABLED\tTOKEN\tMODE\tWEBHOOK PATH\tDM POLICY")
	for _, id := range account.ListAccountIDs(cfg) {
		acct := account.Resolve(cfg, id)
		path := "-"
		if acct.Mode() == account.ModeWebhook {
			path = acct.WebhookRoutePath()
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\n",
			acct.ID, acct.Enabled, acct.TokenSource, acct.Mode(), path, acct.Settings.DMPolicy)
	}
	return tw.Flush()
}

func statusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account status reported by a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			if url == "" {
				url = statusURL(cfg.Gateway)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			report, err := fetchStatus(ctx, url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gateway not reachable at %s: %v\n", url, err)
				fmt.Fprintln(cmd.OutOrStdout(), "Configured accounts:")
				return writeAccounts(cmd.OutOrStdout(), cfg)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "uptime: %s\n", report.Uptime)
			fmt.Fprintln(tw, "ACCOUNT\tSTATE\tMODE\tCURSOR\tLAST INBOUND\tLAST ERROR")
			for _, s := range report.Accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.AccountID, s.State, orDash(string(s.Mode)), s.Cursor, formatTime(s.LastInboundAt), orDash(s.LastError))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "status endpoint (default: derived from gateway.host/port)")
	return cmd
}

type statusReport struct {
	Channel  string             `json:"channel"`
	Uptime   string             `json:"uptime"`
	Accounts []gateway.Snapshot `json:"accounts"`
}

func statusURL(gc config.GatewayConfig) string {
	host := gc.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(gc.Port)) + "/status"
}

func fetchStatus(ctx context.Context, url string) (*statusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := sc3api.SharedHTTPClient(0).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
