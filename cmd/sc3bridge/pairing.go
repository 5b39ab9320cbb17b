package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"sc3bridge/internal/account"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage senders paired through the pairing DM policy",
	}
	cmd.PersistentFlags().StringVar(&accountID, "account", "", "account id (default: default)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired senders and pending codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			store, err := openPairing(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id := account.NormalizeID(accountID)
			paired, err := store.List(cmd.Context(), id)
			if err != nil {
				return err
			}
			pending, err := store.Pending(cmd.Context(), id)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Paired senders (%s):\n", id)
			fmt.Fprintln(tw, "SENDER\tPAIRED\tEXPIRES")
			for _, p := range paired {
				expires := "never"
				if !p.ExpiresAt.IsZero() {
					expires = p.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.SenderID, p.PairedAt.Local().Format(time.DateTime), expires)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "Pending codes:")
			fmt.Fprintln(tw, "CODE\tSENDER\tNAME\tEXPIRES")
			for _, r := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Code, r.SenderID, orDash(r.SenderName), r.ExpiresAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			store, err := openPairing(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.Approve(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("approve %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paired sender %s on account %s\n", p.SenderID, p.AccountID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [sender]",
		Short: "Remove a paired sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()
			store, err := openPairing(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id := account.NormalizeID(accountID)
			removed, err := store.Revoke(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("sender %s is not paired on account %s", args[0], id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked sender %s on account %s\n", args[0], id)
			return nil
		},
	})

	return cmd
}
