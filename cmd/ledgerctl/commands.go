package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fatflowers/memberledger/internal/app/service/refund"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		})
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Membership plan catalog",
}

var plansSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the configured membership plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			plans, err := d.Catalog.SyncPlans(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tPRICE\tPERIOD\tPOINTS\tACTIVE")
			for _, p := range plans {
				fmt.Fprintf(w, "%s\t%d %s\t%dd\t%s\t%t\n", p.Code, p.PriceCents, p.Currency, p.PeriodDays, p.PointsPolicy, p.Active)
			}
			return w.Flush()
		})
	},
}

var pointsUser string

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Inspect a user's points",
}

var pointsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the current balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			b, err := d.Points.Balance(ctx, nil, pointsUser)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), b)
			return nil
		})
	},
}

var (
	historyFrom int
	historySize int
)

var pointsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print ledger entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			entries, total, err := d.Points.History(ctx, pointsUser, historyFrom, historySize)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDELTA\tREASON\tREF")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%+d\t%s\t%s:%s\n", e.CreatedAt.Format(time.RFC3339), e.Delta, e.Reason, e.RefType, e.RefID)
			}
			fmt.Fprintf(w, "\t\t\t%d total\n", total)
			return w.Flush()
		})
	},
}

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Access tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an access token for an active user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			u, err := d.Users.GetActive(ctx, tokenUser)
			if err != nil {
				return err
			}
			tok, exp, err := d.Tokens.Issue(u)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		})
	},
}

var adminEmail string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator accounts",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an admin user, or promote an existing one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			u, err := d.Users.CreateAdmin(ctx, adminEmail)
			if err != nil {
				return err
			}
			d.Log.Infow("admin user ready", "user_id", u.ID)
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		})
	},
}

var refundIn refund.Input
var refundActor string

var refundCmd = &cobra.Command{
	Use:   "refund",
	Short: "Refund a paid order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d deps) error {
			if _, err := d.Users.GetActive(ctx, refundActor); err != nil {
				return fmt.Errorf("actor: %w", err)
			}
			res, err := d.Refunds.Refund(ctx, refundActor, &refundIn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %s refunded: cash %d, points restored %d\n",
				res.Order.ID, res.CashCents, res.PointsRestored)
			return nil
		})
	},
}

func init() {
	plansCmd.AddCommand(plansSyncCmd)

	pointsCmd.PersistentFlags().StringVar(&pointsUser, "user", "", "user id")
	_ = pointsCmd.MarkPersistentFlagRequired("user")
	pointsHistoryCmd.Flags().IntVar(&historyFrom, "from", 0, "offset")
	pointsHistoryCmd.Flags().IntVar(&historySize, "size", 20, "page size")
	pointsCmd.AddCommand(pointsBalanceCmd, pointsHistoryCmd)

	tokenIssueCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	_ = tokenIssueCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(tokenIssueCmd)

	adminCreateCmd.Flags().StringVar(&adminEmail, "email", "", "email address")
	_ = adminCreateCmd.MarkFlagRequired("email")
	adminCmd.AddCommand(adminCreateCmd)

	refundCmd.Flags().StringVar(&refundIn.OrderID, "order", "", "order id")
	refundCmd.Flags().StringVar(&refundIn.Reason, "reason", "", "refund reason")
	refundCmd.Flags().StringVar(&refundActor, "actor", "", "admin user id recorded in the audit log")
	_ = refundCmd.MarkFlagRequired("order")
	_ = refundCmd.MarkFlagRequired("actor")
}
