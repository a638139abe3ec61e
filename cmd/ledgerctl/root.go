package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app"
	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/app/service/user"
)

// deps are the services a command may use. Building them runs the schema
// migration, the same as the API server on boot.
type deps struct {
	Log     *zap.SugaredLogger
	Users   *user.Service
	Tokens  *auth.TokenManager
	Catalog *catalog.Service
	Points  *points.Service
	Refunds *refund.Service
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tooling for the member ledger",
	Long: `ledgerctl runs maintenance tasks against the member ledger database.
Configuration is read the same way as the API server (config.yaml, .env and
APP_* environment variables).`,
	SilenceUsage: true,
}

// withDeps starts the core container, runs fn and stops it again.
func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d deps) error) error {
	var d deps
	a := fx.New(app.Core, fx.NopLogger, fx.Populate(&d.Log, &d.Users, &d.Tokens, &d.Catalog, &d.Points, &d.Refunds))
	if err := a.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	ctx := cmd.Context()
	startCtx, cancel := context.WithTimeout(ctx, app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()
	return fn(ctx, d)
}

func init() {
	rootCmd.AddCommand(migrateCmd, plansCmd, pointsCmd, tokenCmd, adminCmd, refundCmd)
}
