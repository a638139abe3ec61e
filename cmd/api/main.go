package main

// @title           Member Ledger API
// @version         1.0
// @description     Membership billing, points ledger and marketplace orders with Stripe and PayPal webhook reconciliation.

// @host      localhost:8888
// @BasePath  /

// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fatflowers/memberledger/internal/app"
)

func main() {
	os.Exit(run())
}

// run starts the API and blocks until SIGINT/SIGTERM, which fx handles.
func run() int {
	a := fx.New(
		app.Module,
		fx.WithLogger(func(log *zap.SugaredLogger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Desugar().Named("fx")}
		}),
	)
	startCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		// the app logger may not exist yet
		zap.NewExample().Sugar().Errorw("failed to start memberledger api", "error", err)
		return 1
	}

	sig := <-a.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		zap.NewExample().Sugar().Errorw("failed to stop memberledger api", "error", err)
		return 1
	}
	return sig.ExitCode
}
