package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/memberledger/internal/app/api/server"
	"github.com/fatflowers/memberledger/internal/app/service/audit"
	"github.com/fatflowers/memberledger/internal/app/service/auth"
	"github.com/fatflowers/memberledger/internal/app/service/catalog"
	"github.com/fatflowers/memberledger/internal/app/service/checkout"
	"github.com/fatflowers/memberledger/internal/app/service/membership"
	"github.com/fatflowers/memberledger/internal/app/service/notify"
	"github.com/fatflowers/memberledger/internal/app/service/order"
	"github.com/fatflowers/memberledger/internal/app/service/points"
	"github.com/fatflowers/memberledger/internal/app/service/refund"
	"github.com/fatflowers/memberledger/internal/app/service/user"
	"github.com/fatflowers/memberledger/internal/app/service/webhook"
	"github.com/fatflowers/memberledger/internal/platform/db"
	"github.com/fatflowers/memberledger/pkg/config"
	"github.com/fatflowers/memberledger/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Core is everything except the HTTP server; the CLI runs on it.
var Core = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	Providers,
	audit.Module,
	notify.Module,
	user.Module,
	auth.Module,
	catalog.Module,
	points.Module,
	membership.Module,
	checkout.Module,
	order.Module,
	refund.Module,
	webhook.Module,
)

var Module = fx.Options(
	Core,
	fx.Invoke(syncPlansOnStart),
	server.Module,
)
