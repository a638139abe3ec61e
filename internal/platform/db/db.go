package db

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fatflowers/memberledger/internal/models"
	cfgpkg "github.com/fatflowers/memberledger/pkg/config"
	gormzap "github.com/fatflowers/memberledger/pkg/gormlog"
)

// Open picks the gorm dialector for the configured driver.
func Open(driver cfgpkg.DBDriver, dsn string, l *zap.SugaredLogger, dev bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case cfgpkg.DBDriverPostgres, "":
		dialector = postgres.Open(dsn)
	case cfgpkg.DBDriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormzap.New(l, dev)})
	if err != nil {
		return nil, err
	}
	if driver == cfgpkg.DBDriverSQLite {
		// sqlite allows a single writer; one connection keeps transactions serialized
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	db, err := Open(cfg.Database.Driver, cfg.Database.DSN, l, cfg.Env == cfgpkg.EnvDev)
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	l.Infow("connected to database", "driver", cfg.Database.Driver)
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			l.Infow("closing database connection pool")
			return sqlDB.Close()
		},
	})
}
