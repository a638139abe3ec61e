// Package gormlog routes gorm statement logs into the request-scoped zap logger.
package gormlog

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/fatflowers/memberledger/pkg/logctx"
)

const (
	slowThreshold = 300 * time.Millisecond
	// webhook_event inserts carry the raw provider body; keep log lines bounded
	maxSQLLen = 2000
)

// ZapLogger implements gormlogger.Interface. Lines carry trace_id and
// user_id through logctx.FromCtx.
type ZapLogger struct {
	base  *zap.SugaredLogger
	level gormlogger.LogLevel
	slow  time.Duration
}

// New logs every statement in dev and only errors and slow queries otherwise.
func New(base *zap.SugaredLogger, dev bool) *ZapLogger {
	z := &ZapLogger{base: base, level: gormlogger.Warn, slow: slowThreshold}
	if dev {
		z.level = gormlogger.Info
	}
	return z
}

func (z *ZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *z
	cp.level = level
	return &cp
}

func (z *ZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Info {
		logctx.FromCtx(ctx, z.base).Infow(msg, "args", data)
	}
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Warn {
		logctx.FromCtx(ctx, z.base).Warnw(msg, "args", data)
	}
}

func (z *ZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Error {
		logctx.FromCtx(ctx, z.base).Errorw(msg, "args", data)
	}
}

func (z *ZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.level == gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := z.slow > 0 && elapsed > z.slow
	if !failed && !slow && z.level < gormlogger.Info {
		return
	}

	sql, rows := fc()
	fields := []interface{}{
		"rows", rows,
		"elapsed_ms", elapsed.Milliseconds(),
		"caller", shortCaller(utils.FileWithLineNum()),
		"sql", truncateSQL(sql),
	}
	lg := logctx.FromCtx(ctx, z.base)
	switch {
	case failed:
		lg.Errorw("gorm_error", append(fields, "error", err)...)
	case slow:
		lg.Warnw("gorm_slow", fields...)
	default:
		lg.Debugw("gorm", fields...)
	}
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLen {
		return sql
	}
	return lo.Substring(sql, 0, maxSQLLen) + "...(truncated)"
}

// shortCaller keeps the repo-relative part of a file:line, falling back to
// the last two path segments.
func shortCaller(s string) string {
	if s == "" {
		return s
	}
	p := strings.ReplaceAll(s, "\\", "/")
	for _, root := range []string{"/internal/", "/pkg/", "/cmd/"} {
		if _, rest, found := strings.Cut(p, root); found {
			return strings.Trim(root, "/") + "/" + rest
		}
	}
	dir, file := path.Split(p)
	return path.Join(path.Base(dir), file)
}
