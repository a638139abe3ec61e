package gormlog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestShortCaller(t *testing.T) {
	require.Equal(t, "internal/platform/db/db.go:38", shortCaller("/home/ci/repo/internal/platform/db/db.go:38"))
	require.Equal(t, "pkg/x/y.go:12", shortCaller(`C:\repo\pkg\x\y.go:12`))
	require.Equal(t, "b/c.go:1", shortCaller("/x/y/a/b/c.go:1"))
	require.Equal(t, "", shortCaller(""))
}

func TestNew_LevelByEnv(t *testing.T) {
	require.Equal(t, gormlogger.Info, New(nil, true).level)
	require.Equal(t, gormlogger.Warn, New(nil, false).level)
}

func TestTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	z := New(zap.New(core).Sugar(), false)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	z.Trace(ctx, time.Now(), stmt, nil)
	z.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	require.Zero(t, logs.Len(), "quiet statements are skipped outside dev")

	z.Trace(ctx, time.Now(), stmt, errors.New("deadlock"))
	z.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	require.Equal(t, []string{"gorm_error", "gorm_slow"}, []string{logs.All()[0].Message, logs.All()[1].Message})

	long := func() (string, int64) { return "INSERT " + strings.Repeat("x", 3*maxSQLLen), 1 }
	z.Trace(ctx, time.Now(), long, errors.New("too big"))
	sql := logs.All()[2].ContextMap()["sql"].(string)
	require.True(t, strings.HasSuffix(sql, "...(truncated)"))
	require.Less(t, len(sql), maxSQLLen+20)
}
