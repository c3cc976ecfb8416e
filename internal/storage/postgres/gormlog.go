package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultSlowQuery is the latency above which a statement is logged at warn.
const DefaultSlowQuery = 200 * time.Millisecond

// GormLogger routes GORM statement logs to slog as structured records.
// Record-not-found errors are expected lookups and never logged.
type GormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
	slow   time.Duration
}

// NewGormLogger logs failed statements at error and slow ones at warn.
func NewGormLogger(l *slog.Logger, slow time.Duration) *GormLogger {
	if slow <= 0 {
		slow = DefaultSlowQuery
	}
	return &GormLogger{logger: l.With(slog.String("component", "gorm")), level: logger.Warn, slow: slow}
}

func (g *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Info {
		g.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Warn {
		g.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= logger.Error {
		g.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// Trace is called by GORM after every statement.
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.logger.ErrorContext(ctx, "query failed",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case elapsed > g.slow && g.level >= logger.Warn:
		sql, rows := fc()
		g.logger.WarnContext(ctx, "slow query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.Duration("threshold", g.slow),
		)
	case g.level >= logger.Info:
		sql, rows := fc()
		g.logger.DebugContext(ctx, "query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

var _ logger.Interface = (*GormLogger)(nil)
