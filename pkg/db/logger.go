package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	applog "guildwallet/pkg/logger"
)

// ZapGormLogger implements gorm.io/gorm/logger.Interface on top of zap.
// Query logs carry trace_id/span_id when the context holds a span.
type ZapGormLogger struct {
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	ShowSQL       bool
}

func NewZapGormLogger(logLevel logger.LogLevel, showSQL bool) *ZapGormLogger {
	return &ZapGormLogger{
		LogLevel:      logLevel,
		ShowSQL:       showSQL,
		SlowThreshold: 200 * time.Millisecond,
	}
}

func (l *ZapGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *ZapGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		applog.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		applog.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		applog.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *ZapGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := applog.FromContext(ctx).With(
		zap.String("file", utils.FileWithLineNum()),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)

	switch {
	case err != nil && IsConflict(err):
		// expected under contention, the caller retries
		log.Warn("gorm.conflict", zap.Error(err), zap.String("sql", sql))
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		log.Error("gorm.query", zap.Error(err), zap.String("sql", sql))
	case elapsed > l.SlowThreshold && l.SlowThreshold != 0:
		log.Warn("gorm.slow_query", zap.String("sql", sql), zap.Duration("threshold", l.SlowThreshold))
	case l.LogLevel == logger.Info && l.ShowSQL:
		log.Info("gorm.query", zap.String("sql", sql))
	}
}
