package telemetry

import (
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBTracingConfig holds database tracing configuration.
type DBTracingConfig struct {
	Enabled bool
	// DBSystem is reported as db.system on every span
	DBSystem string
	// IncludeQueryVariables puts bound values into db.statement; keep it off
	// outside development since token ciphertext flows through these queries
	IncludeQueryVariables bool
	// SlowQueryThreshold flags statements slower than this on the span and in the log
	SlowQueryThreshold time.Duration
}

// DefaultDBTracingConfig returns a disabled configuration with safe defaults.
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		DBSystem:           "postgresql",
		SlowQueryThreshold: 200 * time.Millisecond,
	}
}

const dbStartKey = "platformsync:query_started_at"

// RegisterDBTracing installs the otelgorm plugin plus slow-query flagging on db.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBSystem)}
	if !cfg.IncludeQueryVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	if cfg.SlowQueryThreshold > 0 {
		if err := registerSlowQueryCallbacks(db, cfg.SlowQueryThreshold, logger); err != nil {
			return err
		}
	}

	logger.Info("Database tracing enabled",
		zap.String("db_system", cfg.DBSystem),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThreshold),
	)
	return nil
}

func registerSlowQueryCallbacks(db *gorm.DB, threshold time.Duration, logger *zap.Logger) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(dbStartKey, time.Now())
	}
	after := func(tx *gorm.DB) {
		v, ok := tx.InstanceGet(dbStartKey)
		if !ok {
			return
		}
		started, ok := v.(time.Time)
		if !ok {
			return
		}
		elapsed := time.Since(started)
		if elapsed < threshold {
			return
		}
		if span := trace.SpanFromContext(tx.Statement.Context); span.IsRecording() {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
		}
		fields := []zap.Field{
			zap.String("table", tx.Statement.Table),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", tx.Statement.RowsAffected),
		}
		if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			fields = append(fields, zap.Error(tx.Error))
		}
		logger.Warn("Slow query", fields...)
	}

	cb := db.Callback()
	steps := []struct {
		name string
		err  error
	}{
		{"create", cb.Create().Before("gorm:create").Register("platformsync:slow_before_create", before)},
		{"create", cb.Create().After("gorm:create").Register("platformsync:slow_after_create", after)},
		{"query", cb.Query().Before("gorm:query").Register("platformsync:slow_before_query", before)},
		{"query", cb.Query().After("gorm:query").Register("platformsync:slow_after_query", after)},
		{"update", cb.Update().Before("gorm:update").Register("platformsync:slow_before_update", before)},
		{"update", cb.Update().After("gorm:update").Register("platformsync:slow_after_update", after)},
		{"delete", cb.Delete().Before("gorm:delete").Register("platformsync:slow_before_delete", before)},
		{"delete", cb.Delete().After("gorm:delete").Register("platformsync:slow_after_delete", after)},
		{"raw", cb.Raw().Before("gorm:raw").Register("platformsync:slow_before_raw", before)},
		{"raw", cb.Raw().After("gorm:raw").Register("platformsync:slow_after_raw", after)},
	}
	for _, s := range steps {
		if s.err != nil {
			return s.err
		}
	}
	return nil
}
