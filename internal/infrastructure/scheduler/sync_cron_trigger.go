package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// ActiveConnectionLister pages through active connections
type ActiveConnectionLister interface {
	ListActive(ctx context.Context, afterID uuid.UUID, limit int) ([]*integration.Connection, error)
}

// LastAttemptReader returns the newest terminal sync attempt of a connection
type LastAttemptReader interface {
	LatestTerminal(ctx context.Context, key integration.ConnectionKey, trigger integration.SyncTrigger) (*integration.SyncAttempt, error)
}

// JobSubmitter queues a sync for one connection
type JobSubmitter interface {
	ScheduleSync(key integration.ConnectionKey) error
}

// ---------------------------------------------------------------------------
// SyncCronTriggerConfig
// ---------------------------------------------------------------------------

// SyncCronTriggerConfig holds configuration for the periodic sync trigger
type SyncCronTriggerConfig struct {
	// TickInterval is how often active connections are scanned
	TickInterval time.Duration
	// SyncInterval is how old the last terminal attempt must be before a connection is due
	SyncInterval time.Duration
	// BatchSize is the page size used when listing active connections
	BatchSize int
}

// DefaultSyncCronTriggerConfig returns default configuration
func DefaultSyncCronTriggerConfig() SyncCronTriggerConfig {
	return SyncCronTriggerConfig{
		TickInterval: 5 * time.Minute,
		SyncInterval: time.Hour,
		BatchSize:    100,
	}
}

// Validate validates the configuration
func (c *SyncCronTriggerConfig) Validate() error {
	if c.TickInterval <= 0 || c.SyncInterval <= 0 || c.BatchSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// SyncCronTrigger
// ---------------------------------------------------------------------------

// SyncCronTrigger submits scheduled syncs for connections that are due
type SyncCronTrigger struct {
	config      SyncCronTriggerConfig
	submitter   JobSubmitter
	connections ActiveConnectionLister
	attempts    LastAttemptReader
	logger      *zap.Logger
	now         func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastTick  time.Time
}

// NewSyncCronTrigger creates a new periodic sync trigger
func NewSyncCronTrigger(
	config SyncCronTriggerConfig,
	submitter JobSubmitter,
	connections ActiveConnectionLister,
	attempts LastAttemptReader,
	logger *zap.Logger,
) (*SyncCronTrigger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncCronTrigger{
		config:      config,
		submitter:   submitter,
		connections: connections,
		attempts:    attempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Start starts the trigger loop; the first scan runs immediately
func (c *SyncCronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("Sync cron trigger started",
		zap.Duration("tick_interval", c.config.TickInterval),
		zap.Duration("sync_interval", c.config.SyncInterval),
	)
	return nil
}

// Stop stops the trigger loop
func (c *SyncCronTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Sync cron trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SyncCronTrigger) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick scans every active connection once and submits the due ones.
// It returns how many jobs were submitted.
func (c *SyncCronTrigger) Tick(ctx context.Context) int {
	now := c.now()
	submitted, scanned := 0, 0
	after := uuid.Nil

	for {
		if ctx.Err() != nil {
			return submitted
		}
		page, err := c.connections.ListActive(ctx, after, c.config.BatchSize)
		if err != nil {
			c.logger.Error("Failed to list active connections", zap.Error(err))
			return submitted
		}
		for _, conn := range page {
			scanned++
			if !c.isDue(ctx, conn.Key(), now) {
				continue
			}
			switch err := c.submitter.ScheduleSync(conn.Key()); {
			case err == nil:
				submitted++
			case errors.Is(err, ErrJobAlreadyQueued):
			case errors.Is(err, ErrJobQueueFull), errors.Is(err, ErrSchedulerNotRunning):
				c.logger.Warn("Stopping sync scan early",
					zap.Int("scanned", scanned),
					zap.Int("submitted", submitted),
					zap.Error(err),
				)
				return submitted
			default:
				c.logger.Error("Failed to schedule sync job",
					zap.String("connection", conn.Key().String()),
					zap.Error(err),
				)
			}
		}
		if len(page) < c.config.BatchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	c.mu.Lock()
	c.lastTick = now
	c.mu.Unlock()

	c.logger.Debug("Sync scan finished",
		zap.Int("scanned", scanned),
		zap.Int("submitted", submitted),
	)
	return submitted
}

// isDue reports whether the connection has no terminal attempt newer than SyncInterval
func (c *SyncCronTrigger) isDue(ctx context.Context, key integration.ConnectionKey, now time.Time) bool {
	last, err := c.attempts.LatestTerminal(ctx, key, "")
	if err != nil {
		if errors.Is(err, integration.ErrSyncAttemptNotFound) {
			return true
		}
		c.logger.Warn("Failed to read last sync attempt",
			zap.String("connection", key.String()),
			zap.Error(err),
		)
		return false
	}
	return now.Sub(last.AttemptedAt) >= c.config.SyncInterval
}

// LastTick returns when the last complete scan started
func (c *SyncCronTrigger) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}
