package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Sync Job Types
// ---------------------------------------------------------------------------

// SyncJobStatus represents the status of a background sync job
type SyncJobStatus string

const (
	SyncJobStatusPending  SyncJobStatus = "PENDING"
	SyncJobStatusRunning  SyncJobStatus = "RUNNING"
	SyncJobStatusSuccess  SyncJobStatus = "SUCCESS"
	SyncJobStatusRetrying SyncJobStatus = "RETRYING"
	SyncJobStatusFailed   SyncJobStatus = "FAILED"
)

// SyncJob is one scheduled sync of a single connection
type SyncJob struct {
	ID          uuid.UUID
	Key         integration.ConnectionKey
	Status      SyncJobStatus
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time

	// Result of the last run
	Outcome         integration.SyncOutcome
	RecordsUpserted int
	RunID           uuid.UUID
}

// NewSyncJob creates a pending job for key
func NewSyncJob(key integration.ConnectionKey, maxRetries int) *SyncJob {
	return &SyncJob{
		ID:         uuid.New(),
		Key:        key,
		Status:     SyncJobStatusPending,
		MaxRetries: maxRetries,
	}
}

// Start marks the job as running
func (j *SyncJob) Start() {
	now := time.Now()
	j.Status = SyncJobStatusRunning
	j.StartedAt = &now
	j.CompletedAt = nil
	j.Error = ""
}

// Complete marks the job as successful
func (j *SyncJob) Complete(result *appintegration.SyncResult) {
	now := time.Now()
	j.Status = SyncJobStatusSuccess
	j.CompletedAt = &now
	j.NextRetryAt = nil
	j.record(result)
}

// Fail marks the job as failed
func (j *SyncJob) Fail(result *appintegration.SyncResult, err error) {
	now := time.Now()
	j.Status = SyncJobStatusFailed
	j.CompletedAt = &now
	if err != nil {
		j.Error = err.Error()
	}
	j.record(result)
}

func (j *SyncJob) record(result *appintegration.SyncResult) {
	if result == nil {
		return
	}
	j.Outcome = result.Outcome
	j.RecordsUpserted = result.RecordsCommitted
	j.RunID = result.RunID
}

// ShouldRetry reports whether a failed run may be attempted again.
// Runs that need the user to reconnect never retry.
func (j *SyncJob) ShouldRetry(err error) bool {
	if j.Status != SyncJobStatusFailed || j.RetryCount >= j.MaxRetries {
		return false
	}
	switch {
	case errors.Is(err, integration.ErrReauthorizationRequired),
		errors.Is(err, integration.ErrNotConnected),
		errors.Is(err, integration.ErrInvalidUserID),
		errors.Is(err, integration.ErrInvalidPlatform),
		errors.Is(err, integration.ErrSubResourceRequired):
		return false
	}
	return true
}

// ScheduleRetry schedules the job for retry with exponential backoff.
// A platform supplied retry-after wins when it is longer than the backoff.
func (j *SyncJob) ScheduleRetry(baseDelay, maxDelay, retryAfter time.Duration) time.Duration {
	j.RetryCount++
	j.Status = SyncJobStatusRetrying

	delay := baseDelay * time.Duration(1<<(j.RetryCount-1))
	if retryAfter > delay {
		delay = retryAfter
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	nextRetry := time.Now().Add(delay)
	j.NextRetryAt = &nextRetry
	return delay
}

// IsTerminal reports whether the job will not run again
func (j *SyncJob) IsTerminal() bool {
	return j.Status == SyncJobStatusSuccess || j.Status == SyncJobStatusFailed
}

// retryAfterOf extracts the platform's retry hint from a sync error
func retryAfterOf(err error) time.Duration {
	var retryErr *integration.RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.RetryAfter
	}
	if adapterErr, ok := integration.AsAdapterError(err); ok {
		return adapterErr.RetryAfter
	}
	return 0
}

// ---------------------------------------------------------------------------
// SyncRunner Interface
// ---------------------------------------------------------------------------

// SyncRunner runs one sync invocation; *appintegration.SyncEngine satisfies it
type SyncRunner interface {
	TriggerSync(ctx context.Context, req appintegration.SyncRequest) (*appintegration.SyncResult, error)
}

// ---------------------------------------------------------------------------
// SyncSchedulerConfig
// ---------------------------------------------------------------------------

// SyncSchedulerConfig holds configuration for the sync scheduler
type SyncSchedulerConfig struct {
	// WorkerCount is the number of concurrent sync workers
	WorkerCount int
	// QueueSize bounds the number of jobs waiting for a worker
	QueueSize int
	// JobTimeout is the maximum time a single run can take
	JobTimeout time.Duration
	// RetryAttempts is the number of retries for failed runs
	RetryAttempts int
	// RetryDelay is the base delay between retries (with exponential backoff)
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff and any platform retry-after hint
	MaxRetryDelay time.Duration
	// HistorySize is how many finished jobs are kept for monitoring
	HistorySize int
}

// DefaultSyncSchedulerConfig returns default configuration
func DefaultSyncSchedulerConfig() SyncSchedulerConfig {
	return SyncSchedulerConfig{
		WorkerCount:   4,
		QueueSize:     256,
		JobTimeout:    10 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    30 * time.Second,
		MaxRetryDelay: 15 * time.Minute,
		HistorySize:   200,
	}
}

// Validate validates the configuration
func (c *SyncSchedulerConfig) Validate() error {
	if c.WorkerCount <= 0 || c.QueueSize <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.RetryAttempts < 0 || c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		return ErrInvalidConfig
	}
	if c.HistorySize < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// SyncScheduler
// ---------------------------------------------------------------------------

// SyncScheduler runs background sync jobs on a fixed worker pool.
// At most one job per connection key is queued or running at a time.
type SyncScheduler struct {
	config SyncSchedulerConfig
	runner SyncRunner
	logger *zap.Logger

	jobs      chan *SyncJob
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	inFlight  map[string]uuid.UUID
	timers    map[uuid.UUID]*time.Timer

	// Job history for monitoring (in-memory, limited size)
	historyMu sync.RWMutex
	history   []*SyncJob
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(config SyncSchedulerConfig, runner SyncRunner, logger *zap.Logger) (*SyncScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SyncScheduler{
		config:   config,
		runner:   runner,
		logger:   logger,
		jobs:     make(chan *SyncJob, config.QueueSize),
		inFlight: make(map[string]uuid.UUID),
		timers:   make(map[uuid.UUID]*time.Timer),
		history:  make([]*SyncJob, 0, config.HistorySize),
	}, nil
}

// Start starts the worker pool
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("Sync scheduler started",
		zap.Int("workers", s.config.WorkerCount),
		zap.Int("queue_size", s.config.QueueSize),
		zap.Duration("job_timeout", s.config.JobTimeout),
	)
	return nil
}

// Stop cancels running jobs and waits for the workers to exit
func (s *SyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	close(s.jobs)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Sync scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the worker pool accepts jobs
func (s *SyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// SubmitJob queues a job unless one for the same connection is already in flight
func (s *SyncScheduler) SubmitJob(job *SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return ErrSchedulerNotRunning
	}
	key := job.Key.String()
	if _, busy := s.inFlight[key]; busy {
		return ErrJobAlreadyQueued
	}

	select {
	case s.jobs <- job:
		s.inFlight[key] = job.ID
		s.logger.Debug("Sync job submitted",
			zap.String("job_id", job.ID.String()),
			zap.String("connection", key),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// ScheduleSync queues a scheduled sync for key
func (s *SyncScheduler) ScheduleSync(key integration.ConnectionKey) error {
	return s.SubmitJob(NewSyncJob(key, s.config.RetryAttempts))
}

// InFlight reports whether a job for key is queued, running or waiting to retry
func (s *SyncScheduler) InFlight(key integration.ConnectionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[key.String()]
	return ok
}

// worker processes jobs from the queue
func (s *SyncScheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

// processJob runs one job and decides whether it retries
func (s *SyncScheduler) processJob(ctx context.Context, job *SyncJob, workerID int) {
	job.Start()
	key := job.Key.String()

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	result, err := s.runner.TriggerSync(jobCtx, appintegration.SyncRequest{
		UserID:      job.Key.UserID,
		Platform:    job.Key.Platform,
		SubResource: job.Key.SubResource,
		Trigger:     integration.SyncTriggerScheduled,
	})
	if err == nil {
		job.Complete(result)
		s.logger.Info("Sync job completed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("connection", key),
			zap.String("outcome", string(job.Outcome)),
			zap.Int("records", job.RecordsUpserted),
		)
		s.finish(job)
		return
	}

	job.Fail(result, err)
	if !job.ShouldRetry(err) {
		level := s.logger.Error
		if errors.Is(err, integration.ErrReauthorizationRequired) ||
			errors.Is(err, integration.ErrNotConnected) ||
			errors.Is(err, integration.ErrRetryable) {
			level = s.logger.Warn
		}
		level("Sync job failed",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID.String()),
			zap.String("connection", key),
			zap.String("outcome", string(job.Outcome)),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(err),
		)
		s.finish(job)
		return
	}

	delay := job.ScheduleRetry(s.config.RetryDelay, s.config.MaxRetryDelay, retryAfterOf(err))
	s.logger.Warn("Sync job scheduled for retry",
		zap.String("job_id", job.ID.String()),
		zap.String("connection", key),
		zap.Int("retry_count", job.RetryCount),
		zap.Int("max_retries", job.MaxRetries),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	s.addToHistory(job)
	s.scheduleRetry(job, delay)
}

// scheduleRetry puts the job back on the queue once its delay has passed
func (s *SyncScheduler) scheduleRetry(job *SyncJob, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() { s.requeue(job) })
}

func (s *SyncScheduler) requeue(job *SyncJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, job.ID)
	if !s.isRunning {
		return
	}
	select {
	case s.jobs <- job:
	default:
		delete(s.inFlight, job.Key.String())
		s.logger.Warn("Failed to re-queue sync job for retry",
			zap.String("job_id", job.ID.String()),
			zap.String("connection", job.Key.String()),
		)
	}
}

// finish releases the connection key and records the terminal job
func (s *SyncScheduler) finish(job *SyncJob) {
	s.mu.Lock()
	if s.inFlight[job.Key.String()] == job.ID {
		delete(s.inFlight, job.Key.String())
	}
	s.mu.Unlock()
	s.addToHistory(job)
}

// addToHistory records a snapshot of the job, newest first
func (s *SyncScheduler) addToHistory(job *SyncJob) {
	if s.config.HistorySize == 0 {
		return
	}
	snapshot := *job

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history = append([]*SyncJob{&snapshot}, s.history...)
	if len(s.history) > s.config.HistorySize {
		s.history = s.history[:s.config.HistorySize]
	}
}

// jobHistory returns up to limit snapshots accepted by keep, newest first.
// A limit of zero or less returns every match.
func (s *SyncScheduler) jobHistory(limit int, keep func(*SyncJob) bool) []*SyncJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	result := make([]*SyncJob, 0, len(s.history))
	for _, job := range s.history {
		if keep != nil && !keep(job) {
			continue
		}
		result = append(result, job)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// RecentJobs lists the newest background sync snapshots of one user
func (s *SyncScheduler) RecentJobs(userID uuid.UUID, limit int) []appintegration.ScheduledSyncResponse {
	jobs := s.jobHistory(limit, func(j *SyncJob) bool { return j.Key.UserID == userID })
	out := make([]appintegration.ScheduledSyncResponse, len(jobs))
	for i, job := range jobs {
		out[i] = appintegration.ScheduledSyncResponse{
			JobID:           job.ID,
			Platform:        job.Key.Platform,
			SubResource:     job.Key.SubResource,
			Status:          string(job.Status),
			Outcome:         job.Outcome,
			RecordsUpserted: job.RecordsUpserted,
			RetryCount:      job.RetryCount,
			Error:           job.Error,
			StartedAt:       job.StartedAt,
			CompletedAt:     job.CompletedAt,
			NextRetryAt:     job.NextRetryAt,
		}
	}
	return out
}
