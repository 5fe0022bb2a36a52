package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/logger"
	"github.com/erp/platformsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize  = 100
	defaultMaxPages  = 50
	maxDetailLength  = 500
	detailMaxPages   = "page limit reached, next cursor: "
	detailCooldown   = "manual sync cooldown active"
	detailNoRecords  = "no records returned"
	detailRefreshRun = "access token refreshed"
)

// SyncEngineConfig bounds one sync invocation
type SyncEngineConfig struct {
	// PageSize is passed to adapters as a hint
	PageSize int
	// MaxPages stops an invocation after this many committed pages
	MaxPages int
	// ManualCooldown is the minimum gap between two manual syncs of one key; zero disables it
	ManualCooldown time.Duration
}

// SyncEngineDeps groups the collaborators of SyncEngine
type SyncEngineDeps struct {
	Connections integration.ConnectionRepository
	Attempts    integration.SyncAttemptRepository
	TxScope     TransactionScope
	Adapters    integration.AdapterRegistry
	// Refreshers resolves the token refresher of each platform
	Refreshers integration.OAuthProviderRegistry
	Vault      integration.CredentialVault
	Metrics    *telemetry.SyncMetrics
	Logger     *zap.Logger
	Config     SyncEngineConfig
}

// SyncEngine pulls remote records for one connection per invocation.
//
// States: load connection, decrypt credentials, then fetch and commit page by
// page. An AuthExpired response triggers at most one token refresh per
// invocation, after which the failed fetch is retried exactly once. Every
// page commits in its own transaction, so a later failure never rolls back
// earlier pages.
type SyncEngine struct {
	connections integration.ConnectionRepository
	attempts    integration.SyncAttemptRepository
	txScope     TransactionScope
	adapters    integration.AdapterRegistry
	refreshers  integration.OAuthProviderRegistry
	vault       integration.CredentialVault
	metrics     *telemetry.SyncMetrics
	logger      *zap.Logger
	cfg         SyncEngineConfig
	now         func() time.Time
}

// NewSyncEngine creates a SyncEngine
func NewSyncEngine(deps SyncEngineDeps) *SyncEngine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &SyncEngine{
		connections: deps.Connections,
		attempts:    deps.Attempts,
		txScope:     deps.TxScope,
		adapters:    deps.Adapters,
		refreshers:  deps.Refreshers,
		vault:       deps.Vault,
		metrics:     deps.Metrics,
		logger:      log,
		cfg:         cfg,
		now:         time.Now,
	}
}

// syncRun carries the state of one invocation
type syncRun struct {
	key     integration.ConnectionKey
	trigger integration.SyncTrigger
	conn    *integration.Connection
	creds   integration.Credentials
	adapter integration.PlatformAdapter
	result  *SyncResult
}

// TriggerSync runs one sync invocation.
//
// Success and LimitedMode return a nil error. Every other outcome returns the
// result together with a typed error: *integration.RetryableError,
// *integration.PartialFailureError, *integration.ReauthorizationError, or an
// error wrapping integration.ErrNotConnected or integration.ErrSyncFailed.
// Invalid requests return a nil result.
func (e *SyncEngine) TriggerSync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.UserID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	if !req.Platform.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}
	if req.Trigger == "" {
		req.Trigger = integration.SyncTriggerManual
	}
	if !req.Trigger.IsValid() {
		return nil, fmt.Errorf("integration: invalid sync trigger %q", req.Trigger)
	}

	key, err := e.resolveKey(ctx, req)
	if err != nil {
		return nil, err
	}

	run := &syncRun{
		key:     key,
		trigger: req.Trigger,
		result: &SyncResult{
			RunID:       uuid.New(),
			Platform:    key.Platform,
			SubResource: key.SubResource,
			Trigger:     req.Trigger,
			StartedAt:   e.now(),
		},
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSyncRun,
		telemetry.SpanAttrUserID, key.UserID.String(),
		telemetry.SpanAttrPlatform, string(key.Platform),
		telemetry.SpanAttrSubResource, key.SubResource,
		telemetry.SpanAttrRunID, run.result.RunID.String(),
		telemetry.SpanAttrTrigger, string(req.Trigger),
	)
	defer span.End()

	wait, err := e.cooldownRemaining(ctx, run)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if wait > 0 {
		run.result.Outcome = integration.SyncOutcomeRetryable
		run.result.RetryAfter = wait
		run.result.Detail = detailCooldown
		run.result.FinishedAt = e.now()
		e.metrics.RecordSyncRun(ctx, string(key.Platform), string(req.Trigger), string(integration.SyncOutcomeRetryable), 0)
		retryErr := &integration.RetryableError{Platform: key.Platform, RetryAfter: wait}
		telemetry.RecordError(span, retryErr)
		return run.result, retryErr
	}

	e.log(ctx).Debug("Starting platform sync",
		zap.String("run_id", run.result.RunID.String()),
		zap.String("connection", key.String()),
		zap.String("trigger", string(req.Trigger)),
	)

	outcome, runErr := e.execute(ctx, run)
	e.finish(ctx, run, outcome, runErr)

	telemetry.SetAttributes(span,
		telemetry.SpanAttrOutcome, string(outcome),
		telemetry.SpanAttrRecordCount, run.result.RecordsCommitted,
	)
	if runErr != nil {
		telemetry.RecordError(span, runErr)
	} else {
		telemetry.SetOK(span)
	}
	return run.result, runErr
}

// execute walks the state machine and returns the terminal outcome
func (e *SyncEngine) execute(ctx context.Context, run *syncRun) (integration.SyncOutcome, error) {
	conn, err := e.connections.FindActive(ctx, run.key)
	if err != nil {
		if errors.Is(err, integration.ErrConnectionNotFound) {
			return integration.SyncOutcomeNotConnected,
				fmt.Errorf("%w: %s", integration.ErrNotConnected, run.key.Platform.DisplayName())
		}
		return integration.SyncOutcomeFailed, fmt.Errorf("%w: load connection: %v", integration.ErrSyncFailed, err)
	}
	run.conn = conn

	if err := e.loadCredentials(ctx, run); err != nil {
		return integration.SyncOutcomeReauthRequired, err
	}

	adapter, err := e.adapters.Adapter(run.key.Platform)
	if err != nil {
		return integration.SyncOutcomeFailed, fmt.Errorf("%w: %v", integration.ErrSyncFailed, err)
	}
	run.adapter = adapter

	cursor := ""
	for {
		if run.result.PagesCommitted >= e.cfg.MaxPages {
			run.result.NextCursor = cursor
			run.result.Detail = detailMaxPages + cursor
			return integration.SyncOutcomeSuccess, nil
		}

		page, err := e.fetchPage(ctx, run, cursor)
		if err != nil {
			return e.classify(run, err)
		}

		records, err := e.buildRecords(run, page)
		if err != nil {
			return e.classify(run, integration.NewAdapterError(run.key.Platform, integration.ErrorKindMalformedResponse, err))
		}

		if err := e.commitPage(ctx, run, records, page.NextCursor); err != nil {
			e.log(ctx).Error("Sync page rolled back",
				zap.String("run_id", run.result.RunID.String()),
				zap.String("connection", run.key.String()),
				zap.Int("page_index", run.result.PagesCommitted),
				zap.Error(err),
			)
			return integration.SyncOutcomePartialFailure, &integration.PartialFailureError{
				Platform:  run.key.Platform,
				Committed: run.result.RecordsCommitted,
				Cause:     err,
			}
		}

		if !page.HasMore() {
			if run.result.RecordsCommitted == 0 {
				run.result.Detail = detailNoRecords
			}
			return integration.SyncOutcomeSuccess, nil
		}
		cursor = page.NextCursor
	}
}

// loadCredentials decrypts the stored tokens. Undecryptable ciphertext means
// the key changed or the row is corrupt, so the connection is deactivated.
func (e *SyncEngine) loadCredentials(ctx context.Context, run *syncRun) error {
	access, err := e.vault.Decrypt(run.conn.AccessTokenCipher)
	if err == nil && run.conn.HasRefreshToken() {
		var refresh string
		refresh, err = e.vault.Decrypt(run.conn.RefreshTokenCipher)
		run.creds.RefreshToken = refresh
	}
	if err != nil {
		e.deactivate(ctx, run.key, integration.DeactivationDecryptionFailed)
		return &integration.ReauthorizationError{Platform: run.key.Platform, Revoked: true, Cause: err}
	}

	metadata := make(map[string]string, len(run.conn.Metadata))
	for k, v := range run.conn.Metadata {
		metadata[k] = v
	}
	run.creds.AccessToken = access
	run.creds.SubResource = run.conn.SubResource
	run.creds.Metadata = metadata
	return nil
}

// fetchPage calls the adapter, refreshing the token and retrying once on AuthExpired
func (e *SyncEngine) fetchPage(ctx context.Context, run *syncRun, cursor string) (*integration.FetchResult, error) {
	req := integration.FetchRequest{Credentials: run.creds, Cursor: cursor, PageSize: e.cfg.PageSize}
	page, err := run.adapter.FetchRecords(ctx, req)
	if err == nil || !integration.IsAdapterErrorKind(err, integration.ErrorKindAuthExpired) {
		return page, err
	}

	// one refresh per invocation
	if run.result.TokenRefreshed {
		return nil, &integration.ReauthorizationError{Platform: run.key.Platform, Cause: err}
	}
	if err := e.refreshTokens(ctx, run); err != nil {
		return nil, err
	}

	req.Credentials = run.creds
	page, err = run.adapter.FetchRecords(ctx, req)
	if integration.IsAdapterErrorKind(err, integration.ErrorKindAuthExpired) {
		return nil, &integration.ReauthorizationError{Platform: run.key.Platform, Cause: err}
	}
	return page, err
}

// refreshTokens exchanges the refresh token and persists the new tokens
// before the caller retries the fetch.
func (e *SyncEngine) refreshTokens(ctx context.Context, run *syncRun) error {
	platform := run.key.Platform
	if run.creds.RefreshToken == "" {
		e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultNoRefresh)
		return &integration.ReauthorizationError{Platform: platform, Cause: integration.ErrRefreshTokenMissing}
	}

	provider, err := e.refreshers.Provider(platform)
	if err != nil {
		return fmt.Errorf("%w: %v", integration.ErrSyncFailed, err)
	}

	tokens, err := provider.Refresh(ctx, run.creds.RefreshToken)
	if err != nil {
		var refreshErr *integration.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Permanent {
			e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultRevoked)
			e.deactivate(ctx, run.key, integration.DeactivationTokenRevoked)
			return &integration.ReauthorizationError{Platform: platform, Revoked: true, Cause: err}
		}
		e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultFailed)
		e.log(ctx).Warn("Token refresh failed",
			zap.String("connection", run.key.String()),
			zap.Error(err),
		)
		return &integration.ReauthorizationError{Platform: platform, Cause: err}
	}
	if tokens == nil || tokens.AccessToken == "" {
		e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultFailed)
		return &integration.ReauthorizationError{Platform: platform, Cause: integration.ErrUnsupportedTokenFormat}
	}

	accessCipher, err := e.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("%w: encrypt refreshed token: %v", integration.ErrSyncFailed, err)
	}
	refreshCipher, err := e.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("%w: encrypt refreshed token: %v", integration.ErrSyncFailed, err)
	}

	// only the token columns are written; a disconnect that landed after
	// FindActive must stay in effect
	expiresAt := tokens.ExpiresAt(e.now())
	if err := e.connections.UpdateTokens(ctx, run.key, accessCipher, refreshCipher, expiresAt); err != nil {
		if errors.Is(err, integration.ErrConnectionNotFound) {
			e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultFailed)
			return fmt.Errorf("%w: %s was disconnected during the sync", integration.ErrNotConnected, platform.DisplayName())
		}
		return fmt.Errorf("%w: persist refreshed tokens: %v", integration.ErrSyncFailed, err)
	}
	run.conn.ReplaceTokens(accessCipher, refreshCipher, expiresAt)

	run.creds.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		run.creds.RefreshToken = tokens.RefreshToken
	}
	run.result.TokenRefreshed = true
	e.metrics.RecordTokenRefresh(ctx, string(platform), telemetry.RefreshResultSuccess)
	e.log(ctx).Info("Access token refreshed",
		zap.String("run_id", run.result.RunID.String()),
		zap.String("connection", run.key.String()),
	)
	return nil
}

func (e *SyncEngine) buildRecords(run *syncRun, page *integration.FetchResult) ([]*integration.SyncedRecord, error) {
	now := e.now()
	records := make([]*integration.SyncedRecord, 0, len(page.Records))
	for _, remote := range page.Records {
		rec, err := integration.NewSyncedRecord(run.key, remote, now)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// commitPage upserts one page and its log row in a single transaction
func (e *SyncEngine) commitPage(ctx context.Context, run *syncRun, records []*integration.SyncedRecord, nextCursor string) error {
	pageIndex := run.result.PagesCommitted
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSyncPage,
		telemetry.SpanAttrRunID, run.result.RunID.String(),
		telemetry.SpanAttrPageIndex, pageIndex,
		telemetry.SpanAttrRecordCount, len(records),
	)
	defer span.End()

	err := e.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		if len(records) > 0 {
			if err := repos.RecordRepo().UpsertBatch(ctx, records); err != nil {
				return err
			}
		}
		attempt := integration.NewSyncAttempt(run.result.RunID, run.key, run.trigger, integration.SyncOutcomePageCommitted)
		attempt.PageIndex = pageIndex
		attempt.RecordCount = len(records)
		attempt.AttemptedAt = e.now()
		if nextCursor != "" {
			attempt.Detail = truncateDetail("next cursor: " + nextCursor)
		}
		return repos.AttemptRepo().Append(ctx, attempt)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.AddEvent(span, "page_rolled_back", telemetry.SpanAttrRecordCount, len(records))
		return err
	}

	run.result.PagesCommitted++
	run.result.RecordsCommitted += len(records)
	e.metrics.RecordRecordsUpserted(ctx, string(run.key.Platform), len(records))
	telemetry.SetOK(span)
	return nil
}

// classify maps a fetch failure onto a terminal outcome
func (e *SyncEngine) classify(run *syncRun, err error) (integration.SyncOutcome, error) {
	if errors.Is(err, integration.ErrNotConnected) {
		return integration.SyncOutcomeNotConnected, err
	}
	var reauthErr *integration.ReauthorizationError
	if errors.As(err, &reauthErr) {
		return integration.SyncOutcomeReauthRequired, err
	}

	adapterErr, ok := integration.AsAdapterError(err)
	if !ok {
		if errors.Is(err, integration.ErrSyncFailed) {
			return integration.SyncOutcomeFailed, err
		}
		return integration.SyncOutcomeFailed, fmt.Errorf("%w: %v", integration.ErrSyncFailed, err)
	}

	platform := run.key.Platform
	switch adapterErr.Kind {
	case integration.ErrorKindScopeInsufficient:
		run.result.Detail = truncateDetail(adapterErr.Error())
		return integration.SyncOutcomeLimitedMode, nil
	case integration.ErrorKindRateLimited, integration.ErrorKindRemoteUnavailable:
		run.result.RetryAfter = adapterErr.RetryAfter
		return integration.SyncOutcomeRetryable, &integration.RetryableError{
			Platform:   platform,
			RetryAfter: adapterErr.RetryAfter,
			Cause:      err,
		}
	case integration.ErrorKindAuthExpired:
		return integration.SyncOutcomeReauthRequired, &integration.ReauthorizationError{Platform: platform, Cause: err}
	default:
		if run.result.RecordsCommitted > 0 {
			return integration.SyncOutcomePartialFailure, &integration.PartialFailureError{
				Platform:  platform,
				Committed: run.result.RecordsCommitted,
				Cause:     err,
			}
		}
		return integration.SyncOutcomeFailed, fmt.Errorf("%w: %v", integration.ErrSyncFailed, err)
	}
}

// finish appends the terminal log row, records metrics and logs the outcome
func (e *SyncEngine) finish(ctx context.Context, run *syncRun, outcome integration.SyncOutcome, runErr error) {
	result := run.result
	result.Outcome = outcome
	result.FinishedAt = e.now()
	if result.Detail == "" && runErr != nil {
		result.Detail = truncateDetail(runErr.Error())
	}
	if result.TokenRefreshed && result.Detail == "" {
		result.Detail = detailRefreshRun
	}

	terminal := integration.NewSyncAttempt(result.RunID, run.key, run.trigger, outcome)
	terminal.PageIndex = result.PagesCommitted
	terminal.RecordCount = result.RecordsCommitted
	terminal.Detail = result.Detail
	terminal.AttemptedAt = result.FinishedAt
	if err := e.attempts.Append(context.WithoutCancel(ctx), terminal); err != nil {
		e.log(ctx).Error("Failed to append sync log",
			zap.String("run_id", result.RunID.String()),
			zap.Error(err),
		)
	}

	duration := result.FinishedAt.Sub(result.StartedAt)
	e.metrics.RecordSyncRun(ctx, string(run.key.Platform), string(run.trigger), string(outcome), duration)

	fields := []zap.Field{
		zap.String("run_id", result.RunID.String()),
		zap.String("connection", run.key.String()),
		zap.String("trigger", string(run.trigger)),
		zap.String("outcome", string(outcome)),
		zap.Int("records", result.RecordsCommitted),
		zap.Int("pages", result.PagesCommitted),
		zap.Duration("duration", duration),
	}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}

	switch outcome {
	case integration.SyncOutcomeSuccess, integration.SyncOutcomeLimitedMode:
		e.log(ctx).Info("Platform sync finished", fields...)
	case integration.SyncOutcomeRetryable, integration.SyncOutcomeReauthRequired, integration.SyncOutcomeNotConnected:
		e.log(ctx).Warn("Platform sync finished", fields...)
	default:
		e.log(ctx).Error("Platform sync failed", fields...)
	}
}

// cooldownRemaining returns how long a manual trigger has to wait
func (e *SyncEngine) cooldownRemaining(ctx context.Context, run *syncRun) (time.Duration, error) {
	if run.trigger != integration.SyncTriggerManual || e.cfg.ManualCooldown <= 0 {
		return 0, nil
	}
	last, err := e.attempts.LatestTerminal(ctx, run.key, integration.SyncTriggerManual)
	if err != nil {
		if errors.Is(err, integration.ErrSyncAttemptNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return e.cfg.ManualCooldown - e.now().Sub(last.AttemptedAt), nil
}

// resolveKey fills in the sub-resource when the platform needs one and the
// user holds exactly one active connection for it.
func (e *SyncEngine) resolveKey(ctx context.Context, req SyncRequest) (integration.ConnectionKey, error) {
	key := req.Key()
	if key.SubResource != "" || !key.Platform.RequiresSubResource() {
		return key, nil
	}

	conns, err := e.connections.ListByUser(ctx, req.UserID)
	if err != nil {
		return integration.ConnectionKey{}, err
	}
	var matches []integration.ConnectionKey
	for _, c := range conns {
		if c.IsActive && c.Platform == key.Platform {
			matches = append(matches, c.Key())
		}
	}
	switch len(matches) {
	case 0:
		return key, nil
	case 1:
		return matches[0], nil
	default:
		return integration.ConnectionKey{}, integration.ErrSubResourceRequired
	}
}

func (e *SyncEngine) deactivate(ctx context.Context, key integration.ConnectionKey, reason integration.DeactivationReason) {
	if err := e.connections.Deactivate(context.WithoutCancel(ctx), key, reason); err != nil {
		e.log(ctx).Error("Failed to deactivate connection",
			zap.String("connection", key.String()),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return
	}
	e.log(ctx).Warn("Connection deactivated",
		zap.String("connection", key.String()),
		zap.String("reason", string(reason)),
	)
}

func truncateDetail(s string) string {
	if len(s) <= maxDetailLength {
		return s
	}
	return s[:maxDetailLength]
}

// log returns the service logger enriched with the trace, request and user IDs of ctx
func (e *SyncEngine) log(ctx context.Context) *logger.ContextLogger {
	return logger.WithLogger(ctx, e.logger)
}
