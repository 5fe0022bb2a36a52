package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Token refresh results
const (
	RefreshResultSuccess   = "success"
	RefreshResultFailed    = "failed"
	RefreshResultRevoked   = "revoked"
	RefreshResultNoRefresh = "no_refresh_token"
)

// Connection attempt results
const (
	ConnectResultAuthorizeIssued = "authorize_issued"
	ConnectResultConnected       = "connected"
	ConnectResultRenewed         = "renewed"
	ConnectResultQuotaExceeded   = "quota_exceeded"
	ConnectResultStateMismatch   = "state_mismatch"
	ConnectResultExchangeFailed  = "exchange_failed"
	ConnectResultError           = "error"
)

// SyncMetrics records sync engine and connection flow metrics.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	syncRuns        *Counter
	recordsUpserted *Counter
	tokenRefreshes  *Counter
	connectAttempts *Counter
	syncDuration    *Histogram
}

// NewSyncMetrics creates the sync instruments on meter.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	var err error
	m := &SyncMetrics{}
	if m.syncRuns, err = NewCounter(meter,
		"platformsync_sync_runs_total", "Sync invocations by final outcome", "{runs}"); err != nil {
		return nil, err
	}
	if m.recordsUpserted, err = NewCounter(meter,
		"platformsync_records_upserted_total", "Remote records committed to local storage", "{records}"); err != nil {
		return nil, err
	}
	if m.tokenRefreshes, err = NewCounter(meter,
		"platformsync_token_refresh_total", "Token refresh attempts by result", "{refreshes}"); err != nil {
		return nil, err
	}
	if m.connectAttempts, err = NewCounter(meter,
		"platformsync_connection_attempts_total", "Connection flow steps by result", "{attempts}"); err != nil {
		return nil, err
	}
	if m.syncDuration, err = NewHistogram(meter,
		"platformsync_sync_duration_seconds", "Wall time of one sync invocation", "s", SyncDurationBuckets...); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSyncRun counts one finished invocation and its duration.
func (m *SyncMetrics) RecordSyncRun(ctx context.Context, platform, trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.Inc(ctx, AttrPlatform.String(platform), AttrTrigger.String(trigger), AttrOutcome.String(outcome))
	m.syncDuration.RecordDuration(ctx, d, AttrPlatform.String(platform), AttrOutcome.String(outcome))
}

// RecordRecordsUpserted counts records committed in one page.
func (m *SyncMetrics) RecordRecordsUpserted(ctx context.Context, platform string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsUpserted.Add(ctx, int64(n), AttrPlatform.String(platform))
}

// RecordTokenRefresh counts one refresh attempt.
func (m *SyncMetrics) RecordTokenRefresh(ctx context.Context, platform, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Inc(ctx, AttrPlatform.String(platform), AttrResult.String(result))
}

// RecordConnectionAttempt counts one step of the OAuth connection flow.
func (m *SyncMetrics) RecordConnectionAttempt(ctx context.Context, platform, result string) {
	if m == nil {
		return
	}
	m.connectAttempts.Inc(ctx, AttrPlatform.String(platform), AttrResult.String(result))
}
