package integration

import (
	"time"

	"github.com/google/uuid"
)

// SyncOutcome is the outcome recorded for a sync attempt
type SyncOutcome string

const (
	SyncOutcomeSuccess        SyncOutcome = "SUCCESS"
	SyncOutcomePageCommitted  SyncOutcome = "PAGE_COMMITTED"
	SyncOutcomeLimitedMode    SyncOutcome = "LIMITED_MODE"
	SyncOutcomeRetryable      SyncOutcome = "RETRYABLE"
	SyncOutcomePartialFailure SyncOutcome = "PARTIAL_FAILURE"
	SyncOutcomeReauthRequired SyncOutcome = "REAUTH_REQUIRED"
	SyncOutcomeNotConnected   SyncOutcome = "NOT_CONNECTED"
	SyncOutcomeFailed         SyncOutcome = "FAILED"
)

// IsTerminal returns true for outcomes that end a sync invocation
func (o SyncOutcome) IsTerminal() bool {
	return o != SyncOutcomePageCommitted && o != ""
}

// IsSoftSuccess returns true when the connection should not be treated as broken
func (o SyncOutcome) IsSoftSuccess() bool {
	return o == SyncOutcomeSuccess || o == SyncOutcomeLimitedMode
}

// SyncTrigger records who asked for a sync
type SyncTrigger string

const (
	SyncTriggerManual    SyncTrigger = "MANUAL"
	SyncTriggerScheduled SyncTrigger = "SCHEDULED"
)

// IsValid returns true if the trigger is known
func (t SyncTrigger) IsValid() bool {
	return t == SyncTriggerManual || t == SyncTriggerScheduled
}

// SyncAttempt is an append-only log row. One row is written inside each page
// transaction and one terminal row closes every invocation.
type SyncAttempt struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	UserID      uuid.UUID
	Platform    Platform
	SubResource string
	Trigger     SyncTrigger
	Outcome     SyncOutcome
	PageIndex   int
	RecordCount int
	Detail      string
	AttemptedAt time.Time
}

// NewSyncAttempt creates a log row for the given run
func NewSyncAttempt(runID uuid.UUID, key ConnectionKey, trigger SyncTrigger, outcome SyncOutcome) *SyncAttempt {
	return &SyncAttempt{
		ID:          uuid.New(),
		RunID:       runID,
		UserID:      key.UserID,
		Platform:    key.Platform,
		SubResource: key.SubResource,
		Trigger:     trigger,
		Outcome:     outcome,
		AttemptedAt: time.Now(),
	}
}
