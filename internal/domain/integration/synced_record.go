package integration

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordKind is the kind of remote record mirrored locally
type RecordKind string

const (
	RecordKindPost      RecordKind = "POST"
	RecordKindMetricRow RecordKind = "METRIC_ROW"
	RecordKindOrder     RecordKind = "ORDER"
	RecordKindInvoice   RecordKind = "INVOICE"
)

// RemoteRecord is a record as returned by a platform adapter, before it is
// bound to a user. NativeID is the platform's own identifier, kept verbatim.
type RemoteRecord struct {
	NativeID   string
	Kind       RecordKind
	Title      string
	OccurredAt *time.Time
	Metrics    map[string]int64
	Amount     *decimal.Decimal
	Currency   string
	Payload    map[string]any
}

// SyncedRecord mirrors one remote record, unique per (user, platform, native id).
// Re-syncing the same native id updates the mutable fields in place.
type SyncedRecord struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Platform      Platform
	SubResource   string
	NativeID      string
	Kind          RecordKind
	Title         string
	OccurredAt    *time.Time
	Metrics       map[string]int64
	Amount        *decimal.Decimal
	Currency      string
	Payload       map[string]any
	FirstSyncedAt time.Time
	LastSyncedAt  time.Time
}

// NewSyncedRecord maps a remote record onto the local schema. The mapping is
// deterministic and does not normalize the native id.
func NewSyncedRecord(key ConnectionKey, remote RemoteRecord, syncedAt time.Time) (*SyncedRecord, error) {
	if remote.NativeID == "" {
		return nil, ErrInvalidNativeID
	}
	kind := remote.Kind
	if kind == "" {
		kind = key.Platform.Family().RecordKind()
	}
	metrics := remote.Metrics
	if metrics == nil {
		metrics = map[string]int64{}
	}
	return &SyncedRecord{
		ID:            uuid.New(),
		UserID:        key.UserID,
		Platform:      key.Platform,
		SubResource:   key.SubResource,
		NativeID:      remote.NativeID,
		Kind:          kind,
		Title:         remote.Title,
		OccurredAt:    remote.OccurredAt,
		Metrics:       metrics,
		Amount:        remote.Amount,
		Currency:      remote.Currency,
		Payload:       remote.Payload,
		FirstSyncedAt: syncedAt,
		LastSyncedAt:  syncedAt,
	}, nil
}
