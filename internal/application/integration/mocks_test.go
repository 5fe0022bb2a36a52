package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// =============================================================================
// Mock OAuth provider
// =============================================================================

type MockOAuthProvider struct {
	mock.Mock
	platform integration.Platform
}

func (m *MockOAuthProvider) Platform() integration.Platform {
	return m.platform
}

func (m *MockOAuthProvider) AuthCodeURL(state, verifier, subResource string) (string, error) {
	args := m.Called(state, verifier, subResource)
	return args.String(0), args.Error(1)
}

func (m *MockOAuthProvider) Exchange(ctx context.Context, code, verifier, subResource string) (*integration.TokenSet, error) {
	args := m.Called(ctx, code, verifier, subResource)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.TokenSet), args.Error(1)
}

func (m *MockOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*integration.TokenSet, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.TokenSet), args.Error(1)
}

// providerRegistry resolves providers from a map
type providerRegistry map[integration.Platform]integration.OAuthProvider

func (r providerRegistry) Provider(platform integration.Platform) (integration.OAuthProvider, error) {
	p, ok := r[platform]
	if !ok {
		return nil, integration.ErrPlatformNotConfigured
	}
	return p, nil
}

// =============================================================================
// Mock plan quota provider
// =============================================================================

type MockPlanQuotaProvider struct {
	mock.Mock
}

func (m *MockPlanQuotaProvider) GetPlanQuota(ctx context.Context, userID uuid.UUID) (*integration.PlanQuota, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.PlanQuota), args.Error(1)
}

// =============================================================================
// Adapters
// =============================================================================

type MockPlatformAdapter struct {
	mock.Mock
	platform integration.Platform
}

func (m *MockPlatformAdapter) Platform() integration.Platform {
	return m.platform
}

func (m *MockPlatformAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.FetchResult), args.Error(1)
}

type adapterRegistry map[integration.Platform]integration.PlatformAdapter

func (r adapterRegistry) Adapter(platform integration.Platform) (integration.PlatformAdapter, error) {
	a, ok := r[platform]
	if !ok {
		return nil, integration.ErrPlatformNotConfigured
	}
	return a, nil
}

// =============================================================================
// Fake vault and state issuer
// =============================================================================

// fakeVault "encrypts" by prefixing; anything without the prefix fails to decrypt
type fakeVault struct{}

const fakeCipherPrefix = "sealed:"

func (fakeVault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return fakeCipherPrefix + plaintext, nil
}

func (fakeVault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, fakeCipherPrefix) {
		return "", fmt.Errorf("%w: unknown key", integration.ErrDecryption)
	}
	return strings.TrimPrefix(ciphertext, fakeCipherPrefix), nil
}

// fakeIssuer mints predictable state values
type fakeIssuer struct {
	n         int
	verifyErr error
}

func (f *fakeIssuer) Issue(userID uuid.UUID, platform integration.Platform, _ string) (string, error) {
	f.n++
	return fmt.Sprintf("state-%s-%s-%d", userID, platform, f.n), nil
}

func (f *fakeIssuer) Verify(_ string, _ uuid.UUID, _ integration.Platform) error {
	return f.verifyErr
}

// =============================================================================
// In-memory stores
// =============================================================================

type memStates struct {
	mu      sync.Mutex
	states  map[string]*integration.OAuthState
	deleted []string
}

func newMemStates() *memStates {
	return &memStates{states: map[string]*integration.OAuthState{}}
}

func (s *memStates) Save(_ context.Context, key string, state *integration.OAuthState, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[key] = &cp
	return nil
}

func (s *memStates) Get(_ context.Context, key string) (*integration.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return nil, integration.ErrOAuthStateNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *memStates) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	s.deleted = append(s.deleted, key)
	return nil
}

type memConnections struct {
	mu        sync.Mutex
	rows      map[integration.ConnectionKey]*integration.Connection
	upserts   int
	upsertErr error
}

func newMemConnections() *memConnections {
	return &memConnections{rows: map[integration.ConnectionKey]*integration.Connection{}}
}

func (r *memConnections) put(c *integration.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.rows[c.Key()] = &cp
}

func (r *memConnections) get(key integration.ConnectionKey) *integration.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[key]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (r *memConnections) Upsert(_ context.Context, conn *integration.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserts++
	cp := *conn
	if existing, ok := r.rows[conn.Key()]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	r.rows[conn.Key()] = &cp
	conn.ID = cp.ID
	conn.CreatedAt = cp.CreatedAt
	return nil
}

func (r *memConnections) UpdateTokens(_ context.Context, key integration.ConnectionKey, accessCipher, refreshCipher string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[key]
	if !ok || !c.IsActive {
		return integration.ErrConnectionNotFound
	}
	c.ReplaceTokens(accessCipher, refreshCipher, expiresAt)
	return nil
}

func (r *memConnections) FindActive(ctx context.Context, key integration.ConnectionKey) (*integration.Connection, error) {
	c, err := r.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, integration.ErrConnectionNotFound
	}
	return c, nil
}

func (r *memConnections) FindByKey(_ context.Context, key integration.ConnectionKey) (*integration.Connection, error) {
	c := r.get(key)
	if c == nil {
		return nil, integration.ErrConnectionNotFound
	}
	return c, nil
}

func (r *memConnections) ListByUser(_ context.Context, userID uuid.UUID) ([]*integration.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*integration.Connection
	for _, c := range r.rows {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].SubResource < out[j].SubResource
	})
	return out, nil
}

func (r *memConnections) ListActive(_ context.Context, afterID uuid.UUID, limit int) ([]*integration.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*integration.Connection
	for _, c := range r.rows {
		if c.IsActive && strings.Compare(c.ID.String(), afterID.String()) > 0 {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memConnections) Deactivate(_ context.Context, key integration.ConnectionKey, reason integration.DeactivationReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[key]; ok {
		c.Deactivate(reason)
	}
	return nil
}

func (r *memConnections) CountActivePlatforms(_ context.Context, userID uuid.UUID, platforms []integration.Platform) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counted := map[integration.Platform]bool{}
	for _, p := range platforms {
		counted[p] = false
	}
	var n int64
	for _, c := range r.rows {
		seen, ok := counted[c.Platform]
		if c.UserID == userID && c.IsActive && ok && !seen {
			counted[c.Platform] = true
			n++
		}
	}
	return n, nil
}

func (r *memConnections) HasActivePlatform(_ context.Context, userID uuid.UUID, platform integration.Platform) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.UserID == userID && c.Platform == platform && c.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (r *memConnections) LockUser(context.Context, uuid.UUID) error {
	return nil
}

func (r *memConnections) Delete(_ context.Context, key integration.ConnectionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, key)
	return nil
}

type memRecords struct {
	mu   sync.Mutex
	rows map[string]*integration.SyncedRecord
	// failOnCall makes the n-th UpsertBatch call (1-based) fail
	failOnCall int
	calls      int
}

func newMemRecords() *memRecords {
	return &memRecords{rows: map[string]*integration.SyncedRecord{}}
}

func recordKey(userID uuid.UUID, platform integration.Platform, nativeID string) string {
	return userID.String() + "|" + string(platform) + "|" + nativeID
}

func (r *memRecords) UpsertBatch(_ context.Context, records []*integration.SyncedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failOnCall > 0 && r.calls == r.failOnCall {
		return errors.New("connection reset by peer")
	}
	for _, rec := range records {
		cp := *rec
		k := recordKey(rec.UserID, rec.Platform, rec.NativeID)
		if existing, ok := r.rows[k]; ok {
			cp.ID = existing.ID
			cp.FirstSyncedAt = existing.FirstSyncedAt
		}
		r.rows[k] = &cp
	}
	return nil
}

func (r *memRecords) FindByNativeID(_ context.Context, userID uuid.UUID, platform integration.Platform, nativeID string) (*integration.SyncedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[recordKey(userID, platform, nativeID)]
	if !ok {
		return nil, integration.ErrSyncedRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRecords) ListByUserPlatform(_ context.Context, userID uuid.UUID, platform integration.Platform, _, _ int) ([]*integration.SyncedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*integration.SyncedRecord
	for _, rec := range r.rows {
		if rec.UserID == userID && rec.Platform == platform {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRecords) CountByUserPlatform(ctx context.Context, userID uuid.UUID, platform integration.Platform) (int64, error) {
	out, _ := r.ListByUserPlatform(ctx, userID, platform, 0, 0)
	return int64(len(out)), nil
}

func (r *memRecords) DeleteByUserPlatform(_ context.Context, userID uuid.UUID, platform integration.Platform) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, rec := range r.rows {
		if rec.UserID == userID && rec.Platform == platform {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []*integration.SyncAttempt
}

func (r *memAttempts) Append(_ context.Context, attempt *integration.SyncAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *attempt
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *memAttempts) LatestTerminal(_ context.Context, key integration.ConnectionKey, trigger integration.SyncTrigger) (*integration.SyncAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *integration.SyncAttempt
	for _, a := range r.rows {
		if a.UserID != key.UserID || a.Platform != key.Platform || a.SubResource != key.SubResource {
			continue
		}
		if !a.Outcome.IsTerminal() || (trigger != "" && a.Trigger != trigger) {
			continue
		}
		if latest == nil || a.AttemptedAt.After(latest.AttemptedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, integration.ErrSyncAttemptNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memAttempts) ListByUserPlatform(_ context.Context, userID uuid.UUID, platform integration.Platform, limit int) ([]*integration.SyncAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*integration.SyncAttempt
	for i := len(r.rows) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		a := r.rows[i]
		if a.UserID == userID && a.Platform == platform {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memAttempts) outcomes() []integration.SyncOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]integration.SyncOutcome, len(r.rows))
	for i, a := range r.rows {
		out[i] = a.Outcome
	}
	return out
}
