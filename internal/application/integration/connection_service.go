package integration

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/logger"
	"github.com/erp/platformsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultStateTTL bounds how long a user may take on the platform consent screen
const DefaultStateTTL = 10 * time.Minute

// subResourceExtraKey is the TokenSet.Extra entry providers use to name the
// account a token belongs to when the platform reports it at exchange time
const subResourceExtraKey = "sub_resource"

// ConnectionServiceDeps groups the collaborators of ConnectionService
type ConnectionServiceDeps struct {
	Connections integration.ConnectionRepository
	Records     integration.SyncedRecordRepository
	Attempts    integration.SyncAttemptRepository
	TxScope     TransactionScope
	Limiter     *ConnectionLimiter
	Providers   integration.OAuthProviderRegistry
	States      integration.OAuthStateStore
	Issuer      integration.StateIssuer
	Vault       integration.CredentialVault
	Metrics     *telemetry.SyncMetrics
	Logger      *zap.Logger
	// StateTTL defaults to DefaultStateTTL
	StateTTL time.Duration
}

// ConnectionService establishes, lists, disconnects and erases platform connections
type ConnectionService struct {
	connections integration.ConnectionRepository
	records     integration.SyncedRecordRepository
	attempts    integration.SyncAttemptRepository
	txScope     TransactionScope
	limiter     *ConnectionLimiter
	providers   integration.OAuthProviderRegistry
	states      integration.OAuthStateStore
	issuer      integration.StateIssuer
	vault       integration.CredentialVault
	metrics     *telemetry.SyncMetrics
	logger      *zap.Logger
	stateTTL    time.Duration
	now         func() time.Time
}

// NewConnectionService creates a ConnectionService
func NewConnectionService(deps ConnectionServiceDeps) *ConnectionService {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := deps.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &ConnectionService{
		connections: deps.Connections,
		records:     deps.Records,
		attempts:    deps.Attempts,
		txScope:     deps.TxScope,
		limiter:     deps.Limiter,
		providers:   deps.Providers,
		states:      deps.States,
		issuer:      deps.Issuer,
		vault:       deps.Vault,
		metrics:     deps.Metrics,
		logger:      log,
		stateTTL:    ttl,
		now:         time.Now,
	}
}

// ---------------------------------------------------------------------------
// OAuth handshake
// ---------------------------------------------------------------------------

// InitiateConnection checks the quota, stores a fresh anti-forgery state and
// returns the platform authorization URL.
func (s *ConnectionService) InitiateConnection(ctx context.Context, in InitiateConnectionInput) (*AuthorizationResponse, error) {
	if in.UserID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	if !in.Platform.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConnectionInitiate,
		telemetry.SpanAttrUserID, in.UserID.String(),
		telemetry.SpanAttrPlatform, string(in.Platform),
	)
	defer span.End()

	decision, err := s.limiter.TryReserveSlot(ctx, in.UserID, in.Platform)
	if err != nil {
		if errors.Is(err, integration.ErrQuotaExceeded) {
			s.metrics.RecordConnectionAttempt(ctx, string(in.Platform), telemetry.ConnectResultQuotaExceeded)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	provider, err := s.providers.Provider(in.Platform)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	stateValue, err := s.issuer.Issue(in.UserID, in.Platform, in.SubResource)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("issue oauth state: %w", err)
	}

	now := s.now()
	verifier := oauth2.GenerateVerifier()
	key := integration.OAuthStateKey(in.UserID, in.Platform)
	state := &integration.OAuthState{
		Value:       stateValue,
		Verifier:    verifier,
		UserID:      in.UserID,
		Platform:    in.Platform,
		SubResource: in.SubResource,
		IssuedAt:    now,
	}
	if err := s.states.Save(ctx, key, state, s.stateTTL); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("store oauth state: %w", err)
	}

	authURL, err := provider.AuthCodeURL(stateValue, verifier, in.SubResource)
	if err != nil {
		s.clearState(ctx, key)
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordConnectionAttempt(ctx, string(in.Platform), telemetry.ConnectResultAuthorizeIssued)
	s.log(ctx).Info("Connection authorization issued",
		zap.String("user_id", in.UserID.String()),
		zap.String("platform", string(in.Platform)),
		zap.Bool("renewal", decision.Renewal),
	)
	telemetry.SetOK(span)

	return &AuthorizationResponse{
		Platform:         in.Platform,
		AuthorizationURL: authURL,
		ExpiresAt:        now.Add(s.stateTTL),
		Renewal:          decision.Renewal,
	}, nil
}

// HandleCallback completes the OAuth flow. The stored state is verified before
// the code is exchanged and is removed on every exit path.
func (s *ConnectionService) HandleCallback(ctx context.Context, in CallbackInput) (resp *ConnectionResponse, err error) {
	if in.UserID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	if !in.Platform.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConnectionCallback,
		telemetry.SpanAttrUserID, in.UserID.String(),
		telemetry.SpanAttrPlatform, string(in.Platform),
	)
	defer span.End()

	key := integration.OAuthStateKey(in.UserID, in.Platform)
	defer s.clearState(ctx, key)

	result := telemetry.ConnectResultError
	defer func() {
		s.metrics.RecordConnectionAttempt(ctx, string(in.Platform), result)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetOK(span)
		}
	}()

	stored, err := s.verifyState(ctx, key, in)
	if err != nil {
		result = telemetry.ConnectResultStateMismatch
		s.log(ctx).Warn("OAuth state rejected",
			zap.String("user_id", in.UserID.String()),
			zap.String("platform", string(in.Platform)),
			zap.Error(err),
		)
		return nil, err
	}

	if in.Error != "" {
		result = telemetry.ConnectResultExchangeFailed
		return nil, fmt.Errorf("%w: platform returned %q", integration.ErrTokenExchangeFailed, in.Error)
	}
	if in.Code == "" {
		result = telemetry.ConnectResultExchangeFailed
		return nil, fmt.Errorf("%w: missing authorization code", integration.ErrTokenExchangeFailed)
	}

	provider, err := s.providers.Provider(in.Platform)
	if err != nil {
		return nil, err
	}

	subResource := firstNonEmpty(stored.SubResource, in.SubResource)
	tokens, err := provider.Exchange(ctx, in.Code, stored.Verifier, subResource)
	if err != nil {
		result = telemetry.ConnectResultExchangeFailed
		return nil, fmt.Errorf("%w: %v", integration.ErrTokenExchangeFailed, err)
	}
	if tokens == nil || tokens.AccessToken == "" {
		result = telemetry.ConnectResultExchangeFailed
		return nil, fmt.Errorf("%w: %v", integration.ErrTokenExchangeFailed, integration.ErrUnsupportedTokenFormat)
	}
	subResource = firstNonEmpty(subResource, tokens.Extra[subResourceExtraKey])

	connKey, err := integration.NewConnectionKey(in.UserID, in.Platform, subResource)
	if err != nil {
		return nil, err
	}

	accessCipher, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCipher, err := s.vault.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	conn, err := integration.NewConnection(connKey, accessCipher, refreshCipher, tokens.ExpiresAt(s.now()), connectionMetadata(tokens))
	if err != nil {
		return nil, err
	}

	// The quota is fetched before the transaction so no lock is held across the billing call.
	quota, err := s.limiter.PlanQuota(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	var decision *SlotDecision
	err = s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		connRepo := repos.ConnectionRepo()
		if err := connRepo.LockUser(ctx, in.UserID); err != nil {
			return err
		}
		d, err := s.limiter.Evaluate(ctx, connRepo, in.UserID, in.Platform, quota)
		if err != nil {
			return err
		}
		decision = d
		return connRepo.Upsert(ctx, conn)
	})
	if err != nil {
		if errors.Is(err, integration.ErrQuotaExceeded) {
			result = telemetry.ConnectResultQuotaExceeded
		}
		return nil, err
	}

	result = telemetry.ConnectResultConnected
	if decision.Renewal {
		result = telemetry.ConnectResultRenewed
	}
	s.log(ctx).Info("Platform connected",
		zap.String("user_id", in.UserID.String()),
		zap.String("platform", string(in.Platform)),
		zap.String("sub_resource", subResource),
		zap.Bool("renewal", decision.Renewal),
	)

	out := ToConnectionResponse(conn)
	return &out, nil
}

// verifyState checks the callback state against the stored value and its signature
func (s *ConnectionService) verifyState(ctx context.Context, key string, in CallbackInput) (*integration.OAuthState, error) {
	stored, err := s.states.Get(ctx, key)
	if err != nil {
		if errors.Is(err, integration.ErrOAuthStateNotFound) {
			return nil, fmt.Errorf("%w: %v", integration.ErrStateMismatch, err)
		}
		return nil, err
	}
	if in.State == "" || subtle.ConstantTimeCompare([]byte(in.State), []byte(stored.Value)) != 1 {
		return nil, integration.ErrStateMismatch
	}
	if stored.UserID != in.UserID || stored.Platform != in.Platform {
		return nil, integration.ErrStateMismatch
	}
	if err := s.issuer.Verify(in.State, in.UserID, in.Platform); err != nil {
		return nil, fmt.Errorf("%w: %v", integration.ErrStateMismatch, err)
	}
	return stored, nil
}

// clearState removes the pending state even when ctx was cancelled
func (s *ConnectionService) clearState(ctx context.Context, key string) {
	if err := s.states.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.log(ctx).Warn("Failed to clear OAuth state", zap.String("key", key), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Connection management
// ---------------------------------------------------------------------------

// ListConnections returns the user's connections, active first
func (s *ConnectionService) ListConnections(ctx context.Context, userID uuid.UUID) ([]ConnectionResponse, error) {
	if userID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	conns, err := s.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionResponse, len(conns))
	for i, c := range conns {
		out[i] = ToConnectionResponse(c)
	}
	return out, nil
}

// Disconnect deactivates the user's connection. An empty subResource
// deactivates every active connection of the platform. It is idempotent.
func (s *ConnectionService) Disconnect(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) error {
	keys, err := s.targetKeys(ctx, s.connections, userID, platform, subResource, true)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.connections.Deactivate(ctx, key, integration.DeactivationUserDisconnect); err != nil {
			return err
		}
		s.log(ctx).Info("Platform disconnected",
			zap.String("user_id", userID.String()),
			zap.String("platform", string(platform)),
			zap.String("sub_resource", key.SubResource),
		)
	}
	return nil
}

// EraseConnection hard-deletes the user's connection rows and mirrored records
// for the platform in one transaction.
func (s *ConnectionService) EraseConnection(ctx context.Context, userID uuid.UUID, platform integration.Platform, subResource string) (*ErasureResult, error) {
	result := &ErasureResult{Platform: platform}
	err := s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		connRepo := repos.ConnectionRepo()
		keys, err := s.targetKeys(ctx, connRepo, userID, platform, subResource, false)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := connRepo.Delete(ctx, key); err != nil {
				return err
			}
		}
		result.ConnectionsDeleted = len(keys)

		deleted, err := repos.RecordRepo().DeleteByUserPlatform(ctx, userID, platform)
		if err != nil {
			return err
		}
		result.RecordsDeleted = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("Platform data erased",
		zap.String("user_id", userID.String()),
		zap.String("platform", string(platform)),
		zap.Int("connections_deleted", result.ConnectionsDeleted),
		zap.Int64("records_deleted", result.RecordsDeleted),
	)
	return result, nil
}

// GetSyncHistory returns the newest sync log rows for the platform
func (s *ConnectionService) GetSyncHistory(ctx context.Context, userID uuid.UUID, platform integration.Platform, limit int) ([]SyncAttemptResponse, error) {
	if userID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	if !platform.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	attempts, err := s.attempts.ListByUserPlatform(ctx, userID, platform, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SyncAttemptResponse, len(attempts))
	for i, a := range attempts {
		out[i] = ToSyncAttemptResponse(a)
	}
	return out, nil
}

// QuotaUsage reports the user's plan allowance and consumption
func (s *ConnectionService) QuotaUsage(ctx context.Context, userID uuid.UUID) (*QuotaUsage, error) {
	if userID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	return s.limiter.Usage(ctx, userID)
}

// targetKeys resolves the connection keys an operation applies to
func (s *ConnectionService) targetKeys(
	ctx context.Context,
	repo integration.ConnectionRepository,
	userID uuid.UUID,
	platform integration.Platform,
	subResource string,
	activeOnly bool,
) ([]integration.ConnectionKey, error) {
	if userID == uuid.Nil {
		return nil, integration.ErrInvalidUserID
	}
	if !platform.IsValid() {
		return nil, integration.ErrInvalidPlatform
	}
	if subResource != "" || !platform.RequiresSubResource() {
		return []integration.ConnectionKey{{UserID: userID, Platform: platform, SubResource: subResource}}, nil
	}

	conns, err := repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var keys []integration.ConnectionKey
	for _, c := range conns {
		if c.Platform != platform || (activeOnly && !c.IsActive) {
			continue
		}
		keys = append(keys, c.Key())
	}
	return keys, nil
}

func connectionMetadata(tokens *integration.TokenSet) map[string]string {
	metadata := make(map[string]string, len(tokens.Extra)+1)
	for k, v := range tokens.Extra {
		if k == subResourceExtraKey {
			continue
		}
		metadata[k] = v
	}
	if len(tokens.Scopes) > 0 {
		metadata["scopes"] = strings.Join(tokens.Scopes, " ")
	}
	return metadata
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// log returns the service logger enriched with the trace, request and user IDs of ctx
func (s *ConnectionService) log(ctx context.Context) *logger.ContextLogger {
	return logger.WithLogger(ctx, s.logger)
}
