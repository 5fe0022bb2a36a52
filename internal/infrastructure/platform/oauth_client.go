package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/erp/platformsync/internal/domain/integration"
)

// permanentGrantErrors are RFC 6749 error codes meaning the grant is gone for good
var permanentGrantErrors = map[string]bool{
	"invalid_grant": true,
}

// OAuthClient drives one platform's authorization-code flow with PKCE and
// refreshes access tokens. It implements integration.OAuthProvider.
type OAuthClient struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewOAuthClient creates an OAuth client for cfg
func NewOAuthClient(cfg Config, logger *zap.Logger) *OAuthClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Platform returns the platform this client serves
func (c *OAuthClient) Platform() integration.Platform {
	return c.cfg.Platform
}

// oauthConfig builds the x/oauth2 config, resolving per-shop endpoints
func (c *OAuthClient) oauthConfig(subResource string) (*oauth2.Config, error) {
	authURL, err := resolve(c.cfg.AuthURL, subResource)
	if err != nil {
		return nil, err
	}
	tokenURL, err := resolve(c.cfg.TokenURL, subResource)
	if err != nil {
		return nil, err
	}

	style := oauth2.AuthStyleAutoDetect
	switch c.cfg.AuthStyle {
	case "header":
		style = oauth2.AuthStyleInHeader
	case "params":
		style = oauth2.AuthStyleInParams
	}

	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: style,
		},
	}, nil
}

func (c *OAuthClient) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// AuthCodeURL builds the authorization URL with an S256 PKCE challenge
func (c *OAuthClient) AuthCodeURL(state, verifier, subResource string) (string, error) {
	oc, err := c.oauthConfig(subResource)
	if err != nil {
		return "", err
	}
	opts := make([]oauth2.AuthCodeOption, 0, len(c.cfg.AuthParams)+1)
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	for k, v := range c.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return oc.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code (plus the PKCE verifier) for tokens
func (c *OAuthClient) Exchange(ctx context.Context, code, verifier, subResource string) (*integration.TokenSet, error) {
	oc, err := c.oauthConfig(subResource)
	if err != nil {
		return nil, err
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := oc.Exchange(c.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange: %w", c.cfg.Platform, err)
	}
	return c.tokenSet(tok)
}

// Refresh exchanges a refresh token for a new access token. An invalid_grant
// answer is reported as a permanent RefreshError.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*integration.TokenSet, error) {
	if refreshToken == "" {
		return nil, &integration.RefreshError{Platform: c.cfg.Platform, Err: integration.ErrRefreshTokenMissing}
	}
	oc, err := c.oauthConfig("")
	if err != nil {
		return nil, &integration.RefreshError{Platform: c.cfg.Platform, Err: err}
	}

	tok, err := oc.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		refreshErr := &integration.RefreshError{Platform: c.cfg.Platform, Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			refreshErr.Code = retrieveErr.ErrorCode
			refreshErr.Permanent = permanentGrantErrors[retrieveErr.ErrorCode]
		}
		c.logger.Warn("Token refresh rejected",
			zap.String("platform", string(c.cfg.Platform)),
			zap.String("code", refreshErr.Code),
			zap.Bool("permanent", refreshErr.Permanent),
		)
		return nil, refreshErr
	}
	return c.tokenSet(tok)
}

func (c *OAuthClient) tokenSet(tok *oauth2.Token) (*integration.TokenSet, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, integration.ErrUnsupportedTokenFormat
	}
	ts := &integration.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Extra:        map[string]string{},
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scopes = splitScopes(scope)
	}
	if c.cfg.SubResourceField != "" {
		switch v := tok.Extra(c.cfg.SubResourceField).(type) {
		case string:
			if v != "" {
				ts.Extra["sub_resource"] = v
			}
		case float64:
			ts.Extra["sub_resource"] = fmt.Sprintf("%.0f", v)
		}
	}
	return ts, nil
}

// splitScopes accepts space or comma separated scope lists
func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}

var _ integration.OAuthProvider = (*OAuthClient)(nil)
