package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/erp/platformsync/internal/domain/integration"
)

// maxResponseSize bounds how much of a platform response is read (10MB)
const maxResponseSize = 10 * 1024 * 1024

// bodyClassifier lets an adapter map platform-specific error bodies onto an
// ErrorKind before the generic status code mapping runs. Returning nil defers
// to the status code.
type bodyClassifier func(status int, header http.Header, body []byte) *integration.AdapterError

// apiResponse is what passes through the circuit breaker
type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

// apiClient performs paced, breaker-protected calls against one platform and
// turns every failure into a classified *integration.AdapterError.
type apiClient struct {
	platform     integration.Platform
	http         *http.Client
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[*apiResponse]
	cooldown     time.Duration
	classifyBody bodyClassifier
	logger       *zap.Logger
}

func newAPIClient(cfg Config, classify bodyClassifier, logger *zap.Logger) *apiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := "platform-" + string(cfg.Platform)
	failures := cfg.BreakerFailures

	breaker := gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only outages trip the breaker; 401/403/429 are answers, not failures.
		IsSuccessful: func(err error) bool {
			return err == nil || !integration.IsAdapterErrorKind(err, integration.ErrorKindRemoteUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Platform circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &apiClient{
		platform:     cfg.Platform,
		http:         &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, max(cfg.Burst, 1)),
		breaker:      breaker,
		cooldown:     cfg.BreakerCooldown,
		classifyBody: classify,
		logger:       logger,
	}
}

// getJSON issues an authenticated GET and decodes the JSON body into out
func (c *apiClient) getJSON(ctx context.Context, url string, headers map[string]string, out any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("build request: %w", err))
	}
	return c.do(req, headers, out)
}

// postJSON issues an authenticated POST with a JSON body and decodes the response into out
func (c *apiClient) postJSON(ctx context.Context, url string, headers map[string]string, in, out any) (http.Header, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, c.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, c.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, headers, out)
}

func (c *apiClient) do(req *http.Request, headers map[string]string, out any) (http.Header, error) {
	ctx := req.Context()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.adapterErr(integration.ErrorKindRemoteUnavailable, 0, err)
	}

	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		return c.roundTrip(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		ae := c.adapterErr(integration.ErrorKindRemoteUnavailable, 0, err)
		ae.RetryAfter = c.cooldown
		return nil, ae
	}
	if err != nil {
		return nil, err
	}

	if ae := c.classify(resp); ae != nil {
		return resp.header, ae
	}
	if out != nil {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return resp.header, c.adapterErr(integration.ErrorKindMalformedResponse, resp.status, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.header, nil
}

// roundTrip sends the request. Transport failures and 5xx are returned as
// errors so the breaker counts them; every other status is a response.
func (c *apiClient) roundTrip(req *http.Request) (*apiResponse, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, c.adapterErr(integration.ErrorKindRemoteUnavailable, 0, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, c.adapterErr(integration.ErrorKindRemoteUnavailable, res.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if res.StatusCode >= http.StatusInternalServerError {
		ae := c.adapterErr(integration.ErrorKindRemoteUnavailable, res.StatusCode, fmt.Errorf("HTTP %d", res.StatusCode))
		ae.RetryAfter = retryAfter(res.Header, time.Now())
		return nil, ae
	}
	return &apiResponse{status: res.StatusCode, header: res.Header, body: body}, nil
}

func (c *apiClient) classify(resp *apiResponse) *integration.AdapterError {
	if c.classifyBody != nil {
		if ae := c.classifyBody(resp.status, resp.header, resp.body); ae != nil {
			return ae
		}
	}
	if resp.status < http.StatusBadRequest {
		return nil
	}

	var kind integration.ErrorKind
	switch resp.status {
	case http.StatusUnauthorized:
		kind = integration.ErrorKindAuthExpired
	case http.StatusForbidden:
		kind = integration.ErrorKindScopeInsufficient
	case http.StatusTooManyRequests:
		kind = integration.ErrorKindRateLimited
	default:
		kind = integration.ErrorKindMalformedResponse
	}
	ae := c.adapterErr(kind, resp.status, fmt.Errorf("HTTP %d", resp.status))
	if kind == integration.ErrorKindRateLimited {
		ae.RetryAfter = retryAfter(resp.header, time.Now())
	}
	return ae
}

func (c *apiClient) adapterErr(kind integration.ErrorKind, status int, err error) *integration.AdapterError {
	ae := integration.NewAdapterError(c.platform, kind, err)
	ae.StatusCode = status
	return ae
}

// retryAfter reads Retry-After (seconds, fractional seconds or an HTTP date)
// and falls back to an x-rate-limit-reset epoch. Zero means unknown.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(math.Ceil(secs)) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now).Round(time.Second)
		}
	}
	if v := h.Get("X-Rate-Limit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if at := time.Unix(epoch, 0); at.After(now) {
				return at.Sub(now).Round(time.Second)
			}
		}
	}
	return 0
}
