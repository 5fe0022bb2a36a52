package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// xUserIDKey is the connection metadata key caching the X account id
const xUserIDKey = "x_user_id"

// XAdapter reads the connected account's posts from the X API v2
type XAdapter struct {
	baseURL string
	api     *apiClient
}

// NewXAdapter creates an X adapter
func NewXAdapter(cfg Config, logger *zap.Logger) *XAdapter {
	return &XAdapter{baseURL: cfg.APIBaseURL, api: newAPIClient(cfg, nil, logger)}
}

// Platform returns integration.PlatformX
func (a *XAdapter) Platform() integration.Platform {
	return integration.PlatformX
}

// FetchRecords fetches one page of the user's posts, newest first
func (a *XAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	headers := bearer(req.Credentials.AccessToken)

	userID := req.Credentials.Metadata[xUserIDKey]
	if userID == "" {
		var me xUserResponse
		if _, err := a.api.getJSON(ctx, a.baseURL+"/2/users/me", headers, &me); err != nil {
			return nil, err
		}
		if me.Data.ID == "" {
			return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("users/me returned no id"))
		}
		userID = me.Data.ID
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clampPageSize(req.PageSize, 5, 100)))
	q.Set("tweet.fields", "created_at,public_metrics,lang")
	if req.Cursor != "" {
		q.Set("pagination_token", req.Cursor)
	}

	var resp xTweetsResponse
	endpoint := a.baseURL + "/2/users/" + url.PathEscape(userID) + "/tweets?" + q.Encode()
	if _, err := a.api.getJSON(ctx, endpoint, headers, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 && len(resp.Errors) > 0 {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0,
			fmt.Errorf("%s: %s", resp.Errors[0].Title, resp.Errors[0].Detail))
	}

	records := make([]integration.RemoteRecord, 0, len(resp.Data))
	for _, t := range resp.Data {
		rec := integration.RemoteRecord{
			NativeID: t.ID,
			Kind:     integration.RecordKindPost,
			Title:    t.Text,
			Metrics:  t.PublicMetrics,
			Payload:  map[string]any{"lang": t.Lang, "author_id": userID},
		}
		if at, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
			rec.OccurredAt = &at
		}
		records = append(records, rec)
	}
	return &integration.FetchResult{Records: records, NextCursor: resp.Meta.NextToken}, nil
}

var _ integration.PlatformAdapter = (*XAdapter)(nil)
