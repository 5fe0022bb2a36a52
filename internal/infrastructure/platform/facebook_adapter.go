package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

const facebookPostFields = "id,message,story,created_time,permalink_url,shares," +
	"reactions.summary(total_count).limit(0),comments.summary(total_count).limit(0)"

// FacebookAdapter reads a Page's posts from the Graph API.
// The connection sub-resource is the page id.
type FacebookAdapter struct {
	baseURL string
	api     *apiClient
}

// NewFacebookAdapter creates a Facebook adapter
func NewFacebookAdapter(cfg Config, logger *zap.Logger) *FacebookAdapter {
	return &FacebookAdapter{baseURL: cfg.APIBaseURL, api: newAPIClient(cfg, classifyFacebookError, logger)}
}

// Platform returns integration.PlatformFacebook
func (a *FacebookAdapter) Platform() integration.Platform {
	return integration.PlatformFacebook
}

// FetchRecords fetches one page of posts for the connected page
func (a *FacebookAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	pageID := req.Credentials.SubResource
	if pageID == "" {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, integration.ErrSubResourceRequired)
	}

	q := url.Values{}
	q.Set("fields", facebookPostFields)
	q.Set("limit", strconv.Itoa(clampPageSize(req.PageSize, 1, 100)))
	if req.Cursor != "" {
		q.Set("after", req.Cursor)
	}

	var resp facebookPostsResponse
	endpoint := a.baseURL + "/" + url.PathEscape(pageID) + "/posts?" + q.Encode()
	if _, err := a.api.getJSON(ctx, endpoint, bearer(req.Credentials.AccessToken), &resp); err != nil {
		return nil, err
	}

	records := make([]integration.RemoteRecord, 0, len(resp.Data))
	for _, p := range resp.Data {
		metrics := map[string]int64{}
		if p.Shares != nil {
			metrics["shares"] = p.Shares.Count
		}
		if p.Reactions != nil {
			metrics["reactions"] = p.Reactions.Summary.TotalCount
		}
		if p.Comments != nil {
			metrics["comments"] = p.Comments.Summary.TotalCount
		}
		title := p.Message
		if title == "" {
			title = p.Story
		}
		rec := integration.RemoteRecord{
			NativeID: p.ID,
			Kind:     integration.RecordKindPost,
			Title:    title,
			Metrics:  metrics,
			Payload:  map[string]any{"page_id": pageID, "permalink_url": p.PermalinkURL},
		}
		if at, err := time.Parse(facebookTimeLayout, p.CreatedTime); err == nil {
			rec.OccurredAt = &at
		}
		records = append(records, rec)
	}

	result := &integration.FetchResult{Records: records}
	// paging.next is absent on the last page even when cursors are present
	if resp.Paging != nil && resp.Paging.Next != "" {
		result.NextCursor = resp.Paging.Cursors.After
	}
	return result, nil
}

// classifyFacebookError maps Graph API error codes, which arrive with HTTP 400
// as often as with 401/403.
func classifyFacebookError(status int, header http.Header, body []byte) *integration.AdapterError {
	if status < http.StatusBadRequest {
		return nil
	}
	var env facebookErrorResponse
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return nil
	}

	var kind integration.ErrorKind
	switch code := env.Error.Code; {
	case code == 190 || code == 102:
		kind = integration.ErrorKindAuthExpired
	case code == 10 || (code >= 200 && code < 300):
		kind = integration.ErrorKindScopeInsufficient
	case code == 4 || code == 17 || code == 32 || code == 613 || code == 80001:
		kind = integration.ErrorKindRateLimited
	default:
		return nil
	}

	ae := integration.NewAdapterError(integration.PlatformFacebook, kind,
		fmt.Errorf("graph error %d: %s", env.Error.Code, env.Error.Message))
	ae.StatusCode = status
	if kind == integration.ErrorKindRateLimited {
		ae.RetryAfter = retryAfter(header, time.Now())
	}
	return ae
}

var _ integration.PlatformAdapter = (*FacebookAdapter)(nil)
