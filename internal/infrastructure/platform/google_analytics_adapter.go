package platform

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// gaMetrics are the daily metrics mirrored for each property
var gaMetrics = []string{"activeUsers", "newUsers", "sessions", "screenPageViews", "eventCount"}

// gaLookbackDays is how far back each sync reads daily rows
const gaLookbackDays = 90

// GoogleAnalyticsAdapter reads daily metric rows of a GA4 property through the
// Data API. The connection sub-resource is the property ("properties/123").
type GoogleAnalyticsAdapter struct {
	baseURL string
	api     *apiClient
}

// NewGoogleAnalyticsAdapter creates a Google Analytics adapter
func NewGoogleAnalyticsAdapter(cfg Config, logger *zap.Logger) *GoogleAnalyticsAdapter {
	return &GoogleAnalyticsAdapter{baseURL: cfg.APIBaseURL, api: newAPIClient(cfg, nil, logger)}
}

// Platform returns integration.PlatformGoogleAnalytics
func (a *GoogleAnalyticsAdapter) Platform() integration.Platform {
	return integration.PlatformGoogleAnalytics
}

// FetchRecords fetches one page of daily rows. The cursor is the row offset.
func (a *GoogleAnalyticsAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	property := normalizeProperty(req.Credentials.SubResource)
	if property == "" {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, integration.ErrSubResourceRequired)
	}

	var offset int64
	if req.Cursor != "" {
		n, err := strconv.ParseInt(req.Cursor, 10, 64)
		if err != nil || n < 0 {
			return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("invalid cursor %q", req.Cursor))
		}
		offset = n
	}
	limit := int64(clampPageSize(req.PageSize, 1, 10000))

	body := gaRunReportRequest{
		DateRanges: []gaDateRange{{StartDate: strconv.Itoa(gaLookbackDays) + "daysAgo", EndDate: "today"}},
		Dimensions: []gaName{{Name: "date"}},
		OrderBys:   []gaOrderBy{{Dimension: &gaDimensionOrder{DimensionName: "date"}}},
		Limit:      limit,
		Offset:     offset,
	}
	for _, m := range gaMetrics {
		body.Metrics = append(body.Metrics, gaName{Name: m})
	}

	var resp gaRunReportResponse
	endpoint := a.baseURL + "/v1beta/" + property + ":runReport"
	if _, err := a.api.postJSON(ctx, endpoint, bearer(req.Credentials.AccessToken), body, &resp); err != nil {
		return nil, err
	}

	records := make([]integration.RemoteRecord, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		rec, err := gaRowToRecord(property, resp.MetricHeaders, row)
		if err != nil {
			return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, err)
		}
		records = append(records, rec)
	}

	result := &integration.FetchResult{Records: records}
	if next := offset + int64(len(resp.Rows)); len(resp.Rows) > 0 && next < resp.RowCount {
		result.NextCursor = strconv.FormatInt(next, 10)
	}
	return result, nil
}

func gaRowToRecord(property string, headers []gaName, row gaRow) (integration.RemoteRecord, error) {
	if len(row.DimensionValues) == 0 {
		return integration.RemoteRecord{}, fmt.Errorf("row without date dimension")
	}
	if len(row.MetricValues) != len(headers) {
		return integration.RemoteRecord{}, fmt.Errorf("row has %d metric values for %d headers", len(row.MetricValues), len(headers))
	}

	day := row.DimensionValues[0].Value
	date, err := time.Parse("20060102", day)
	if err != nil {
		return integration.RemoteRecord{}, fmt.Errorf("invalid date %q", day)
	}

	metrics := make(map[string]int64, len(headers))
	for i, h := range headers {
		v, err := strconv.ParseFloat(row.MetricValues[i].Value, 64)
		if err != nil {
			return integration.RemoteRecord{}, fmt.Errorf("metric %s: invalid value %q", h.Name, row.MetricValues[i].Value)
		}
		metrics[h.Name] = int64(math.Round(v))
	}

	return integration.RemoteRecord{
		// One row per property and day; the property keeps ids unique across properties.
		NativeID:   property + "/date/" + day,
		Kind:       integration.RecordKindMetricRow,
		Title:      date.Format("2006-01-02"),
		OccurredAt: &date,
		Metrics:    metrics,
		Payload:    map[string]any{"property": property},
	}, nil
}

// normalizeProperty accepts "123" or "properties/123"; anything else yields ""
func normalizeProperty(sub string) string {
	id := strings.TrimPrefix(strings.TrimSpace(sub), "properties/")
	if id == "" {
		return ""
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ""
	}
	return "properties/" + id
}

var _ integration.PlatformAdapter = (*GoogleAnalyticsAdapter)(nil)
