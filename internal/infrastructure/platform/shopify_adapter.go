package platform

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// ShopifyAdapter reads orders from the Shopify Admin REST API.
// The connection sub-resource is the shop domain (demo.myshopify.com).
type ShopifyAdapter struct {
	baseURL string
	api     *apiClient
}

// NewShopifyAdapter creates a Shopify adapter
func NewShopifyAdapter(cfg Config, logger *zap.Logger) *ShopifyAdapter {
	return &ShopifyAdapter{baseURL: cfg.APIBaseURL, api: newAPIClient(cfg, nil, logger)}
}

// Platform returns integration.PlatformShopify
func (a *ShopifyAdapter) Platform() integration.Platform {
	return integration.PlatformShopify
}

// FetchRecords fetches one page of orders. The cursor is Shopify's page_info.
func (a *ShopifyAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	shop := req.Credentials.SubResource
	base, err := resolve(a.baseURL, shop)
	if err != nil {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, err)
	}

	// page_info requests accept no filters besides limit
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clampPageSize(req.PageSize, 1, 250)))
	if req.Cursor != "" {
		q.Set("page_info", req.Cursor)
	} else {
		q.Set("status", "any")
	}

	var resp shopifyOrdersResponse
	headers := map[string]string{"X-Shopify-Access-Token": req.Credentials.AccessToken}
	header, err := a.api.getJSON(ctx, base+"/orders.json?"+q.Encode(), headers, &resp)
	if err != nil {
		return nil, err
	}

	records := make([]integration.RemoteRecord, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		var units int64
		for _, li := range o.LineItems {
			units += li.Quantity
		}
		amount := o.TotalPrice
		payload := map[string]any{
			"shop":             shop,
			"financial_status": o.FinancialStatus,
		}
		if o.FulfillmentStatus != nil {
			payload["fulfillment_status"] = *o.FulfillmentStatus
		}

		rec := integration.RemoteRecord{
			Kind:     integration.RecordKindOrder,
			Title:    o.Name,
			Metrics:  map[string]int64{"line_items": int64(len(o.LineItems)), "units": units},
			Amount:   &amount,
			Currency: o.Currency,
			Payload:  payload,
		}
		if o.ID != 0 {
			rec.NativeID = strconv.FormatInt(o.ID, 10)
		}
		if at, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
			rec.OccurredAt = &at
		}
		records = append(records, rec)
	}

	return &integration.FetchResult{Records: records, NextCursor: nextPageInfo(header)}, nil
}

// nextPageInfo extracts page_info from the rel="next" entry of a Link header
func nextPageInfo(h http.Header) string {
	for _, link := range strings.Split(h.Get("Link"), ",") {
		parts := strings.Split(link, ";")
		if len(parts) < 2 {
			continue
		}
		isNext := false
		for _, p := range parts[1:] {
			if strings.TrimSpace(p) == `rel="next"` {
				isNext = true
			}
		}
		if !isNext {
			continue
		}
		raw := strings.Trim(strings.TrimSpace(parts[0]), "<>")
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.Query().Get("page_info")
	}
	return ""
}

var _ integration.PlatformAdapter = (*ShopifyAdapter)(nil)
