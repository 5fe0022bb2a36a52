package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/erp/platformsync/internal/domain/integration"
)

// quickBooksMinorVersion pins the response schema
const quickBooksMinorVersion = "70"

// QuickBooksAdapter reads invoices from QuickBooks Online.
// The connection sub-resource is the company realm id.
type QuickBooksAdapter struct {
	baseURL string
	api     *apiClient
}

// NewQuickBooksAdapter creates a QuickBooks adapter
func NewQuickBooksAdapter(cfg Config, logger *zap.Logger) *QuickBooksAdapter {
	return &QuickBooksAdapter{baseURL: cfg.APIBaseURL, api: newAPIClient(cfg, classifyQuickBooksFault, logger)}
}

// Platform returns integration.PlatformQuickBooks
func (a *QuickBooksAdapter) Platform() integration.Platform {
	return integration.PlatformQuickBooks
}

// FetchRecords fetches one page of invoices. The cursor is the 1-based start position.
func (a *QuickBooksAdapter) FetchRecords(ctx context.Context, req integration.FetchRequest) (*integration.FetchResult, error) {
	realm := req.Credentials.SubResource
	if _, err := strconv.ParseUint(realm, 10, 64); err != nil {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("invalid realm id %q", realm))
	}

	start := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 1 {
			return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("invalid cursor %q", req.Cursor))
		}
		start = n
	}
	size := clampPageSize(req.PageSize, 1, 1000)

	q := url.Values{}
	q.Set("query", fmt.Sprintf("SELECT * FROM Invoice ORDERBY Id STARTPOSITION %d MAXRESULTS %d", start, size))
	q.Set("minorversion", quickBooksMinorVersion)

	var resp quickBooksQueryResponse
	endpoint := a.baseURL + "/v3/company/" + realm + "/query?" + q.Encode()
	if _, err := a.api.getJSON(ctx, endpoint, bearer(req.Credentials.AccessToken), &resp); err != nil {
		return nil, err
	}
	if resp.Fault != nil {
		return nil, a.api.adapterErr(integration.ErrorKindMalformedResponse, 0, fmt.Errorf("fault %s", resp.Fault.Type))
	}

	invoices := resp.QueryResponse.Invoice
	records := make([]integration.RemoteRecord, 0, len(invoices))
	for _, inv := range invoices {
		total := inv.TotalAmt
		rec := integration.RemoteRecord{
			// invoice ids are only unique within one company
			NativeID: realm + "/invoice/" + inv.ID,
			Kind:     integration.RecordKindInvoice,
			Title:    "Invoice " + inv.DocNumber,
			Metrics:  map[string]int64{"lines": int64(len(inv.Line))},
			Amount:   &total,
			Payload: map[string]any{
				"realm_id":   realm,
				"invoice_id": inv.ID,
				"balance":  inv.Balance.String(),
				"due_date": inv.DueDate,
			},
		}
		if inv.CurrencyRef != nil {
			rec.Currency = inv.CurrencyRef.Value
		}
		if inv.CustomerRef != nil {
			rec.Payload["customer"] = inv.CustomerRef.Name
		}
		if at, err := time.Parse(time.DateOnly, inv.TxnDate); err == nil {
			rec.OccurredAt = &at
		}
		records = append(records, rec)
	}

	result := &integration.FetchResult{Records: records}
	// QuickBooks reports no total; a full page means there may be more
	if len(invoices) == size {
		result.NextCursor = strconv.Itoa(start + size)
	}
	return result, nil
}

// classifyQuickBooksFault maps the Fault envelope QuickBooks returns alongside 400/401/403
func classifyQuickBooksFault(status int, _ http.Header, body []byte) *integration.AdapterError {
	if status < http.StatusBadRequest || status == http.StatusTooManyRequests {
		return nil
	}
	var env quickBooksErrorResponse
	if err := json.Unmarshal(body, &env); err != nil || env.Fault == nil {
		return nil
	}

	var kind integration.ErrorKind
	switch t := strings.ToLower(env.Fault.Type); {
	case strings.Contains(t, "authentication"):
		kind = integration.ErrorKindAuthExpired
	case strings.Contains(t, "authorization"):
		kind = integration.ErrorKindScopeInsufficient
	default:
		return nil
	}

	msg := env.Fault.Type
	if len(env.Fault.Error) > 0 {
		msg = env.Fault.Error[0].Message
	}
	ae := integration.NewAdapterError(integration.PlatformQuickBooks, kind, fmt.Errorf("fault: %s", msg))
	ae.StatusCode = status
	return ae
}

var _ integration.PlatformAdapter = (*QuickBooksAdapter)(nil)
