package platform

import "github.com/shopspring/decimal"

// quickBooksQueryResponse is the body of GET /v3/company/{realm}/query
type quickBooksQueryResponse struct {
	QueryResponse struct {
		Invoice       []quickBooksInvoice `json:"Invoice"`
		StartPosition int                 `json:"startPosition"`
		MaxResults    int                 `json:"maxResults"`
	} `json:"QueryResponse"`
	Fault *quickBooksFault `json:"Fault,omitempty"`
}

type quickBooksInvoice struct {
	ID          string          `json:"Id"`
	DocNumber   string          `json:"DocNumber"`
	TxnDate     string          `json:"TxnDate"`
	DueDate     string          `json:"DueDate"`
	TotalAmt    decimal.Decimal `json:"TotalAmt"`
	Balance     decimal.Decimal `json:"Balance"`
	CurrencyRef *quickBooksRef  `json:"CurrencyRef,omitempty"`
	CustomerRef *quickBooksRef  `json:"CustomerRef,omitempty"`
	Line        []struct {
		ID string `json:"Id"`
	} `json:"Line"`
}

type quickBooksRef struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type quickBooksFault struct {
	Type  string `json:"type"`
	Error []struct {
		Message string `json:"Message"`
		Detail  string `json:"Detail"`
		Code    string `json:"code"`
	} `json:"Error"`
}

// quickBooksErrorResponse wraps faults returned with non-2xx statuses
type quickBooksErrorResponse struct {
	Fault *quickBooksFault `json:"Fault"`
}
