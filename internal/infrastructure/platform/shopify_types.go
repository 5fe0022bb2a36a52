package platform

import "github.com/shopspring/decimal"

// shopifyOrdersResponse is the body of GET /orders.json
type shopifyOrdersResponse struct {
	Orders []shopifyOrder `json:"orders"`
}

type shopifyOrder struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	CreatedAt         string            `json:"created_at"`
	TotalPrice        decimal.Decimal   `json:"total_price"`
	Currency          string            `json:"currency"`
	FinancialStatus   string            `json:"financial_status"`
	FulfillmentStatus *string           `json:"fulfillment_status"`
	LineItems         []shopifyLineItem `json:"line_items"`
}

type shopifyLineItem struct {
	ID       int64 `json:"id"`
	Quantity int64 `json:"quantity"`
}
