package dto

import "time"

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	RequestID string             `json:"request_id,omitempty"`
	Details   []ValidationDetail `json:"details,omitempty"`
	// RetryAfterSeconds is set for ERR_RETRY_LATER and ERR_RATE_LIMITED
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
	// UpgradeURL is set for ERR_QUOTA_EXCEEDED when the plan can be upgraded
	UpgradeURL string `json:"upgrade_url,omitempty"`
	// Platform names the connection that needs attention
	Platform string `json:"platform,omitempty"`
}

// ValidationDetail is one failed field
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Meta represents list metadata
type Meta struct {
	Total int       `json:"total"`
	Limit int       `json:"limit,omitempty"`
	AsOf  time.Time `json:"as_of"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data interface{}) Response {
	return Response{
		Success: true,
		Data:    data,
	}
}

// NewListResponse creates a success response carrying list metadata
func NewListResponse(data interface{}, total, limit int) Response {
	return Response{
		Success: true,
		Data:    data,
		Meta: &Meta{
			Total: total,
			Limit: limit,
			AsOf:  time.Now().UTC(),
		},
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewErrorResponseWithRequestID creates an error response tagged with the request ID
func NewErrorResponseWithRequestID(code, message, requestID string) Response {
	resp := NewErrorResponse(code, message)
	resp.Error.RequestID = requestID
	return resp
}

// NewValidationErrorResponse creates an ERR_VALIDATION response with per-field details
func NewValidationErrorResponse(message, requestID string, details []ValidationDetail) Response {
	resp := NewErrorResponseWithRequestID(ErrCodeValidation, message, requestID)
	resp.Error.Details = details
	return resp
}

// HistoryQuery is the query string of the sync history endpoint
type HistoryQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=200"`
}

// AuthorizeRequest is the optional body of the authorize endpoint
type AuthorizeRequest struct {
	SubResource string `json:"sub_resource" form:"sub_resource" binding:"omitempty,max=255"`
}

// SyncRequest is the optional body of the manual sync endpoint
type SyncRequest struct {
	SubResource string `json:"sub_resource" form:"sub_resource" binding:"omitempty,max=255"`
}

// CallbackQuery is the query string a platform appends to the OAuth redirect
type CallbackQuery struct {
	Code             string `form:"code"`
	State            string `form:"state"`
	Error            string `form:"error"`
	ErrorDescription string `form:"error_description"`
	// RealmID is appended by QuickBooks
	RealmID string `form:"realmId"`
	// Shop is appended by Shopify
	Shop string `form:"shop"`
}

// SubResource returns the account the platform named in the redirect
func (q CallbackQuery) SubResource() string {
	if q.RealmID != "" {
		return q.RealmID
	}
	return q.Shop
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
	Uptime  string            `json:"uptime"`
	Time    time.Time         `json:"time"`
}
