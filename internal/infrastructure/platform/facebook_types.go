package platform

// facebookPostsResponse is the body of GET /{page-id}/posts
type facebookPostsResponse struct {
	Data   []facebookPost  `json:"data"`
	Paging *facebookPaging `json:"paging,omitempty"`
}

type facebookPost struct {
	ID           string           `json:"id"`
	Message      string           `json:"message,omitempty"`
	Story        string           `json:"story,omitempty"`
	CreatedTime  string           `json:"created_time"`
	PermalinkURL string           `json:"permalink_url,omitempty"`
	Shares       *facebookCount   `json:"shares,omitempty"`
	Reactions    *facebookSummary `json:"reactions,omitempty"`
	Comments     *facebookSummary `json:"comments,omitempty"`
}

type facebookCount struct {
	Count int64 `json:"count"`
}

type facebookSummary struct {
	Summary struct {
		TotalCount int64 `json:"total_count"`
	} `json:"summary"`
}

type facebookPaging struct {
	Cursors struct {
		Before string `json:"before"`
		After  string `json:"after"`
	} `json:"cursors"`
	Next string `json:"next,omitempty"`
}

// facebookErrorResponse is the Graph API error envelope
type facebookErrorResponse struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// facebookTimeLayout is the Graph API timestamp format (2024-03-01T12:00:00+0000)
const facebookTimeLayout = "2006-01-02T15:04:05-0700"
