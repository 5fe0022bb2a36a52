package platform

// xTweetsResponse is the body of GET /2/users/:id/tweets
type xTweetsResponse struct {
	Data   []xTweet    `json:"data"`
	Meta   xMeta       `json:"meta"`
	Errors []xAPIError `json:"errors,omitempty"`
}

type xTweet struct {
	ID            string           `json:"id"`
	Text          string           `json:"text"`
	CreatedAt     string           `json:"created_at"`
	Lang          string           `json:"lang,omitempty"`
	PublicMetrics map[string]int64 `json:"public_metrics"`
}

type xMeta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token,omitempty"`
}

type xAPIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

// xUserResponse is the body of GET /2/users/me
type xUserResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}
