package platform

// gaRunReportRequest is the body of POST /v1beta/{property}:runReport
type gaRunReportRequest struct {
	DateRanges []gaDateRange `json:"dateRanges"`
	Dimensions []gaName      `json:"dimensions"`
	Metrics    []gaName      `json:"metrics"`
	OrderBys   []gaOrderBy   `json:"orderBys,omitempty"`
	Limit      int64         `json:"limit"`
	Offset     int64         `json:"offset"`
}

type gaDateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type gaName struct {
	Name string `json:"name"`
}

type gaOrderBy struct {
	Dimension *gaDimensionOrder `json:"dimension,omitempty"`
}

type gaDimensionOrder struct {
	DimensionName string `json:"dimensionName"`
}

// gaRunReportResponse is the runReport result
type gaRunReportResponse struct {
	DimensionHeaders []gaName `json:"dimensionHeaders"`
	MetricHeaders    []gaName `json:"metricHeaders"`
	Rows             []gaRow  `json:"rows"`
	RowCount         int64    `json:"rowCount"`
}

type gaRow struct {
	DimensionValues []gaValue `json:"dimensionValues"`
	MetricValues    []gaValue `json:"metricValues"`
}

type gaValue struct {
	Value string `json:"value"`
}
