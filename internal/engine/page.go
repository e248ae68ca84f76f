package engine

// Pagination is the metadata block of a list response.
type Pagination struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
	Pages   int `json:"pages"`
	Records int `json:"records"`
}

// PageResult is the page envelope: the bounded data window plus stable counts.
// An empty page is a valid, successful response.
type PageResult struct {
	Data       []Record   `json:"data"`
	Pagination Pagination `json:"pagination"`
}

func assemblePage(data []Record, records, page, limit int) *PageResult {
	pages := 0
	if records > 0 && limit > 0 {
		pages = (records + limit - 1) / limit
	}
	if data == nil {
		data = []Record{}
	}
	return &PageResult{
		Data: data,
		Pagination: Pagination{
			Current: page,
			Limit:   limit,
			Pages:   pages,
			Records: records,
		},
	}
}
