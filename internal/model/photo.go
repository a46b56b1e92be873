package model

// SearchResult is the photo search payload returned by the upstream API.
// Only the fields the site reads are modeled; the raw body is what gets served.
type SearchResult struct {
	Page         int     `json:"page"`
	PerPage      int     `json:"per_page"`
	TotalResults int     `json:"total_results"`
	NextPage     string  `json:"next_page,omitempty"`
	Photos       []Photo `json:"photos"`
}

// Photo is one search hit with its resolution variants and attribution.
type Photo struct {
	ID              int64       `json:"id"`
	Width           int         `json:"width"`
	Height          int         `json:"height"`
	URL             string      `json:"url"`
	Photographer    string      `json:"photographer"`
	PhotographerURL string      `json:"photographer_url"`
	PhotographerID  int64       `json:"photographer_id"`
	AvgColor        string      `json:"avg_color"`
	Alt             string      `json:"alt"`
	Src             PhotoSource `json:"src"`
}

// PhotoSource holds image URLs at the sizes the upstream renders.
type PhotoSource struct {
	Original  string `json:"original"`
	Large2x   string `json:"large2x"`
	Large     string `json:"large"`
	Medium    string `json:"medium"`
	Small     string `json:"small"`
	Portrait  string `json:"portrait"`
	Landscape string `json:"landscape"`
	Tiny      string `json:"tiny"`
}
