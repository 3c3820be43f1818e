// Package search provides full-text search over message nodes, with
// Meilisearch as the primary engine and PostgreSQL FTS as the always-on
// fallback.
package search

// Record is the data indexed for one message node.
type Record struct {
	NodeID    string `json:"nodeId"`
	ProjectID string `json:"projectId"`
	RefID     string `json:"refId"`
	Branch    string `json:"branch"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	NodeID    string `json:"nodeId"`
	ProjectID string `json:"projectId"`
	RefID     string `json:"refId"`
	Branch    string `json:"branch"`
	Role      string `json:"role"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ProjectID string // empty = all projects
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
