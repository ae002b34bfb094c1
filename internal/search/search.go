package search

import "fmt"

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
	Category string `json:"category"`
	Severity int    `json:"severity"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Status   string
	Category string
	// PartyID restricts hits to issues the actor reported or is landlord on.
	PartyID string
	Limit   int
	Offset  int
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

// Indexer can push issues into a search index.
type Indexer interface {
	IndexIssue(issue IssueRecord) error
	IndexIssues(issues []IssueRecord) error
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	Severity    int    `json:"severity"`
	ReporterID  string `json:"reporterId"`
	LandlordID  string `json:"landlordId"`
	PropertyID  string `json:"propertyId"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

func titleFor(category string, severity int) string {
	if category == "" {
		return "issue"
	}
	return fmt.Sprintf("%s issue (severity %d)", category, severity)
}
