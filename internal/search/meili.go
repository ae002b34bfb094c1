package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"rentshield/api/internal/logging"
)

const idxIssues = "rentshield_issues"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the issue index.
// An unreachable server is not fatal; the health loop keeps probing.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logging.Warn(context.Background(), "meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	ctx := context.Background()
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxIssues,
		PrimaryKey: "id",
	}); err != nil {
		logging.Debug(ctx, "create index (may already exist)", "index", idxIssues, "error", err)
	}

	index := m.client.Index(idxIssues)
	filterable := []interface{}{"status", "category", "reporterId", "landlordId", "propertyId", "severity"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logging.Warn(ctx, "update filterable attributes", "index", idxIssues, "error", err)
	}
	searchable := []string{"description", "category"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logging.Warn(ctx, "update searchable attributes", "index", idxIssues, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logging.Info(context.Background(), "meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxIssues,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, hits := range resp.Results {
		total += int(hits.EstimatedTotalHits)
		for _, hit := range hits.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// meiliFilters builds an AND-ed filter list. The party filter is one
// expression so reporter and landlord stay OR-ed.
func meiliFilters(q Query) []string {
	var filters []string
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}
	if q.Category != "" {
		filters = append(filters, fmt.Sprintf("category = %q", q.Category))
	}
	if q.PartyID != "" {
		filters = append(filters, fmt.Sprintf("(reporterId = %q OR landlordId = %q)", q.PartyID, q.PartyID))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:       decodeString(hit, "id"),
		Status:   decodeString(hit, "status"),
		Category: decodeString(hit, "category"),
		Severity: decodeInt(hit, "severity"),
	}
	r.Title = titleFor(r.Category, r.Severity)
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexIssue adds or replaces an issue in the index.
func (m *Meili) IndexIssue(issue IssueRecord) error {
	_, err := m.client.Index(idxIssues).AddDocuments([]IssueRecord{issue}, nil)
	return err
}

// IndexIssues bulk-indexes issues.
func (m *Meili) IndexIssues(issues []IssueRecord) error {
	if len(issues) == 0 {
		return nil
	}
	_, err := m.client.Index(idxIssues).AddDocuments(issues, nil)
	return err
}
