package search

import (
	"context"

	"rentshield/api/internal/logging"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		logging.Warn(ctx, "meilisearch error, falling back to pgfts", "error", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		logging.Error(ctx, "pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexIssue pushes an issue to Meilisearch without blocking the caller.
func (s *Service) IndexIssue(ctx context.Context, issue IssueRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	logger := logging.Logger(ctx)
	go func() {
		if err := s.meili.IndexIssue(issue); err != nil {
			logger.Warn("index issue", "issue_id", issue.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG reloads every issue from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	issues, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		logging.Error(ctx, "reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexIssues(issues); err != nil {
		logging.Error(ctx, "reindex issues", "count", len(issues), "error", err)
		return
	}
	logging.Info(ctx, "reindexed issues", "count", len(issues))
}

// Close stops background health checks.
func (s *Service) Close() {
	if s != nil && s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
