package app

import (
	"context"
	"fmt"
	"strings"

	"rentshield/api/internal/blob"
	"rentshield/api/internal/dispute"
	"rentshield/api/internal/rbac"
	"rentshield/api/internal/search"
	"rentshield/api/internal/store"
	"rentshield/api/internal/timeline"
)

type IssueDetail struct {
	Issue    dispute.Issue      `json:"issue"`
	Evidence []dispute.Evidence `json:"evidence"`
	Verdict  *dispute.AIVerdict `json:"verdict"`
}

func (s *Service) GetIssue(ctx context.Context, issueID string, actor dispute.Actor) (IssueDetail, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return IssueDetail{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionView, issue.ID); err != nil {
		return IssueDetail{}, err
	}
	evidence, err := s.store.ListEvidence(ctx, issue.ID)
	if err != nil {
		return IssueDetail{}, err
	}
	verdict, err := s.store.GetVerdict(ctx, issue.ID)
	if err != nil {
		return IssueDetail{}, err
	}
	return IssueDetail{Issue: blindIssue(issue, actor), Evidence: evidence, Verdict: verdict}, nil
}

// ListIssues shows jurors and admins every issue; parties see only their own.
func (s *Service) ListIssues(ctx context.Context, actor dispute.Actor, status string, limit, offset int) ([]dispute.Issue, error) {
	filter := store.IssueFilter{Limit: limit, Offset: offset}
	if strings.TrimSpace(status) != "" {
		parsed, err := dispute.ParseStatus(status)
		if err != nil {
			return nil, validationError(err.Error(), map[string]any{"field": "status"})
		}
		filter.Status = parsed
	}
	switch actor.Role {
	case rbac.RoleAdmin, rbac.RoleJuror:
	default:
		filter.Party = actor.ID
	}
	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		issues[i] = blindIssue(issues[i], actor)
	}
	return issues, nil
}

func (s *Service) Timeline(ctx context.Context, issueID string, actor dispute.Actor) ([]dispute.TimelineEvent, error) {
	issue, err := s.viewable(ctx, issueID, actor)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListTimeline(ctx, issueID)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i] = blindEvent(events[i], issue.Status, actor)
	}
	return events, nil
}

// Feed reads the issue's live event stream after afterID.
func (s *Service) Feed(ctx context.Context, issueID string, actor dispute.Actor, afterID string, count int64) ([]timeline.Entry, error) {
	if s.feed == nil {
		return nil, unavailable("timeline feed is not configured")
	}
	issue, err := s.viewable(ctx, issueID, actor)
	if err != nil {
		return nil, err
	}
	entries, err := s.feed.Read(ctx, issueID, afterID, count)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Event = blindEvent(entries[i].Event, issue.Status, actor)
	}
	return entries, nil
}

// GlobalFeed reads events across all issues. Administrators only.
func (s *Service) GlobalFeed(ctx context.Context, actor dispute.Actor, afterID string, count int64) ([]timeline.Entry, error) {
	if s.feed == nil {
		return nil, unavailable("timeline feed is not configured")
	}
	if actor.Role != rbac.RoleAdmin {
		return nil, forbidden("the global feed is restricted to administrators")
	}
	return s.feed.ReadAll(ctx, afterID, count)
}

func (s *Service) viewable(ctx context.Context, issueID string, actor dispute.Actor) (dispute.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return dispute.Issue{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionView, issue.ID); err != nil {
		return dispute.Issue{}, err
	}
	return issue, nil
}

func (s *Service) Search(ctx context.Context, actor dispute.Actor, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, validationError("q is required", map[string]any{"field": "q"})
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if actor.Role != rbac.RoleAdmin && actor.Role != rbac.RoleJuror {
		q.PartyID = actor.ID
	}
	return s.search.Search(ctx, q), nil
}

// PresignUpload hands out an upload URL for a file that will later be
// attached as evidence.
func (s *Service) PresignUpload(ctx context.Context, issueID string, actor dispute.Actor, filename string) (blob.Upload, error) {
	if s.blob == nil {
		return blob.Upload{}, unavailable("evidence uploads are not configured")
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return blob.Upload{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionAttachEvidence, issue.ID); err != nil {
		return blob.Upload{}, err
	}
	if issue.Status.Terminal() {
		return blob.Upload{}, invalidState(string(issue.Status))
	}
	if strings.TrimSpace(filename) == "" {
		return blob.Upload{}, validationError("filename is required", map[string]any{"field": "filename"})
	}
	return s.blob.PresignUpload(ctx, issue.ID, filename)
}

// ClassifyIssue asks the model for a verdict on a pending issue and feeds it
// through the verdict sink. Issues that have moved on are skipped.
func (s *Service) ClassifyIssue(ctx context.Context, issueID string) error {
	if s.classifier == nil {
		return nil
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.Status != dispute.StatusPending {
		return nil
	}
	evidence, err := s.store.ListEvidence(ctx, issue.ID)
	if err != nil {
		return err
	}
	input, err := s.classifier.Analyze(ctx, issue, evidence)
	if err != nil {
		return fmt.Errorf("classify issue %s: %w", issue.ID, err)
	}
	input.IssueID = issue.ID
	_, err = s.ReceiveVerdict(ctx, input)
	return err
}
