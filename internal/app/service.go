package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentshield/api/internal/auth"
	"rentshield/api/internal/blob"
	"rentshield/api/internal/config"
	"rentshield/api/internal/consensus"
	"rentshield/api/internal/dispute"
	"rentshield/api/internal/logging"
	"rentshield/api/internal/metrics"
	"rentshield/api/internal/rbac"
	"rentshield/api/internal/search"
	"rentshield/api/internal/store"
	"rentshield/api/internal/timeline"
)

type dataStore interface {
	rbac.Directory
	Ping(context.Context) error
	EnsureActor(context.Context, dispute.Actor) (dispute.Actor, error)
	GetActor(context.Context, string) (dispute.Actor, error)
	InsertIssue(context.Context, dispute.Issue) error
	GetIssue(context.Context, string) (dispute.Issue, error)
	ListIssues(context.Context, store.IssueFilter) ([]dispute.Issue, error)
	UpdateIssueState(context.Context, dispute.Issue) error
	InsertEvidence(context.Context, dispute.Evidence) error
	ListEvidence(context.Context, string) ([]dispute.Evidence, error)
	MarkEvidenceAuthenticity(context.Context, string, string, bool) (bool, error)
	UpsertVerdict(context.Context, dispute.AIVerdict) error
	GetVerdict(context.Context, string) (*dispute.AIVerdict, error)
	InsertVote(context.Context, dispute.Vote) error
	ListVotes(context.Context, string) ([]dispute.Vote, error)
	HasVoted(ctx context.Context, issueID, jurorID string) (bool, error)
	InsertTimelineEvent(context.Context, dispute.TimelineEvent) (dispute.TimelineEvent, error)
	ListTimeline(context.Context, string) ([]dispute.TimelineEvent, error)
	WithTx(context.Context, func(context.Context) error) error
	WithIssueLock(context.Context, string, func(context.Context, dispute.Issue) error) error
}

type permissions interface {
	CanPerform(ctx context.Context, actorID string, action rbac.Action, issueID string) (bool, error)
}

type timelineFeed interface {
	Publish(context.Context, dispute.TimelineEvent) error
	Read(ctx context.Context, issueID, afterID string, count int64) ([]timeline.Entry, error)
	ReadAll(ctx context.Context, afterID string, count int64) ([]timeline.Entry, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexIssue(context.Context, search.IssueRecord)
}

type blobStore interface {
	PresignUpload(ctx context.Context, issueID, filename string) (blob.Upload, error)
	Owns(fileRef string) bool
	Stat(ctx context.Context, fileRef string) (blob.ObjectInfo, error)
}

type verdictClassifier interface {
	Analyze(context.Context, dispute.Issue, []dispute.Evidence) (dispute.VerdictInput, error)
}

type jobQueue interface {
	Enqueue(issueID string) bool
}

// Dependencies are the optional collaborators. Nil members disable the
// feature they back.
type Dependencies struct {
	Feed       timelineFeed
	Search     searchIndex
	Blob       blobStore
	Classifier verdictClassifier
	Metrics    *metrics.Metrics
}

type Service struct {
	cfg        config.Config
	store      dataStore
	perms      permissions
	policy     consensus.Policy
	feed       timelineFeed
	search     searchIndex
	blob       blobStore
	classifier verdictClassifier
	queue      jobQueue
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(cfg config.Config, dataStore dataStore, deps Dependencies) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		perms: rbac.NewPolicy(dataStore),
		policy: consensus.Policy{
			Quorum:         cfg.Lifecycle.Quorum,
			ExtensionVotes: cfg.Lifecycle.ExtensionVotes,
			MaxExtensions:  cfg.Lifecycle.MaxExtensions,
		},
		feed:       deps.Feed,
		search:     deps.Search,
		blob:       deps.Blob,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UseQueue routes new reports to the classification worker pool.
func (s *Service) UseQueue(queue jobQueue) {
	s.queue = queue
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SinkToken() string {
	return s.cfg.SinkToken
}

// Authenticate verifies a bearer token and registers its subject in the
// actor directory.
func (s *Service) Authenticate(ctx context.Context, token string) (dispute.Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return dispute.Actor{}, err
	}
	if claims.Sub == dispute.SystemActor.ID {
		return dispute.Actor{}, auth.ErrInvalidToken
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Sub
	}
	return s.store.EnsureActor(ctx, dispute.Actor{
		ID:          claims.Sub,
		DisplayName: name,
		Role:        rbac.Role(claims.Role),
	})
}

func (s *Service) authorize(ctx context.Context, actor dispute.Actor, action rbac.Action, issueID string) error {
	ok, err := s.perms.CanPerform(ctx, actor.ID, action, issueID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden(fmt.Sprintf("%s may not %s", actor.ID, action))
	}
	return nil
}

// unit collects what a committed issue transaction must announce.
type unit struct {
	events      []dispute.TimelineEvent
	transitions [][2]dispute.Status
	issue       *dispute.Issue
	enqueue     bool
}

// withIssue runs fn under the issue's row lock and announces the collected
// events only after the transaction commits.
func (s *Service) withIssue(ctx context.Context, issueID string, fn func(ctx context.Context, issue *dispute.Issue, u *unit) error) error {
	u := &unit{}
	err := s.store.WithIssueLock(ctx, issueID, func(ctx context.Context, issue dispute.Issue) error {
		return fn(ctx, &issue, u)
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, u)
	return nil
}

func (s *Service) afterCommit(ctx context.Context, u *unit) {
	for _, t := range u.transitions {
		s.metrics.Transition(string(t[0]), string(t[1]))
	}
	if s.feed != nil {
		for _, event := range u.events {
			if err := s.feed.Publish(ctx, event); err != nil {
				logging.Warn(ctx, "publish timeline event", "issue_id", event.IssueID, "type", string(event.Type), "error", err)
			}
		}
	}
	if u.issue != nil && s.search != nil {
		s.search.IndexIssue(ctx, issueRecord(*u.issue))
	}
	if u.enqueue && u.issue != nil && s.queue != nil {
		s.queue.Enqueue(u.issue.ID)
	}
}

func (s *Service) record(ctx context.Context, u *unit, issue dispute.Issue, actor dispute.Actor, eventType dispute.EventType, message string, payload map[string]any) error {
	event, err := s.store.InsertTimelineEvent(ctx, dispute.TimelineEvent{
		IssueID:   issue.ID,
		Type:      eventType,
		Message:   message,
		ActorID:   actor.ID,
		Role:      actor.Role,
		Payload:   payload,
		CreatedAt: s.stamp(issue),
	})
	if err != nil {
		return err
	}
	u.events = append(u.events, event)
	return nil
}

// transition moves issue to status, persists it and appends the matching
// timeline event in the caller's transaction.
func (s *Service) transition(ctx context.Context, u *unit, issue *dispute.Issue, to dispute.Status, actor dispute.Actor, eventType dispute.EventType, message string, payload map[string]any) error {
	from := issue.Status
	issue.Status = to
	issue.UpdatedAt = s.stamp(*issue)
	if err := s.store.UpdateIssueState(ctx, *issue); err != nil {
		return err
	}
	event, err := s.store.InsertTimelineEvent(ctx, dispute.TimelineEvent{
		IssueID:    issue.ID,
		Type:       eventType,
		Message:    message,
		ActorID:    actor.ID,
		Role:       actor.Role,
		FromStatus: from,
		ToStatus:   to,
		Payload:    payload,
		CreatedAt:  issue.UpdatedAt,
	})
	if err != nil {
		return err
	}
	u.events = append(u.events, event)
	u.transitions = append(u.transitions, [2]dispute.Status{from, to})
	snapshot := *issue
	u.issue = &snapshot
	logging.Info(ctx, "issue transition", "issue_id", issue.ID, "from", string(from), "to", string(to), "actor_id", actor.ID)
	return nil
}

// stamp never goes behind the issue's own timestamps.
func (s *Service) stamp(issue dispute.Issue) time.Time {
	now := s.now()
	if now.Before(issue.UpdatedAt) {
		return issue.UpdatedAt
	}
	if now.Before(issue.CreatedAt) {
		return issue.CreatedAt
	}
	return now
}

func issueRecord(issue dispute.Issue) search.IssueRecord {
	return search.IssueRecord{
		ID:          issue.ID,
		Description: issue.Description,
		Category:    string(issue.Category),
		Status:      string(issue.Status),
		Severity:    issue.Severity,
		ReporterID:  issue.ReporterID,
		LandlordID:  issue.LandlordID,
		PropertyID:  issue.PropertyID,
	}
}

func fieldErrors(errs []dispute.FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return validationError(errs[0].Message, map[string]any{"fields": errs})
}

// voteStoreError maps vote ledger guard failures raised by the database onto
// the caller-facing taxonomy.
func voteStoreError(err error, status dispute.Status) error {
	switch {
	case errors.Is(err, store.ErrDuplicateVote):
		return duplicateVote()
	case errors.Is(err, store.ErrImmutable):
		return wrongState(string(status))
	default:
		return err
	}
}
