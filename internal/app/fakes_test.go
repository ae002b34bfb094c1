package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"rentshield/api/internal/blob"
	"rentshield/api/internal/config"
	"rentshield/api/internal/dispute"
	"rentshield/api/internal/rbac"
	"rentshield/api/internal/search"
	"rentshield/api/internal/store"
	"rentshield/api/internal/timeline"
)

type journalKey struct{}

// journal holds undo steps for the enclosing fake transaction.
type journal struct {
	undo []func()
}

// memStore is an in-memory dataStore that mimics the database guards: the
// per-issue row lock, rollback on error and the vote/evidence triggers.
type memStore struct {
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	actors      map[string]dispute.Actor
	issues      map[string]dispute.Issue
	evidence    map[string][]dispute.Evidence
	verdicts    map[string]dispute.AIVerdict
	votes       map[string][]dispute.Vote
	timeline    map[string][]dispute.TimelineEvent
	nextEventID int64

	pingFn                func(context.Context) error
	insertTimelineEventFn func(context.Context, dispute.TimelineEvent) error
}

func newMemStore() *memStore {
	s := &memStore{
		locks:    map[string]*sync.Mutex{},
		actors:   map[string]dispute.Actor{},
		issues:   map[string]dispute.Issue{},
		evidence: map[string][]dispute.Evidence{},
		verdicts: map[string]dispute.AIVerdict{},
		votes:    map[string][]dispute.Vote{},
		timeline: map[string][]dispute.TimelineEvent{},
	}
	s.actors[dispute.SystemActor.ID] = dispute.SystemActor
	return s
}

func (s *memStore) addUndo(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, fn)
	}
}

func (s *memStore) lockFor(issueID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[issueID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[issueID] = lock
	}
	return lock
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) WithIssueLock(ctx context.Context, issueID string, fn func(context.Context, dispute.Issue) error) error {
	lock := s.lockFor(issueID)
	lock.Lock()
	defer lock.Unlock()
	return s.WithTx(ctx, func(ctx context.Context) error {
		issue, err := s.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		return fn(ctx, issue)
	})
}

func (s *memStore) Ping(ctx context.Context) error {
	if s.pingFn != nil {
		return s.pingFn(ctx)
	}
	return nil
}

func (s *memStore) EnsureActor(ctx context.Context, actor dispute.Actor) (dispute.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.actors[actor.ID]
	if ok {
		existing.DisplayName = actor.DisplayName
		existing.Role = actor.Role
		s.actors[actor.ID] = existing
		return existing, nil
	}
	if actor.VoteWeight <= 0 {
		actor.VoteWeight = 1
	}
	actor.CreatedAt = time.Now().UTC()
	s.actors[actor.ID] = actor
	return actor, nil
}

func (s *memStore) GetActor(_ context.Context, actorID string) (dispute.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return dispute.Actor{}, fmt.Errorf("get actor: %w", sql.ErrNoRows)
	}
	return actor, nil
}

func (s *memStore) ActorRole(_ context.Context, actorID string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return "", rbac.ErrUnknownActor
	}
	return actor.Role, nil
}

func (s *memStore) IssueParties(_ context.Context, issueID string) (rbac.Parties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return rbac.Parties{}, fmt.Errorf("issue parties: %w", sql.ErrNoRows)
	}
	return rbac.Parties{ReporterID: issue.ReporterID, LandlordID: issue.LandlordID}, nil
}

func (s *memStore) InsertIssue(ctx context.Context, issue dispute.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[issue.ReporterID]; !ok {
		return fmt.Errorf("insert issue: reporter %s unknown", issue.ReporterID)
	}
	s.issues[issue.ID] = issue
	s.addUndo(ctx, func() { delete(s.issues, issue.ID) })
	return nil
}

func (s *memStore) GetIssue(_ context.Context, issueID string) (dispute.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return dispute.Issue{}, fmt.Errorf("get issue: %w", sql.ErrNoRows)
	}
	return issue, nil
}

func (s *memStore) ListIssues(_ context.Context, filter store.IssueFilter) ([]dispute.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispute.Issue, 0)
	for _, issue := range s.issues {
		if filter.Status != "" && issue.Status != filter.Status {
			continue
		}
		if filter.Party != "" && issue.ReporterID != filter.Party && issue.LandlordID != filter.Party {
			continue
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateIssueState(ctx context.Context, issue dispute.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.issues[issue.ID]
	if !ok {
		return fmt.Errorf("update issue state: %w", sql.ErrNoRows)
	}
	previous.Status = issue.Status
	previous.VotingDeadline = issue.VotingDeadline
	previous.QuorumTarget = issue.QuorumTarget
	previous.Extensions = issue.Extensions
	previous.UpdatedAt = issue.UpdatedAt
	before := s.issues[issue.ID]
	s.issues[issue.ID] = previous
	s.addUndo(ctx, func() { s.issues[issue.ID] = before })
	return nil
}

func (s *memStore) InsertEvidence(ctx context.Context, item dispute.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue, ok := s.issues[item.IssueID]; ok && issue.Status.Terminal() {
		return fmt.Errorf("insert evidence: %w", store.ErrImmutable)
	}
	before := s.evidence[item.IssueID]
	s.evidence[item.IssueID] = append(append([]dispute.Evidence{}, before...), item)
	s.addUndo(ctx, func() { s.evidence[item.IssueID] = before })
	return nil
}

func (s *memStore) ListEvidence(_ context.Context, issueID string) ([]dispute.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispute.Evidence{}, s.evidence[issueID]...), nil
}

func (s *memStore) MarkEvidenceAuthenticity(ctx context.Context, issueID, evidenceID string, authentic bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.evidence[issueID]
	for i := range items {
		if items[i].ID != evidenceID || items[i].Authentic != nil {
			continue
		}
		before := append([]dispute.Evidence{}, items...)
		value := authentic
		updated := append([]dispute.Evidence{}, items...)
		updated[i].Authentic = &value
		s.evidence[issueID] = updated
		s.addUndo(ctx, func() { s.evidence[issueID] = before })
		return true, nil
	}
	return false, nil
}

func (s *memStore) UpsertVerdict(ctx context.Context, verdict dispute.AIVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, existed := s.verdicts[verdict.IssueID]
	s.verdicts[verdict.IssueID] = verdict
	s.addUndo(ctx, func() {
		if existed {
			s.verdicts[verdict.IssueID] = before
		} else {
			delete(s.verdicts, verdict.IssueID)
		}
	})
	return nil
}

func (s *memStore) GetVerdict(_ context.Context, issueID string) (*dispute.AIVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	verdict, ok := s.verdicts[issueID]
	if !ok {
		return nil, nil
	}
	return &verdict, nil
}

func (s *memStore) InsertVote(ctx context.Context, vote dispute.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue := s.issues[vote.IssueID]; issue.Status != dispute.StatusEscalated {
		return fmt.Errorf("insert vote: %w", store.ErrImmutable)
	}
	for _, existing := range s.votes[vote.IssueID] {
		if existing.JurorID == vote.JurorID {
			return fmt.Errorf("insert vote: %w", store.ErrDuplicateVote)
		}
	}
	before := s.votes[vote.IssueID]
	s.votes[vote.IssueID] = append(append([]dispute.Vote{}, before...), vote)
	s.addUndo(ctx, func() { s.votes[vote.IssueID] = before })
	return nil
}

func (s *memStore) ListVotes(_ context.Context, issueID string) ([]dispute.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispute.Vote{}, s.votes[issueID]...), nil
}

func (s *memStore) HasVoted(_ context.Context, issueID, jurorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vote := range s.votes[issueID] {
		if vote.JurorID == jurorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InsertTimelineEvent(ctx context.Context, event dispute.TimelineEvent) (dispute.TimelineEvent, error) {
	if s.insertTimelineEventFn != nil {
		if err := s.insertTimelineEventFn(ctx, event); err != nil {
			return dispute.TimelineEvent{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	before := s.timeline[event.IssueID]
	s.timeline[event.IssueID] = append(append([]dispute.TimelineEvent{}, before...), event)
	s.addUndo(ctx, func() { s.timeline[event.IssueID] = before })
	return event, nil
}

func (s *memStore) ListTimeline(_ context.Context, issueID string) ([]dispute.TimelineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispute.TimelineEvent{}, s.timeline[issueID]...), nil
}

func (s *memStore) eventsOfType(issueID string, eventType dispute.EventType) []dispute.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispute.TimelineEvent
	for _, event := range s.timeline[issueID] {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fakeFeed struct {
	mu        sync.Mutex
	published []dispute.TimelineEvent
	publishFn func(dispute.TimelineEvent) error
}

func (f *fakeFeed) Publish(_ context.Context, event dispute.TimelineEvent) error {
	if f.publishFn != nil {
		if err := f.publishFn(event); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakeFeed) Read(_ context.Context, issueID, afterID string, count int64) ([]timeline.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []timeline.Entry
	for i, event := range f.published {
		if event.IssueID == issueID {
			out = append(out, timeline.Entry{StreamID: fmt.Sprintf("%d-0", i+1), Event: event})
		}
	}
	return out, nil
}

func (f *fakeFeed) ReadAll(_ context.Context, afterID string, count int64) ([]timeline.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]timeline.Entry, 0, len(f.published))
	for i, event := range f.published {
		out = append(out, timeline.Entry{StreamID: fmt.Sprintf("%d-0", i+1), Event: event})
	}
	return out, nil
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []search.IssueRecord
	searchFn func(search.Query) search.Response
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexIssue(_ context.Context, record search.IssueRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearch) last() search.IssueRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.indexed) == 0 {
		return search.IssueRecord{}
	}
	return f.indexed[len(f.indexed)-1]
}

type fakeBlob struct {
	objects map[string]blob.ObjectInfo
}

func (f *fakeBlob) PresignUpload(_ context.Context, issueID, filename string) (blob.Upload, error) {
	return blob.Upload{
		Method:    "PUT",
		URL:       "http://minio.local/evidence/" + blob.ObjectKey(issueID, "ev_test", filename) + "?X-Amz-Signature=sig",
		FileRef:   "s3://evidence/" + blob.ObjectKey(issueID, "ev_test", filename),
		ExpiresAt: time.Now().Add(time.Minute),
	}, nil
}

func (f *fakeBlob) Owns(fileRef string) bool {
	return len(fileRef) > len("s3://evidence/") && fileRef[:len("s3://evidence/")] == "s3://evidence/"
}

func (f *fakeBlob) Stat(_ context.Context, fileRef string) (blob.ObjectInfo, error) {
	info, ok := f.objects[fileRef]
	if !ok {
		return blob.ObjectInfo{}, fmt.Errorf("stat %s: object not found", fileRef)
	}
	return info, nil
}

type fakeClassifier struct {
	analyzeFn func(dispute.Issue, []dispute.Evidence) (dispute.VerdictInput, error)
}

func (f *fakeClassifier) Analyze(_ context.Context, issue dispute.Issue, evidence []dispute.Evidence) (dispute.VerdictInput, error) {
	return f.analyzeFn(issue, evidence)
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeQueue) Enqueue(issueID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, issueID)
	return true
}

type harness struct {
	svc    *Service
	store  *memStore
	feed   *fakeFeed
	search *fakeSearch
	queue  *fakeQueue
	clock  time.Time
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DatabaseURL = "postgres://test"
	cfg.TokenSecret = "test-secret"
	cfg.SinkToken = "sink-secret"
	cfg.CORSOrigin = "http://localhost:3000"
	return cfg
}

func newHarness(cfg config.Config) *harness {
	h := &harness{
		store:  newMemStore(),
		feed:   &fakeFeed{},
		search: &fakeSearch{},
		queue:  &fakeQueue{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = New(cfg, h.store, Dependencies{Feed: h.feed, Search: h.search})
	h.svc.UseQueue(h.queue)
	h.svc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) actor(id string, role rbac.Role) dispute.Actor {
	actor, err := h.store.EnsureActor(context.Background(), dispute.Actor{ID: id, DisplayName: id, Role: role})
	if err != nil {
		panic(err)
	}
	return actor
}

func (h *harness) jurors(n int) []dispute.Actor {
	out := make([]dispute.Actor, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.actor(fmt.Sprintf("juror-%02d", i), rbac.RoleJuror))
	}
	return out
}
