package store

import (
	"errors"

	"rentshield/api/internal/dispute"
)

var (
	// ErrDuplicateVote is returned when a juror already has a vote on the issue.
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrImmutable is returned when an append-only guard in the database
	// rejects a write.
	ErrImmutable = errors.New("record is immutable")
)

const (
	sqlStateUniqueViolation = "23505"
	sqlStateImmutable       = "55000"

	votesIssueJurorKey = "votes_issue_juror_key"
)

// IssueFilter narrows ListIssues. Empty fields match everything.
type IssueFilter struct {
	Status     dispute.Status
	ReporterID string
	LandlordID string
	// Party matches issues where the actor is reporter or landlord.
	Party  string
	Limit  int
	Offset int
}

const (
	issueColumns    = `id, category, severity, status, description, reporter_id, COALESCE(landlord_id, ''), COALESCE(property_id, ''), voting_deadline, quorum_target, extensions, created_at, updated_at`
	evidenceColumns = `id, issue_id, file_ref, mime_type, size_bytes, authentic, uploaded_by, uploaded_at`
	voteColumns     = `id, issue_id, juror_id, value, weight, reasoning, cast_at`
	timelineColumns = `id, issue_id, type, message, actor_id, role, from_status, to_status, payload, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}
