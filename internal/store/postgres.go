package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"rentshield/api/internal/dispute"
	"rentshield/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureActor registers an actor seen on a verified token. Display name and
// role follow the identity provider; vote weight is managed here.
func (s *PostgresStore) EnsureActor(ctx context.Context, actor dispute.Actor) (dispute.Actor, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO actors (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, role=EXCLUDED.role
		RETURNING id, display_name, role, vote_weight, created_at
	`, actor.ID, actor.DisplayName, string(actor.Role))
	saved, err := scanActor(row)
	if err != nil {
		return dispute.Actor{}, fmt.Errorf("ensure actor: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (dispute.Actor, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, display_name, role, vote_weight, created_at FROM actors WHERE id=$1
	`, actorID)
	actor, err := scanActor(row)
	if err != nil {
		return dispute.Actor{}, fmt.Errorf("get actor: %w", err)
	}
	return actor, nil
}

func (s *PostgresStore) SetVoteWeight(ctx context.Context, actorID string, weight float64) error {
	result, err := s.conn(ctx).ExecContext(ctx, `UPDATE actors SET vote_weight=$2 WHERE id=$1`, actorID, weight)
	if err != nil {
		return fmt.Errorf("set vote weight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set vote weight rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set vote weight: %w", sql.ErrNoRows)
	}
	return nil
}

// ActorRole implements rbac.Directory.
func (s *PostgresStore) ActorRole(ctx context.Context, actorID string) (rbac.Role, error) {
	var role string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT role FROM actors WHERE id=$1`, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", rbac.ErrUnknownActor
	}
	if err != nil {
		return "", fmt.Errorf("actor role: %w", err)
	}
	return rbac.Role(role), nil
}

// IssueParties implements rbac.Directory.
func (s *PostgresStore) IssueParties(ctx context.Context, issueID string) (rbac.Parties, error) {
	var parties rbac.Parties
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT reporter_id, COALESCE(landlord_id, '') FROM issues WHERE id=$1
	`, issueID).Scan(&parties.ReporterID, &parties.LandlordID)
	if err != nil {
		return rbac.Parties{}, fmt.Errorf("issue parties: %w", err)
	}
	return parties, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue dispute.Issue) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO issues (id, category, severity, status, description, reporter_id, landlord_id, property_id, voting_deadline, quorum_target, extensions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13)
	`,
		issue.ID,
		string(issue.Category),
		issue.Severity,
		string(issue.Status),
		issue.Description,
		issue.ReporterID,
		issue.LandlordID,
		issue.PropertyID,
		issue.VotingDeadline,
		issue.QuorumTarget,
		issue.Extensions,
		issue.CreatedAt,
		issue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (dispute.Issue, error) {
	return s.getIssue(ctx, issueID, false)
}

func (s *PostgresStore) getIssue(ctx context.Context, issueID string, forUpdate bool) (dispute.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	issue, err := scanIssue(s.conn(ctx).QueryRowContext(ctx, query, issueID))
	if err != nil {
		return dispute.Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]dispute.Issue, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE ($1='' OR status=$1)
		  AND ($2='' OR reporter_id=$2)
		  AND ($3='' OR landlord_id=$3)
		  AND ($4='' OR reporter_id=$4 OR landlord_id=$4)
		ORDER BY created_at DESC, id
		LIMIT $5 OFFSET $6
	`, string(filter.Status), filter.ReporterID, filter.LandlordID, filter.Party, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]dispute.Issue, 0)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueState persists the mutable lifecycle fields of an issue. Callers
// hold the issue lock.
func (s *PostgresStore) UpdateIssueState(ctx context.Context, issue dispute.Issue) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE issues
		SET status=$2, voting_deadline=$3, quorum_target=$4, extensions=$5, updated_at=$6
		WHERE id=$1
	`, issue.ID, string(issue.Status), issue.VotingDeadline, issue.QuorumTarget, issue.Extensions, issue.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update issue state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update issue state rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update issue state: %w", sql.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) InsertEvidence(ctx context.Context, item dispute.Evidence) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO evidence (id, issue_id, file_ref, mime_type, size_bytes, authentic, uploaded_by, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.IssueID, item.FileRef, item.MimeType, item.SizeBytes, item.Authentic, item.UploadedBy, item.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, issueID string) ([]dispute.Evidence, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidence WHERE issue_id=$1 ORDER BY uploaded_at, id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	items := make([]dispute.Evidence, 0)
	for rows.Next() {
		var item dispute.Evidence
		var authentic sql.NullBool
		if err := rows.Scan(&item.ID, &item.IssueID, &item.FileRef, &item.MimeType, &item.SizeBytes, &authentic, &item.UploadedBy, &item.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		if authentic.Valid {
			value := authentic.Bool
			item.Authentic = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return items, nil
}

// MarkEvidenceAuthenticity sets the flag only while it is still unknown and
// reports whether a row changed.
func (s *PostgresStore) MarkEvidenceAuthenticity(ctx context.Context, issueID, evidenceID string, authentic bool) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE evidence SET authentic=$3
		WHERE issue_id=$1 AND id=$2 AND authentic IS NULL
	`, issueID, evidenceID, authentic)
	if err != nil {
		return false, fmt.Errorf("mark evidence authenticity: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark evidence authenticity rows: %w", err)
	}
	return affected > 0, nil
}

// UpsertVerdict keeps at most one live verdict per issue; re-delivery
// replaces the previous analysis.
func (s *PostgresStore) UpsertVerdict(ctx context.Context, verdict dispute.AIVerdict) error {
	analysisJSON, err := json.Marshal(verdict.EvidenceAnalysis)
	if err != nil {
		return fmt.Errorf("marshal evidence analysis: %w", err)
	}
	recommendationsJSON, err := json.Marshal(verdict.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO ai_verdicts (issue_id, category, confidence, tenant_score, landlord_score, evidence_analysis, recommendations, reasoning, received_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9)
		ON CONFLICT (issue_id) DO UPDATE SET
			category=EXCLUDED.category,
			confidence=EXCLUDED.confidence,
			tenant_score=EXCLUDED.tenant_score,
			landlord_score=EXCLUDED.landlord_score,
			evidence_analysis=EXCLUDED.evidence_analysis,
			recommendations=EXCLUDED.recommendations,
			reasoning=EXCLUDED.reasoning,
			received_at=EXCLUDED.received_at
	`,
		verdict.IssueID,
		string(verdict.Category),
		verdict.Confidence,
		verdict.TenantScore,
		verdict.LandlordScore,
		string(analysisJSON),
		string(recommendationsJSON),
		verdict.Reasoning,
		verdict.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert verdict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVerdict(ctx context.Context, issueID string) (*dispute.AIVerdict, error) {
	var verdict dispute.AIVerdict
	var category string
	var analysisRaw, recommendationsRaw []byte
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT issue_id, category, confidence, tenant_score, landlord_score, evidence_analysis, recommendations, reasoning, received_at
		FROM ai_verdicts WHERE issue_id=$1
	`, issueID).Scan(
		&verdict.IssueID,
		&category,
		&verdict.Confidence,
		&verdict.TenantScore,
		&verdict.LandlordScore,
		&analysisRaw,
		&recommendationsRaw,
		&verdict.Reasoning,
		&verdict.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verdict: %w", err)
	}
	verdict.Category = dispute.VerdictCategory(category)
	if err := decodeJSON(analysisRaw, &verdict.EvidenceAnalysis); err != nil {
		return nil, fmt.Errorf("decode verdict evidence analysis: %w", err)
	}
	if err := decodeJSON(recommendationsRaw, &verdict.Recommendations); err != nil {
		return nil, fmt.Errorf("decode verdict recommendations: %w", err)
	}
	return &verdict, nil
}

// InsertVote appends to the vote ledger. A second vote by the same juror
// fails with ErrDuplicateVote; a vote on an issue that is not escalated
// fails with ErrImmutable.
func (s *PostgresStore) InsertVote(ctx context.Context, vote dispute.Vote) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO votes (id, issue_id, juror_id, value, weight, reasoning, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, vote.ID, vote.IssueID, vote.JurorID, string(vote.Value), vote.Weight, vote.Reasoning, vote.CastAt)
	if err != nil {
		return fmt.Errorf("insert vote: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, issueID string) ([]dispute.Vote, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+voteColumns+` FROM votes WHERE issue_id=$1 ORDER BY cast_at, id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]dispute.Vote, 0)
	for rows.Next() {
		var item dispute.Vote
		var value string
		if err := rows.Scan(&item.ID, &item.IssueID, &item.JurorID, &value, &item.Weight, &item.Reasoning, &item.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		canonical, err := dispute.ParseVoteValue(value)
		if err != nil {
			return nil, fmt.Errorf("scan vote %s: %w", item.ID, err)
		}
		item.Value = canonical
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) HasVoted(ctx context.Context, issueID, jurorID string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM votes WHERE issue_id=$1 AND juror_id=$2)
	`, issueID, jurorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has voted: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertTimelineEvent(ctx context.Context, event dispute.TimelineEvent) (dispute.TimelineEvent, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return dispute.TimelineEvent{}, fmt.Errorf("marshal timeline payload: %w", err)
	}
	err = s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO timeline_events (issue_id, type, message, actor_id, role, from_status, to_status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING id
	`,
		event.IssueID,
		string(event.Type),
		event.Message,
		event.ActorID,
		string(event.Role),
		string(event.FromStatus),
		string(event.ToStatus),
		string(payloadJSON),
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return dispute.TimelineEvent{}, fmt.Errorf("insert timeline event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) ListTimeline(ctx context.Context, issueID string) ([]dispute.TimelineEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+timelineColumns+` FROM timeline_events WHERE issue_id=$1 ORDER BY id
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]dispute.TimelineEvent, 0)
	for rows.Next() {
		var item dispute.TimelineEvent
		var eventType, role, fromStatus, toStatus string
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.IssueID, &eventType, &item.Message, &item.ActorID, &role, &fromStatus, &toStatus, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		item.Type = dispute.EventType(eventType)
		item.Role = rbac.Role(role)
		item.FromStatus = dispute.Status(fromStatus)
		item.ToStatus = dispute.Status(toStatus)
		if err := decodeJSON(payloadRaw, &item.Payload); err != nil {
			return nil, fmt.Errorf("decode timeline payload %d: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

// decodeJSON leaves v untouched for NULL columns.
func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func scanIssue(row rowScanner) (dispute.Issue, error) {
	var issue dispute.Issue
	var category, status string
	var deadline sql.NullTime
	if err := row.Scan(
		&issue.ID,
		&category,
		&issue.Severity,
		&status,
		&issue.Description,
		&issue.ReporterID,
		&issue.LandlordID,
		&issue.PropertyID,
		&deadline,
		&issue.QuorumTarget,
		&issue.Extensions,
		&issue.CreatedAt,
		&issue.UpdatedAt,
	); err != nil {
		return dispute.Issue{}, err
	}
	parsed, err := dispute.ParseStatus(status)
	if err != nil {
		return dispute.Issue{}, err
	}
	issue.Status = parsed
	issue.Category = dispute.Category(category)
	if deadline.Valid {
		value := deadline.Time
		issue.VotingDeadline = &value
	}
	return issue, nil
}

func scanActor(row rowScanner) (dispute.Actor, error) {
	var actor dispute.Actor
	var role string
	if err := row.Scan(&actor.ID, &actor.DisplayName, &role, &actor.VoteWeight, &actor.CreatedAt); err != nil {
		return dispute.Actor{}, err
	}
	actor.Role = rbac.Role(role)
	return actor, nil
}

// classify maps database guard failures onto store sentinels while keeping
// the driver error in the chain.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateUniqueViolation:
		if pgErr.ConstraintName == votesIssueJurorKey || strings.Contains(pgErr.Message, votesIssueJurorKey) {
			return errors.Join(ErrDuplicateVote, err)
		}
	case sqlStateImmutable:
		return errors.Join(ErrImmutable, err)
	}
	return err
}
