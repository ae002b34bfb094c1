package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated issues.fts column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// pgWhere renders the WHERE clause and its positional args.
func pgWhere(q Query) (string, []any) {
	clauses := []string{"i.fts @@ plainto_tsquery('english', $1)"}
	args := []any{q.Text}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Status != "" {
		add("i.status = $%d", q.Status)
	}
	if q.Category != "" {
		add("i.category = $%d", q.Category)
	}
	if q.PartyID != "" {
		args = append(args, q.PartyID)
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(i.reporter_id = $%d OR i.landlord_id = $%d)", n, n))
	}
	return strings.Join(clauses, " AND "), args
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	ctx := context.Background()
	where, args := pgWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM issues i WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT i.id, i.status, i.category, i.severity,
			ts_headline('english', i.description, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM issues i
		WHERE %s
		ORDER BY ts_rank(i.fts, plainto_tsquery('english', $1)) DESC, i.created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Status, &r.Category, &r.Severity, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Title = titleFor(r.Category, r.Severity)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every issue for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, description, category, status, severity, reporter_id,
			coalesce(landlord_id, ''), coalesce(property_id, '')
		FROM issues
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	issues := make([]IssueRecord, 0)
	for rows.Next() {
		var r IssueRecord
		if err := rows.Scan(&r.ID, &r.Description, &r.Category, &r.Status, &r.Severity, &r.ReporterID, &r.LandlordID, &r.PropertyID); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return issues, nil
}
