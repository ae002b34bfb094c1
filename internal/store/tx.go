package store

import (
	"context"
	"database/sql"
	"fmt"

	"rentshield/api/internal/dispute"
)

type txKey struct{}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside one transaction carried on the context. Returning an
// error rolls back; returning nil commits. Nested calls join the outer
// transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// WithIssueLock serializes work on one issue: the issue row is read with
// SELECT ... FOR UPDATE and held until fn's transaction ends. Work on other
// issues never waits on this lock.
func (s *PostgresStore) WithIssueLock(ctx context.Context, issueID string, fn func(ctx context.Context, issue dispute.Issue) error) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		issue, err := s.getIssue(ctx, issueID, true)
		if err != nil {
			return err
		}
		return fn(ctx, issue)
	})
}
