package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore executes statements against a pgx connection pool. A non-zero
// timeout bounds every individual call.
type PGStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPGStore wraps a pool. timeout 0 disables the per-call bound.
func NewPGStore(pool *pgxpool.Pool, timeout time.Duration) *PGStore {
	return &PGStore{pool: pool, timeout: timeout}
}

func (s *PGStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PGStore) ExecuteQuery(ctx context.Context, sql string, params ...interface{}) (*QueryResult, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &QueryResult{Success: true}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		rec := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			rec[string(f.Name)] = vals[i]
		}
		res.Data = append(res.Data, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rows: %w", err)
	}
	return res, nil
}

func (s *PGStore) ExecuteCommand(ctx context.Context, sql string, params ...interface{}) (*CommandResult, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("storage: command: %w", err)
	}
	return &CommandResult{Success: true, Changes: tag.RowsAffected()}, nil
}

// ExecuteTransaction applies every command inside one transaction; any
// failure rolls the whole batch back.
func (s *PGStore) ExecuteTransaction(ctx context.Context, commands []Command) (*TxResult, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	res := &TxResult{}
	for i, cmd := range commands {
		tag, err := tx.Exec(ctx, cmd.SQL, cmd.Params...)
		if err != nil {
			return nil, fmt.Errorf("storage: transaction command %d: %w", i+1, err)
		}
		res.Results = append(res.Results, CommandResult{Success: true, Changes: tag.RowsAffected()})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit transaction: %w", err)
	}
	res.Success = true
	return res, nil
}
