package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGResolver resolves codes against the concept_dimension table.
type PGResolver struct {
	pool *pgxpool.Pool
}

func NewPGResolver(pool *pgxpool.Pool) *PGResolver {
	return &PGResolver{pool: pool}
}

func (r *PGResolver) Resolve(ctx context.Context, code string) (*Concept, error) {
	const q = `SELECT concept_cd, name_char, concept_path FROM concept_dimension WHERE concept_cd = $1`

	c := &Concept{}
	err := r.pool.QueryRow(ctx, q, code).Scan(&c.Code, &c.Display, &c.Path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("terminology: resolve %q: %w", code, err)
	}
	return c, nil
}
