package knn

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gymvision/pkg/vectorsql"
	"github.com/pgvector/pgvector-go"
)

// PostgresIndex runs pgvector cosine-distance queries built by vectorsql.
type PostgresIndex struct {
	pool *pgxpool.Pool
	qb   vectorsql.QueryBuilder
}

var _ Index = (*PostgresIndex)(nil)

func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

func (x *PostgresIndex) Source(ctx context.Context, table vectorsql.Table, id uuid.UUID) (*Source, error) {
	query, args, err := x.qb.BuildSourceLookup(table, id)
	if err != nil {
		return nil, err
	}
	var (
		vec                   pgvector.Vector
		vendor, name, version *string
	)
	err = x.pool.QueryRow(ctx, query, args...).Scan(&vec, &vendor, &name, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup source embedding: %w", err)
	}
	src := &Source{Vector: vec.Slice()}
	if vendor != nil && name != nil && version != nil {
		src.Model.Vendor, src.Model.Name, src.Model.Version = *vendor, *name, *version
	}
	return src, nil
}

func (x *PostgresIndex) Nearest(ctx context.Context, p vectorsql.KNNParams) ([]Neighbor, error) {
	query, args, err := x.qb.BuildKNN(p)
	if err != nil {
		return nil, err
	}
	rows, err := x.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.EquipmentID, &n.StorageKey, &n.Score); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
