package vectorsql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/pgvector/pgvector-go"
)

const (
	MinLimit = 1
	MaxLimit = 100
)

var (
	ErrUnknownTable  = errors.New("unknown embedding table")
	ErrGymIDRequired = errors.New("gym id is required for gym-scoped queries")
	ErrEmptyVector   = errors.New("query vector is empty")
)

// Table is the closed set of tables that carry searchable embeddings. Table
// names never come from caller input; they are resolved from this enum.
type Table int

const (
	TableGlobal Table = iota + 1
	TableGym
)

func (t Table) String() string {
	switch t {
	case TableGlobal:
		return "global"
	case TableGym:
		return "gym"
	default:
		return fmt.Sprintf("Table(%d)", int(t))
	}
}

func (t Table) relation() (string, error) {
	switch t {
	case TableGlobal:
		return "equipment_images", nil
	case TableGym:
		return "gym_equipment_images", nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownTable, int(t))
	}
}

// Relation returns the SQL table name for an image scope.
func Relation(scope models.ImageScope) (string, error) {
	t, err := TableFor(scope)
	if err != nil {
		return "", err
	}
	return t.relation()
}

// TableFor maps an image scope onto its table.
func TableFor(scope models.ImageScope) (Table, error) {
	switch scope {
	case models.ImageScopeGlobal:
		return TableGlobal, nil
	case models.ImageScopeGym:
		return TableGym, nil
	default:
		return 0, fmt.Errorf("%w: scope %q", ErrUnknownTable, scope)
	}
}

// KNNParams defines inputs for a nearest-neighbour query.
type KNNParams struct {
	Table     Table
	Vector    []float32
	Model     models.ModelRef
	GymID     *uuid.UUID
	ExcludeID *uuid.UUID
	Limit     int
	MinScore  *float64
}

// QueryBuilder constructs parameterized pgvector queries.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type QueryBuilder struct{}

// BuildKNN returns a cosine-distance query over approved rows of p.Table.
// Result columns: id, equipment_id, storage_key, score.
func (b QueryBuilder) BuildKNN(p KNNParams) (string, []any, error) {
	rel, err := p.Table.relation()
	if err != nil {
		return "", nil, err
	}
	if len(p.Vector) == 0 {
		return "", nil, ErrEmptyVector
	}
	if p.Table == TableGym && p.GymID == nil {
		return "", nil, ErrGymIDRequired
	}

	args := []any{pgvector.NewVector(p.Vector), p.Model.Vendor, p.Model.Name, p.Model.Version}
	conditions := []string{
		"status = 'APPROVED'",
		"embedding IS NOT NULL",
		"model_vendor = $2",
		"model_name = $3",
		"model_version = $4",
	}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Table == TableGym {
		conditions = append(conditions, "gym_id = "+next(*p.GymID))
	}
	if p.ExcludeID != nil {
		conditions = append(conditions, "id <> "+next(*p.ExcludeID))
	}
	if p.MinScore != nil {
		conditions = append(conditions, "1 - (embedding <=> $1) >= "+next(ClampMinScore(*p.MinScore)))
	}
	limit := next(ClampLimit(p.Limit))

	query := fmt.Sprintf(
		`SELECT id, equipment_id, storage_key, 1 - (embedding <=> $1) AS score FROM %s WHERE %s ORDER BY embedding <=> $1 ASC LIMIT %s`,
		rel, strings.Join(conditions, " AND "), limit)
	return query, args, nil
}

// BuildSourceLookup returns a query reading one row's embedding and model tuple.
// Result columns: embedding, model_vendor, model_name, model_version.
func (b QueryBuilder) BuildSourceLookup(t Table, id uuid.UUID) (string, []any, error) {
	rel, err := t.relation()
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf(
		`SELECT embedding, model_vendor, model_name, model_version FROM %s WHERE id = $1 AND embedding IS NOT NULL`, rel)
	return query, []any{id}, nil
}

// ClampLimit forces n into [MinLimit, MaxLimit].
func ClampLimit(n int) int {
	if n < MinLimit {
		return MinLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ClampMinScore forces s into [0, 1].
func ClampMinScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
