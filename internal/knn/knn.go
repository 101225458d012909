// Package knn answers nearest-neighbour queries over stored image embeddings
// with gym, global and automatic scope routing.
package knn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gymvision/internal/config"
	"github.com/kiranshivaraju/gymvision/pkg/models"
	"github.com/kiranshivaraju/gymvision/pkg/vectorsql"
)

var (
	ErrGymIDRequired  = errors.New("gym id is required for this scope")
	ErrSourceNotFound = errors.New("source embedding not found")
	ErrInvalidQuery   = errors.New("invalid knn query")
)

// Scope selects which catalog a search runs against.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeGym    Scope = "GYM"
	ScopeAuto   Scope = "AUTO"
)

// Query is a search by stored image id or by a raw vector. A raw vector must
// carry the model tuple it was produced with.
type Query struct {
	SourceID *uuid.UUID
	Vector   []float32
	Model    *models.ModelRef
	Scope    Scope
	GymID    *uuid.UUID
	Limit    int
	MinScore *float64
}

// Neighbor is one ranked match.
type Neighbor struct {
	ID          uuid.UUID `json:"id"`
	EquipmentID uuid.UUID `json:"equipment_id"`
	Score       float64   `json:"score"`
	StorageKey  string    `json:"storage_key"`
}

// Result holds neighbours in descending similarity. Scope is the catalog
// that produced them, GLOBAL or GYM, even for AUTO queries.
type Result struct {
	Scope     Scope      `json:"scope"`
	Neighbors []Neighbor `json:"neighbors"`
}

// Top returns the best neighbour, if any.
func (r *Result) Top() (Neighbor, bool) {
	if r == nil || len(r.Neighbors) == 0 {
		return Neighbor{}, false
	}
	return r.Neighbors[0], true
}

// Source is a stored embedding together with its model tuple.
type Source struct {
	Vector []float32
	Model  models.ModelRef
}

// Index runs single queries against the embedding tables.
type Index interface {
	// Source returns ErrSourceNotFound when the table has no embedded row id.
	Source(ctx context.Context, table vectorsql.Table, id uuid.UUID) (*Source, error)
	Nearest(ctx context.Context, p vectorsql.KNNParams) ([]Neighbor, error)
}

// Searcher is implemented by Engine and its caching decorator.
type Searcher interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// Engine routes queries by scope.
type Engine struct {
	index        Index
	autoMinScore float64
}

var _ Searcher = (*Engine)(nil)

func NewEngine(index Index, cfg config.KNNConfig) *Engine {
	return &Engine{index: index, autoMinScore: cfg.AutoMinGlobalScore}
}

// lookupOrder lists the tables a source id is read from, first hit wins.
func lookupOrder(scope Scope) []vectorsql.Table {
	if scope == ScopeGym {
		return []vectorsql.Table{vectorsql.TableGym, vectorsql.TableGlobal}
	}
	return []vectorsql.Table{vectorsql.TableGlobal, vectorsql.TableGym}
}

func (e *Engine) resolveSource(ctx context.Context, id uuid.UUID, order []vectorsql.Table) (*Source, error) {
	for _, table := range order {
		src, err := e.index.Source(ctx, table, id)
		if errors.Is(err, ErrSourceNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read source from %s: %w", table, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
}

func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	src := &Source{Vector: q.Vector}
	if q.SourceID != nil {
		var err error
		src, err = e.resolveSource(ctx, *q.SourceID, lookupOrder(q.Scope))
		if err != nil {
			return nil, err
		}
	} else {
		src.Model = *q.Model
	}

	switch q.Scope {
	case ScopeGlobal:
		return e.run(ctx, vectorsql.TableGlobal, src, q)
	case ScopeGym:
		return e.run(ctx, vectorsql.TableGym, src, q)
	case ScopeAuto:
		global, err := e.run(ctx, vectorsql.TableGlobal, src, q)
		if err != nil {
			return nil, err
		}
		if top, ok := global.Top(); ok && top.Score >= e.autoMinScore {
			return global, nil
		}
		slog.Debug("knn auto scope falling back to gym",
			"gym_id", q.GymID.String(),
			"global_hits", len(global.Neighbors),
		)
		return e.run(ctx, vectorsql.TableGym, src, q)
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidQuery, q.Scope)
	}
}

func (e *Engine) run(ctx context.Context, table vectorsql.Table, src *Source, q Query) (*Result, error) {
	p := vectorsql.KNNParams{
		Table:     table,
		Vector:    src.Vector,
		Model:     src.Model,
		ExcludeID: q.SourceID,
		Limit:     vectorsql.ClampLimit(q.Limit),
	}
	if table == vectorsql.TableGym {
		p.GymID = q.GymID
	}
	if q.MinScore != nil {
		s := vectorsql.ClampMinScore(*q.MinScore)
		p.MinScore = &s
	}
	neighbors, err := e.index.Nearest(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("knn %s search: %w", table, err)
	}
	scope := ScopeGlobal
	if table == vectorsql.TableGym {
		scope = ScopeGym
	}
	if neighbors == nil {
		neighbors = []Neighbor{}
	}
	return &Result{Scope: scope, Neighbors: neighbors}, nil
}

func (q Query) validate() error {
	switch q.Scope {
	case ScopeGlobal:
	case ScopeGym, ScopeAuto:
		if q.GymID == nil {
			return fmt.Errorf("%w: scope %s", ErrGymIDRequired, q.Scope)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidQuery, q.Scope)
	}
	switch {
	case q.SourceID == nil && len(q.Vector) == 0:
		return fmt.Errorf("%w: source id or vector is required", ErrInvalidQuery)
	case q.SourceID != nil && len(q.Vector) > 0:
		return fmt.Errorf("%w: source id and vector are mutually exclusive", ErrInvalidQuery)
	case len(q.Vector) > 0 && q.Model == nil:
		return fmt.Errorf("%w: vector queries must name their model", ErrInvalidQuery)
	}
	return nil
}
