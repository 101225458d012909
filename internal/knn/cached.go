package knn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/cache"
)

// CachedSearcher memoises searches by stored source id in the cache for a
// short TTL. Raw vector queries always go to the inner searcher.
type CachedSearcher struct {
	inner Searcher
	cache cache.Cache
	ttl   time.Duration
}

var _ Searcher = (*CachedSearcher)(nil)

func NewCachedSearcher(inner Searcher, c cache.Cache, ttl time.Duration) *CachedSearcher {
	return &CachedSearcher{inner: inner, cache: c, ttl: ttl}
}

func (s *CachedSearcher) Search(ctx context.Context, q Query) (*Result, error) {
	if q.SourceID == nil || s.ttl <= 0 {
		return s.inner.Search(ctx, q)
	}
	key := cache.KNNResultKey(*q.SourceID, queryHash(q))

	if data, ok, err := s.cache.Get(ctx, key); err != nil {
		slog.Warn("knn cache read failed", "key", key, "error", err)
	} else if ok {
		var res Result
		if err := json.Unmarshal(data, &res); err == nil {
			return &res, nil
		}
	}

	res, err := s.inner.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(res); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			slog.Warn("knn cache write failed", "key", key, "error", err)
		}
	}
	return res, nil
}

func queryHash(q Query) string {
	gym := ""
	if q.GymID != nil {
		gym = q.GymID.String()
	}
	minScore := "-"
	if q.MinScore != nil {
		minScore = fmt.Sprintf("%.4f", *q.MinScore)
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", q.Scope, gym, q.Limit, minScore)))
	return hex.EncodeToString(h[:8])
}
