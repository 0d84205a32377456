package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/port/cache"
	"github.com/craftplan/craftplan/internal/port/database"
)

// CostService serves per-user cost aggregates.
type CostService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCostService wires the cost read side. cache may be nil.
func NewCostService(store database.Store, c cache.Cache, ttl time.Duration) *CostService {
	return &CostService{store: store, cache: c, ttl: ttl}
}

// SummaryByUser aggregates billed cost and token totals across all of a
// user's runs. The aggregate is computed in the store; this layer only
// caches it briefly.
func (s *CostService) SummaryByUser(ctx context.Context, userID string) (*cost.UserSummary, error) {
	key := "costs:user:" + userID
	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, key); ok {
			var sum cost.UserSummary
			if err := json.Unmarshal(data, &sum); err == nil {
				return &sum, nil
			}
		}
	}
	sum, err := s.store.CostSummaryByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(sum); err == nil {
			_ = s.cache.Set(ctx, key, data, s.ttl)
		}
	}
	return sum, nil
}
