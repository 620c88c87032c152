package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orquesta/settlement/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for sellers and derived balances. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// Inside a transaction reads bypass the cache and invalidations are deferred
// until the outermost transaction commits.
type CachedStore struct {
	Store
	rdb   *redis.Client
	ttl   time.Duration
	dirty *[]string // non-nil while bound to a transaction
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.dirty != nil {
		return fn(s)
	}
	var dirty []string
	err := s.Store.WithTx(ctx, func(tx Store) error {
		return fn(&CachedStore{Store: tx, rdb: s.rdb, ttl: s.ttl, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, dirty...)
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	n, err := s.Store.AppendLedgerEntries(ctx, entries)
	if err != nil {
		return n, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.SellerID != "" {
			keys = append(keys, balanceKey(e.ProjectID, e.SellerID, e.Currency))
		}
	}
	s.markDirty(ctx, keys...)
	return n, nil
}

func (s *CachedStore) UpdateSellerRiskTier(ctx context.Context, projectID, id string, tier model.RiskTier) error {
	if err := s.Store.UpdateSellerRiskTier(ctx, projectID, id, tier); err != nil {
		return err
	}
	s.markDirty(ctx, sellerKey(projectID, id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSeller(ctx context.Context, projectID, id string) (*model.Seller, error) {
	if s.dirty != nil {
		return s.Store.GetSeller(ctx, projectID, id)
	}
	data, err := s.rdb.Get(ctx, sellerKey(projectID, id)).Bytes()
	if err == nil {
		var sl model.Seller
		if json.Unmarshal(data, &sl) == nil {
			return &sl, nil
		}
	}

	// Cache miss: read from primary.
	sl, err := s.Store.GetSeller(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(sl); err == nil {
		s.rdb.Set(ctx, sellerKey(projectID, id), data, s.ttl)
	}
	return sl, nil
}

func (s *CachedStore) GetSellerBalance(ctx context.Context, projectID, sellerID string, cur model.Currency) (int64, error) {
	if s.dirty != nil {
		return s.Store.GetSellerBalance(ctx, projectID, sellerID, cur)
	}
	key := balanceKey(projectID, sellerID, cur)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if bal, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			return bal, nil
		}
	}

	bal, err := s.Store.GetSellerBalance(ctx, projectID, sellerID, cur)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, key, strconv.FormatInt(bal, 10), s.ttl)
	return bal, nil
}

// --- Cache helpers ---

func (s *CachedStore) markDirty(ctx context.Context, keys ...string) {
	if s.dirty != nil {
		*s.dirty = append(*s.dirty, keys...)
		return
	}
	s.invalidate(ctx, keys...)
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.rdb.Del(ctx, keys...)
}

func sellerKey(projectID, id string) string { return fmt.Sprintf("seller:%s:%s", projectID, id) }
func balanceKey(projectID, sellerID string, cur model.Currency) string {
	return fmt.Sprintf("balance:%s:%s:%s", projectID, sellerID, cur)
}
