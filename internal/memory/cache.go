package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedRetriever — read-through L1 кэш поверх Retriever.
// Одинаковые запросы внутри одной сессии не долбят vector-стор повторно.
type CachedRetriever struct {
	next Retriever
	c    *ristretto.Cache[string, []byte]
	ttl  time.Duration
}

func NewCachedRetriever(next Retriever, ttl time.Duration) (*CachedRetriever, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10000,
		MaxCost:     1 << 24, // 16 MiB закэшированных фрагментов
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedRetriever{next: next, c: c, ttl: ttl}, nil
}

func (r *CachedRetriever) RetrieveRelevant(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]MemoryFragment, error) {
	key := fmt.Sprintf("%s|%s|%d|%.2f", userID, query, limit, minSimilarity)

	if raw, found := r.c.Get(key); found {
		var cached []MemoryFragment
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	fragments, err := r.next.RetrieveRelevant(ctx, query, userID, limit, minSimilarity)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(fragments); err == nil {
		r.c.SetWithTTL(key, raw, int64(len(raw)), r.ttl)
	}
	return fragments, nil
}

func (r *CachedRetriever) Close() {
	r.c.Close()
}
