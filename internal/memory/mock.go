package memory

import (
	"context"
	"math/rand/v2"
	"time"
)

// MockRetriever — заглушка vector-стора для локальных прогонов и тестов.
type MockRetriever struct{}

func (m *MockRetriever) RetrieveRelevant(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]MemoryFragment, error) {
	// Имитируем задержку поиска 20-120мс
	latency := time.Duration(20+rand.IntN(100)) * time.Millisecond

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	fragments := []MemoryFragment{
		{ID: "m-1", Content: "user mentioned difficulty sleeping last week", Similarity: 0.91},
		{ID: "m-2", Content: "previous session focused on breathing exercises", Similarity: 0.84},
		{ID: "m-3", Content: "user responds well to grounding techniques", Similarity: 0.77},
	}

	out := fragments[:0:0]
	for _, f := range fragments {
		if f.Similarity >= minSimilarity {
			out = append(out, f)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
