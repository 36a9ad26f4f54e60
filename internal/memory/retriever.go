package memory

import (
	"context"
	"fmt"
	"time"
)

// MemoryFragment — один релевантный фрагмент из vector-стора.
type MemoryFragment struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"` // [0,1]
	CreatedAt  time.Time `json:"created_at"`
}

// Retriever — единственный контракт к memory/vector-search коллаборатору.
// Ядро только читает, никогда не пишет.
type Retriever interface {
	RetrieveRelevant(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]MemoryFragment, error)
}

// ThrottleError — коллаборатор просит притормозить (вычитанный Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}
