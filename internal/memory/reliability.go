package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/solacemind/coordination-core/internal/infra"
)

// ReliabilityWrapper оборачивает Retriever в рейт-лимитер, предохранитель
// и ретраи. Деградация memory-коллаборатора не должна каскадировать
// в фазу анализа: исчерпание бюджета — ошибка caller-у, он продолжает
// без контекста памяти.
type ReliabilityWrapper struct {
	next    Retriever
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(next Retriever, cfg infra.MemoryConfig) *ReliabilityWrapper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-retriever",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)

	return &ReliabilityWrapper{next: next, cb: cb, limiter: limiter}
}

func (w *ReliabilityWrapper) RetrieveRelevant(ctx context.Context, query, userID string, limit int, minSimilarity float64) ([]MemoryFragment, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var finalResult []MemoryFragment

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если коллаборатор вернул ThrottleError — уважаем его Retry-After
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var callErr error
			finalResult, callErr = w.next.RetrieveRelevant(tCtx, query, userID, limit, minSimilarity)
			return callErr
		})

		return finalResult, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.([]MemoryFragment), nil
}
