package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/domain"
)

// StateBus — кусок контракта шины, нужный хранилищу recovery-состояния.
type StateBus interface {
	StoreState(ctx context.Context, coordinationID string, state []byte, ttl time.Duration) error
	GetState(ctx context.Context, coordinationID string) ([]byte, bool, error)
}

// Store — keyed-персистентность снапшотов координации для восстановления
// после креша. Снапшот пишется ДО того, как фаза считается durably
// "in progress" — креш посреди фазы резюмируется или явно фейлится,
// но не остается в неопределенности.
type Store struct {
	bus    StateBus
	logger *zap.Logger
}

func NewStore(bus StateBus, logger *zap.Logger) *Store {
	return &Store{bus: bus, logger: logger.Named("recovery")}
}

// Put сохраняет снапшот с TTL.
func (s *Store) Put(ctx context.Context, coordinationID string, snap domain.SessionSnapshot, ttl time.Duration) error {
	snap.UpdatedAt = time.Now()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.bus.StoreState(ctx, coordinationID, raw, ttl)
}

// Get возвращает (zero, false, nil) для отсутствующего или истекшего ключа —
// caller трактует отсутствие как "start fresh", никогда как фатальную ошибку.
// Битый снапшот логируется и тоже считается отсутствующим.
func (s *Store) Get(ctx context.Context, coordinationID string) (domain.SessionSnapshot, bool, error) {
	raw, ok, err := s.bus.GetState(ctx, coordinationID)
	if err != nil {
		return domain.SessionSnapshot{}, false, err
	}
	if !ok {
		return domain.SessionSnapshot{}, false, nil
	}

	var snap domain.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("corrupted recovery snapshot, treating as absent",
			zap.String("coordination_id", coordinationID), zap.Error(err))
		return domain.SessionSnapshot{}, false, nil
	}
	return snap, true, nil
}
