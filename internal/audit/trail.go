package audit

/*
Файл trail.go реализует сборщик audit trail координационного ядра.

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят из hot path оркестратора и crisis-машины
  через неблокирующий канал — задержки записи в БД не влияют на время ответа.
- Batching & Efficiency: накопление событий в памяти и пакетная запись
  (Bulk Insert) в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается полностью,
  финальный flush гарантирует отсутствие потерь при перезагрузке.
- Reliability: воркер изолирован от основного контекста — завершающие операции
  идут на context.Background.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются записи trail.
type StorageInterface interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, events []TrailEvent) error
}

// Recorder — то, что видят оркестратор и crisis-машина.
type Recorder interface {
	Record(event TrailEvent)
}

type Trail struct {
	ch     chan TrailEvent
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup
	// Защита от записи после остановки
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewTrail(repo StorageInterface, logger *zap.Logger) *Trail {
	return &Trail{
		ch:     make(chan TrailEvent, 10000),
		repo:   repo,
		logger: logger.With(zap.String("mod", "trail")),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Даем крошечную паузу, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("trail stopped gracefully")
}

func (t *Trail) Record(event TrailEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("trail event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении буфера событие уходит в обычный лог,
	// чтобы данные не терялись совсем
	select {
	case t.ch <- event:
	default:
		t.logger.Error("trail_buffer_overflow",
			zap.String("session_id", event.SessionID),
			zap.String("coordination_id", event.CoordinationID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]TrailEvent, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("trail flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush, выход
				flush()
				t.logger.Info("trail worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// NopRecorder — заглушка для тестов и деплоев без Postgres.
type NopRecorder struct{}

func (NopRecorder) Record(TrailEvent) {}
