package bus

/*
Файл bus.go реализует публикационную сторону координационной шины.

Ключевые особенности архитектуры:
- Batching & Efficiency: при batch_size > 1 публикации накапливаются в памяти
  и уходят одним pipelined-вызовом транспорта — по размеру пачки или по таймеру
  (flush_interval), что наступит раньше. Частичный сбой пачки виден как одна
  ошибка, а не тихая потеря подмножества.
- Ordering: одна воркер-горутина и FIFO-очередь сохраняют порядок публикаций
  одного издателя, флаш не переупорядочивает сообщения.
- Drain Pattern & Graceful Shutdown: Shutdown() запирает вход, ждет финальный
  флаш остатков очереди и только потом отпускает транспорт. Идемпотентен.
- Retention: каждое сообщение с TTLSeconds > 0 получает retained-копию в той же
  pipelined-операции — она живет до истечения TTL и используется для replay
  при reconnect подписчика.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/codec"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

// Bus — координационная шина: pub/sub с паттерн-подписками, батчинг,
// retention, health check и keyed-хранилище recovery-состояния.
// Соединения долгоживущие и разделяются всеми сессиями.
type Bus struct {
	transport Transport
	codec     *codec.Codec
	cfg       infra.BusConfig
	logger    *zap.Logger
	metrics   *Metrics

	queue    chan OutboundRaw
	wg       sync.WaitGroup
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
	stopOnce sync.Once

	mu   sync.RWMutex
	subs map[string]*patternSub

	baseCtx context.Context
	cancel  context.CancelFunc

	published       atomic.Int64
	received        atomic.Int64
	errorCount      atomic.Int64
	totalLatencyNs  atomic.Int64
	lastHealthCheck atomic.Int64 // unix nano
}

// New собирает шину и запускает воркер батчинга.
func New(transport Transport, c *codec.Codec, cfg infra.BusConfig, metrics *Metrics, logger *zap.Logger) *Bus {
	baseCtx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		transport: transport,
		codec:     c,
		cfg:       cfg,
		logger:    logger.Named("bus"),
		metrics:   metrics,
		queue:     make(chan OutboundRaw, 10000),
		subs:      make(map[string]*patternSub),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	if cfg.BatchSize > 1 {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Publish отправляет конверт в канал. В батч-режиме ставит в очередь,
// иначе шлет сразу с retry-бюджетом транспорта.
func (b *Bus) Publish(ctx context.Context, channel string, msg domain.Message) error {
	if atomic.LoadInt32(&b.isClosed) == 1 {
		return ErrBusClosed
	}

	wire, err := b.codec.Encode(msg)
	if err != nil {
		b.countError("encode")
		return err
	}

	item := OutboundRaw{Channel: channel, Data: wire}
	if msg.TTLSeconds > 0 {
		item.RetainKey = infra.RetainedKey(channel, msg.CorrelationID)
		item.RetainTTL = time.Duration(msg.TTLSeconds) * time.Second
	}

	if b.cfg.BatchSize > 1 {
		// Load Shedding: переполненная очередь — ошибка издателю, не блокировка
		select {
		case b.queue <- item:
			b.metrics.QueueFill.Set(float64(len(b.queue)))
			return nil
		default:
			b.countError("publish")
			return ErrQueueFull
		}
	}

	if err := b.flush(ctx, []OutboundRaw{item}); err != nil {
		return err
	}
	return nil
}

// Broadcast — convenience-публикация в общий fan-out канал
// (кросс-агентные уведомления, кризисные рассылки).
func (b *Bus) Broadcast(ctx context.Context, event domain.CoordinationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.Publish(ctx, infra.RedisChanBroadcast, domain.Message{
		Type:          domain.MessageBroadcast,
		CorrelationID: event.EventID,
		Payload:       payload,
		Timestamp:     time.Now(),
	})
}

// SendToAgent публикует в приватный канал агента (адресные запросы координации).
func (b *Bus) SendToAgent(ctx context.Context, agentID string, msg domain.Message) error {
	return b.Publish(ctx, infra.AgentChannel(agentID), msg)
}

// StoreState сохраняет opaque recovery-состояние вне pub/sub-пути.
// Политика шифрования та же, что у сообщений.
func (b *Bus) StoreState(ctx context.Context, coordinationID string, state []byte, ttl time.Duration) error {
	sealed, err := b.codec.Seal(state)
	if err != nil {
		return fmt.Errorf("seal state: %w", err)
	}
	if err := b.transport.Set(ctx, infra.StateKey(coordinationID), sealed, ttl); err != nil {
		b.countError("state")
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// GetState возвращает (nil, false, nil) для отсутствующего или истекшего ключа.
// Битое состояние (key mismatch и т.п.) логируется и считается отсутствующим —
// corrupted recovery state не должен ронять оркестратор.
func (b *Bus) GetState(ctx context.Context, coordinationID string) ([]byte, bool, error) {
	sealed, ok, err := b.transport.Get(ctx, infra.StateKey(coordinationID))
	if err != nil {
		b.countError("state")
		return nil, false, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if !ok {
		return nil, false, nil
	}

	plain, err := b.codec.Open(sealed)
	if err != nil {
		b.logger.Warn("stored state is unreadable, treating as absent",
			zap.String("coordination_id", coordinationID), zap.Error(err))
		b.countError("decrypt")
		return nil, false, nil
	}
	return plain, true, nil
}

// HealthCheck гоняет liveness-пробу транспорта. Никогда не паникует и не
// возвращает ошибку — только boolean.
func (b *Bus) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	if err := b.transport.Ping(probeCtx); err != nil {
		b.countError("health")
		b.logger.Warn("transport health check failed", zap.Error(err))
		return false
	}
	b.lastHealthCheck.Store(time.Now().UnixNano())
	return true
}

// GetPerformanceMetrics — снапшот счетчиков для внешнего мониторинга.
func (b *Bus) GetPerformanceMetrics() PerformanceMetrics {
	received := b.received.Load()
	total := time.Duration(b.totalLatencyNs.Load())

	var avg time.Duration
	if received > 0 {
		avg = total / time.Duration(received)
	}

	var lastHC time.Time
	if ns := b.lastHealthCheck.Load(); ns > 0 {
		lastHC = time.Unix(0, ns)
	}

	return PerformanceMetrics{
		MessagesPublished: b.published.Load(),
		MessagesReceived:  received,
		TotalLatency:      total,
		AvgLatency:        avg,
		ErrorCount:        b.errorCount.Load(),
		LastHealthCheck:   lastHC,
	}
}

// Shutdown запирает вход, флашит остатки очереди, снимает все подписки
// и отпускает транспорт. Повторные вызовы — no-op.
func (b *Bus) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() {
		atomic.StoreInt32(&b.isClosed, 1)

		// Даем крошечную паузу, чтобы текущие Publish успели проскочить
		time.Sleep(10 * time.Millisecond)

		if b.cfg.BatchSize > 1 {
			b.logger.Info("stopping bus: closing queue and flushing remainder...")
			close(b.queue)
			b.wg.Wait()
		}

		// Снимаем слушателей паттернов
		b.cancel()
		b.mu.Lock()
		b.subs = make(map[string]*patternSub)
		b.mu.Unlock()

		if err := b.transport.Close(); err != nil {
			b.logger.Warn("transport close failed", zap.Error(err))
		}
		b.logger.Info("bus stopped gracefully")
	})
}

// worker вычитывает очередь и флашит пачками.
// Завершение — исключительно через закрытие входного канала (Drain Pattern).
func (b *Bus) worker() {
	defer b.wg.Done()

	batch := make([]OutboundRaw, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
		if err := b.flush(ctx, batch); err != nil {
			b.logger.Error("batch flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
		b.metrics.QueueFill.Set(float64(len(b.queue)))
	}

	for {
		select {
		case item, ok := <-b.queue:
			if !ok {
				flush() // Финальный сброс
				b.logger.Info("bus worker finished")
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flush отправляет пачку одним pipelined-вызовом с retry-бюджетом транспорта.
func (b *Bus) flush(ctx context.Context, items []OutboundRaw) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(b.cfg.PublishRetries)),
	)
	err := r.Do(func() error {
		return b.transport.PublishBatch(ctx, items)
	})
	if err != nil {
		b.countError("publish")
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	b.published.Add(int64(len(items)))
	b.metrics.PublishedTotal.Add(float64(len(items)))
	b.metrics.FlushBatchSize.Observe(float64(len(items)))
	return nil
}

func (b *Bus) countError(kind string) {
	b.errorCount.Add(1)
	b.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
}
