package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/codec"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

// Handler обрабатывает доставленный конверт. Ошибка или паника хендлера
// ловится и логируется персонально — один падающий хендлер не блокирует
// доставку остальным подписчикам того же паттерна.
type Handler func(ctx context.Context, channel string, msg domain.Message) error

// connState — явная машина состояний подписки вместо ad hoc таймеров.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// patternSub — одна транспортная подписка на паттерн с подсчетом ссылок.
type patternSub struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	cancel   context.CancelFunc
}

func (ps *patternSub) snapshot() []Handler {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Handler, 0, len(ps.handlers))
	for _, h := range ps.handlers {
		out = append(out, h)
	}
	return out
}

// Subscribe регистрирует хендлер на паттерн каналов и возвращает функцию
// отписки. Транспортная подписка создается один раз на уникальный паттерн
// и снимается, когда отписался последний хендлер.
func (b *Bus) Subscribe(pattern string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, ErrBusClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.subs[pattern]
	if !ok {
		listenCtx, cancel := context.WithCancel(b.baseCtx)
		ps = &patternSub{handlers: make(map[int]Handler), cancel: cancel}
		b.subs[pattern] = ps
		go b.listenPattern(listenCtx, pattern, ps)
	}

	ps.mu.Lock()
	id := ps.nextID
	ps.nextID++
	ps.handlers[id] = handler
	ps.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			cur, ok := b.subs[pattern]
			if !ok || cur != ps {
				return
			}
			ps.mu.Lock()
			delete(ps.handlers, id)
			empty := len(ps.handlers) == 0
			ps.mu.Unlock()

			if empty {
				ps.cancel()
				delete(b.subs, pattern)
			}
		})
	}
	return unsubscribe, nil
}

// listenPattern — живучий цикл подписки: Disconnected -> Connecting -> Connected,
// экспоненциальный backoff между попытками, replay retained-сообщений после
// каждого успешного подключения.
func (b *Bus) listenPattern(ctx context.Context, pattern string, ps *patternSub) {
	state := b.metrics.SubscriberState.WithLabelValues(pattern)
	state.Set(float64(stateDisconnected))

	delay := b.cfg.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}

		state.Set(float64(stateConnecting))
		sub, err := b.transport.PSubscribe(ctx, pattern)
		if err != nil {
			state.Set(float64(stateDisconnected))
			b.logger.Error("failed to subscribe", zap.String("pattern", pattern), zap.Error(err))
			b.countError("subscribe")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > b.cfg.ReconnectMaxDelay {
				delay = b.cfg.ReconnectMaxDelay
			}
			continue
		}

		state.Set(float64(stateConnected))
		delay = b.cfg.ReconnectMinDelay

		// Доставляем retained-копии, пропущенные за время обрыва
		b.replayRetained(ctx, pattern, ps)

	loop:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case raw, ok := <-sub.Messages():
				if !ok {
					break loop // Канал закрыт транспортом, идем на переподключение
				}
				b.dispatch(ctx, raw, ps)
			}
		}

		sub.Close()
		state.Set(float64(stateDisconnected))
		b.logger.Warn("subscription lost, reconnecting", zap.String("pattern", pattern))
	}
}

// dispatch декодирует сырое сообщение и раздает его хендлерам паттерна.
// Битые и нерасшифровываемые сообщения дропаются с логом и счетчиком —
// они никогда не роняют слушателя.
func (b *Bus) dispatch(ctx context.Context, raw InboundRaw, ps *patternSub) {
	msg, err := b.codec.Decode(raw.Data)
	if err != nil {
		b.logger.Warn("dropping undecodable message",
			zap.String("channel", raw.Channel), zap.Error(err))
		if errors.Is(err, codec.ErrDecryptionFailed) {
			b.countError("decrypt")
		} else {
			b.countError("decode")
		}
		return
	}

	b.received.Add(1)
	b.metrics.ReceivedTotal.Inc()

	// Latency accounting: receiveTime - message.Timestamp
	if lat := time.Since(msg.Timestamp); lat > 0 {
		b.totalLatencyNs.Add(int64(lat))
		b.metrics.DeliveryLatency.Observe(lat.Seconds())
	}

	for _, h := range ps.snapshot() {
		b.safeInvoke(ctx, h, raw.Channel, msg)
	}
}

func (b *Bus) safeInvoke(ctx context.Context, h Handler, channel string, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("channel", channel),
				zap.String("correlation_id", msg.CorrelationID),
				zap.Any("panic", r))
			b.countError("handler")
		}
	}()

	if err := h(ctx, channel, msg); err != nil {
		b.logger.Warn("handler failed",
			zap.String("channel", channel),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
		b.countError("handler")
	}
}

// replayRetained сканирует retained-копии и передоставляет те, чей канал
// матчится на паттерн. Дубликаты безопасны: потребители отбрасывают их
// идемпотентно по lookup состояния сессии.
func (b *Bus) replayRetained(ctx context.Context, pattern string, ps *patternSub) {
	prefix := infra.RedisNamespace + ":retain:"
	keys, err := b.transport.ScanKeys(ctx, prefix)
	if err != nil {
		b.logger.Warn("retained scan failed", zap.String("pattern", pattern), zap.Error(err))
		return
	}

	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		// Формат: <channel>:<correlationID>; correlation id двоеточий не содержит
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			continue
		}
		channel := rest[:idx]
		if !matchChannel(pattern, channel) {
			continue
		}

		data, ok, err := b.transport.Get(ctx, key)
		if err != nil || !ok {
			continue // Истек между Scan и Get — это нормально
		}
		b.dispatch(ctx, InboundRaw{Channel: channel, Data: data}, ps)
	}
}
