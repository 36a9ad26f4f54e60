package bus

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboundRaw — сырое сообщение из транспорта до декодирования.
type InboundRaw struct {
	Channel string
	Data    []byte
}

// OutboundRaw — закодированное сообщение в очереди на публикацию.
type OutboundRaw struct {
	Channel string
	Data    []byte

	// RetainKey/RetainTTL непустые, когда нужна retained-копия для replay.
	RetainKey string
	RetainTTL time.Duration
}

// Subscription — активная подписка транспорта на паттерн каналов.
// Закрытие канала Messages() означает обрыв соединения: слушатель
// обязан переподписаться сам.
type Subscription interface {
	Messages() <-chan InboundRaw
	Close() error
}

// Transport — узкий контракт нижележащего хранилища шины:
// pub/sub + key-value с TTL + ping. Реализация взаимозаменяема,
// шина не знает ничего про конкретный стор.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// PublishBatch отправляет пачку одним pipelined-вызовом:
	// частичный сбой виден как одна ошибка, а не тихая потеря подмножества.
	PublishBatch(ctx context.Context, items []OutboundRaw) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get возвращает (nil, false, nil) для отсутствующего или истекшего ключа.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// RedisTransport — боевая реализация поверх go-redis.
type RedisTransport struct {
	rdb *redis.Client
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.rdb.Publish(ctx, channel, data).Err()
}

func (t *RedisTransport) PublishBatch(ctx context.Context, items []OutboundRaw) error {
	pipe := t.rdb.Pipeline()
	for _, it := range items {
		pipe.Publish(ctx, it.Channel, it.Data)
		if it.RetainKey != "" {
			pipe.Set(ctx, it.RetainKey, it.Data, it.RetainTTL)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTransport) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := t.rdb.PSubscribe(ctx, pattern)

	// Проверка успешности подписки до того, как отдадим канал наружу
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, out: make(chan InboundRaw)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan InboundRaw
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- InboundRaw{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan InboundRaw { return s.out }
func (s *redisSubscription) Close() error                { return s.pubsub.Close() }

func (t *RedisTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.rdb.Set(ctx, key, value, ttl).Err()
}

func (t *RedisTransport) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := t.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *RedisTransport) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := t.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (t *RedisTransport) HSet(ctx context.Context, key, field string, value []byte) error {
	return t.rdb.HSet(ctx, key, field, value).Err()
}

func (t *RedisTransport) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return t.rdb.HGetAll(ctx, key).Result()
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}

// matchChannel — glob-матчинг канала против паттерна подписки ('*' как в Redis).
func matchChannel(pattern, channel string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == channel
	}

	if !strings.HasPrefix(channel, parts[0]) {
		return false
	}
	channel = channel[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(channel, parts[i])
		if idx < 0 {
			return false
		}
		channel = channel[idx+len(parts[i]):]
	}

	return strings.HasSuffix(channel, parts[len(parts)-1])
}
