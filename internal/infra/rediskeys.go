package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "solace"
)

// Каналы Pub/Sub (события координации)
const (
	// RedisChanBroadcast — общий fan-out канал для кросс-агентных уведомлений.
	RedisChanBroadcast = RedisNamespace + ":coordination:broadcast"
	// RedisChanCrisis — канал кризисных алертов. Слушают все responder-агенты.
	RedisChanCrisis = RedisNamespace + ":crisis:alerts"
	// RedisChanCrisisFallback — резервный канал на случай недоставки в основной.
	RedisChanCrisisFallback = RedisNamespace + ":crisis:fallback"
	// RedisChanAgentStatus — канал статус-апдейтов агентов (heartbeat, load).
	RedisChanAgentStatus = RedisNamespace + ":agents:status"
)

// Шаблоны паттернов подписки
const (
	// PatternAgentResponses матчит ответы всех агентов одной координации.
	PatternAgentResponses = RedisNamespace + ":coordination:*:responses"
)

// Ключи состояния (Strings с TTL, Hash)
const (
	// RedisKeyAgentsHash — хэш дескрипторов агентов для warm-up реестра на старте.
	RedisKeyAgentsHash = RedisNamespace + ":agents:registry"
)

// AgentChannel возвращает приватный канал агента для адресных запросов.
func AgentChannel(agentID string) string {
	return fmt.Sprintf("%s:agents:%s:inbox", RedisNamespace, agentID)
}

// CoordinationResponseChannel — канал, в который агенты публикуют ответы координации.
func CoordinationResponseChannel(coordinationID string) string {
	return fmt.Sprintf("%s:coordination:%s:responses", RedisNamespace, coordinationID)
}

// StateKey — ключ recovery-снапшота координации.
func StateKey(coordinationID string) string {
	return fmt.Sprintf("%s:coordination:%s:state", RedisNamespace, coordinationID)
}

// RetainedKey — ключ retained-копии сообщения для replay при reconnect.
func RetainedKey(channel, correlationID string) string {
	return fmt.Sprintf("%s:retain:%s:%s", RedisNamespace, channel, correlationID)
}
