package domain

import (
	"encoding/json"
	"time"
)

// MessageType определяет назначение сообщения на шине.
type MessageType string

const (
	MessageAgentRequest    MessageType = "agent_request"    // Адресный запрос агенту
	MessageAgentResponse   MessageType = "agent_response"   // Ответ агента оркестратору
	MessageStatusUpdate    MessageType = "status_update"    // Heartbeat / смена статуса агента
	MessageCrisisBroadcast MessageType = "crisis_broadcast" // Fan-out кризисного алерта
	MessageBroadcast       MessageType = "broadcast"        // Общие кросс-агентные уведомления
)

// Message — конверт любого события на шине. После публикации неизменяем.
// CorrelationID связывает цепочку request/response/handoff одной координации,
// TTLSeconds ограничивает срок хранения retained-копии для replay и аудита.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	TTLSeconds    int             `json:"ttl_seconds"`
}

// Valid проверяет минимальную схему конверта.
// Пустой тип или нулевой таймстемп — признак битого сообщения.
func (m *Message) Valid() bool {
	return m.Type != "" && m.CorrelationID != "" && !m.Timestamp.IsZero()
}

// AgentRequest — полезная нагрузка адресного запроса агенту (фаза координации).
type AgentRequest struct {
	SessionID      string   `json:"session_id"`
	CoordinationID string   `json:"coordination_id"`
	Phase          string   `json:"phase"`
	UserInput      string   `json:"user_input"`
	MemoryContext  []string `json:"memory_context,omitempty"` // Релевантные фрагменты памяти
	ReplyChannel   string   `json:"reply_channel"`
}

// AgentResponse — ответ агента: свободный контент + уверенность + риск-сигнал.
type AgentResponse struct {
	AgentID        string    `json:"agent_id"`
	CoordinationID string    `json:"coordination_id"`
	Phase          string    `json:"phase"`
	EventType      EventType `json:"event_type"`
	Confidence     float64   `json:"confidence"` // [0,1]
	Content        string    `json:"content"`
	RiskScore      float64   `json:"risk_score,omitempty"` // [0,1], для crisis-детекции
	TriggerFactors []string  `json:"trigger_factors,omitempty"`
}
