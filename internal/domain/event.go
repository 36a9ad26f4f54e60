package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventHandoff           EventType = "handoff"
	EventCollaboration     EventType = "collaboration"
	EventEscalation        EventType = "escalation"
	EventFallback          EventType = "fallback"
	EventCrisisDetected    EventType = "crisis_detected"
	EventContextAdaptation EventType = "context_adaptation"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ContextKind — дискриминатор tagged union контекста события.
type ContextKind string

const (
	ContextRisk       ContextKind = "risk"
	ContextHandoff    ContextKind = "handoff"
	ContextAdaptation ContextKind = "adaptation"
	ContextOpaque     ContextKind = "opaque" // Forward compatibility: неизвестные варианты
)

// RiskContext — риск-сигнал, питает crisis-детекцию.
type RiskContext struct {
	Score          float64  `json:"score"` // [0,1]
	TriggerFactors []string `json:"trigger_factors,omitempty"`
}

// HandoffContext — передача работы между агентами.
type HandoffContext struct {
	Reason  string `json:"reason"`
	Payload string `json:"payload,omitempty"`
}

// AdaptationContext — подстройка стиля/контекста по ходу сессии.
type AdaptationContext struct {
	Hint string `json:"hint"`
}

// EventContext — типизированный контекст вместо нетипизированного блоба.
// Ровно один вариант заполнен в соответствии с Kind; Opaque принимает
// все, что ядро не умеет интерпретировать, не роняя decode.
type EventContext struct {
	Kind       ContextKind        `json:"kind"`
	Risk       *RiskContext       `json:"risk,omitempty"`
	Handoff    *HandoffContext    `json:"handoff,omitempty"`
	Adaptation *AdaptationContext `json:"adaptation,omitempty"`
	Opaque     json.RawMessage    `json:"opaque,omitempty"`
}

// CoordinationEvent — append-only событие координации, упорядочено по
// таймстемпу внутри сессии. Двигает и прогресс оркестрации, и crisis-детекцию.
type CoordinationEvent struct {
	EventID     string       `json:"event_id"`
	Timestamp   time.Time    `json:"timestamp"`
	SourceAgent string       `json:"source_agent"`
	TargetAgent string       `json:"target_agent,omitempty"`
	EventType   EventType    `json:"event_type"`
	Priority    Priority     `json:"priority"`
	Context     EventContext `json:"context"`
}
