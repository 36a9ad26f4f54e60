package audit

import "time"

// TrailKind — категория записи audit trail.
type TrailKind string

const (
	KindCoordinationEvent TrailKind = "coordination_event" // Событие между агентами
	KindSessionTransition TrailKind = "session_transition" // Смена статуса сессии
	KindCrisisTransition  TrailKind = "crisis_transition"  // Смена статуса алерта
)

// TrailEvent — одна запись аудита координационного ядра.
// Trail append-only: записи не изменяются и не удаляются.
type TrailEvent struct {
	ID             string    `json:"id"`              // UUID записи
	SessionID      string    `json:"session_id"`      // Какая сессия
	CoordinationID string    `json:"coordination_id"` // Сквозной ID координации
	Kind           TrailKind `json:"kind"`

	EventType   string `json:"event_type"`   // handoff, crisis_detected, fallback...
	SourceAgent string `json:"source_agent"` // Кто породил
	TargetAgent string `json:"target_agent"`
	Priority    string `json:"priority"`

	// Переходы статусов (session_transition / crisis_transition)
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
