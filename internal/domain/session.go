package domain

import "time"

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed" // Терминальный
	SessionFailed    SessionStatus = "failed"    // Терминальный
	SessionEscalated SessionStatus = "escalated" // Терминальный
)

// Terminal сообщает, является ли статус конечным.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionEscalated
}

// Strategy — стратегия координации, выбирается по срочности запроса.
type Strategy string

const (
	StrategyLight    Strategy = "light"    // Один агент, без оверхеда координации
	StrategyStandard Strategy = "standard" // Параллельный анализ + синтез
	StrategyCrisis   Strategy = "crisis"   // Прямая эскалация + best-effort поддержка
	StrategyDeep     Strategy = "deep"     // Дополнительный раунд при низкой уверенности
)

// SessionMetrics — накапливаемые метрики одной координации.
type SessionMetrics struct {
	DispatchedAgents int           `json:"dispatched_agents"`
	RespondedAgents  int           `json:"responded_agents"`
	FallbackCount    int           `json:"fallback_count"`
	Duration         time.Duration `json:"duration"`
}

// CoordinationSession — сессия координации. Владелец — исключительно
// оркестратор; шина и state store лишь переносят/хранят ее снапшоты.
type CoordinationSession struct {
	SessionID      string              `json:"session_id"`
	CoordinationID string              `json:"coordination_id"`
	Strategy       Strategy            `json:"strategy"`
	Participants   []string            `json:"participants"`
	Status         SessionStatus       `json:"status"`
	StartTime      time.Time           `json:"start_time"`
	Events         []CoordinationEvent `json:"events"`
	Metrics        SessionMetrics      `json:"metrics"`
}

// AgentResult — использованный в синтезе результат одного агента.
type AgentResult struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Content    string  `json:"content"`
}

// SynthesisResult — итоговый ответ координации.
type SynthesisResult struct {
	Content    string        `json:"content"`
	Confidence float64       `json:"confidence"`
	Degraded   bool          `json:"degraded"` // Был fallback или частичный отказ
	Status     SessionStatus `json:"status"`
	Resources  []string      `json:"resources,omitempty"` // Экстренные ресурсы при эскалации
}

// SessionSnapshot — recovery-состояние координации, достаточное для резюма
// оркестрации после креша: участники, текущая фаза, частичные результаты.
type SessionSnapshot struct {
	SessionID      string        `json:"session_id"`
	CoordinationID string        `json:"coordination_id"`
	Strategy       Strategy      `json:"strategy"`
	Status         SessionStatus `json:"status"`
	Phase          string        `json:"phase"`
	Participants   []string      `json:"participants"`
	PartialResults []AgentResult `json:"partial_results,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
