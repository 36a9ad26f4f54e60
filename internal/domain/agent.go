package domain

import "time"

type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentProcessing   AgentStatus = "processing"
	AgentCoordinating AgentStatus = "coordinating"
	AgentFailed       AgentStatus = "failed"
	AgentOffline      AgentStatus = "offline" // Агенты не удаляются, только помечаются offline
)

// AgentPerformance — наблюдаемые показатели агента для ранжирования.
type AgentPerformance struct {
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"` // [0,1]
	LastHealthCheck time.Time     `json:"last_health_check"`
}

// AgentDescriptor — запись реестра об агенте. Владелец — Agent Registry,
// мутации только через status-update сообщения и health-check результаты.
type AgentDescriptor struct {
	AgentID      string           `json:"agent_id"`
	Type         string           `json:"type"` // emotion, crisis, advice, memory...
	Status       AgentStatus      `json:"status"`
	Capabilities []string         `json:"capabilities"`
	Performance  AgentPerformance `json:"performance"`
	Load         int              `json:"load"` // Текущее число обрабатываемых запросов
	LastActivity time.Time        `json:"last_activity"`
}

// HasCapability проверяет наличие возможности у агента.
func (d *AgentDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentStatusMessage — полезная нагрузка status-update сообщения на шине.
type AgentStatusMessage struct {
	AgentID string       `json:"agent_id"`
	Update  StatusUpdate `json:"update"`
}

// StatusUpdate — частичное обновление дескриптора. Мерж идет по полям
// (last-write-wins per field), nil-поля не трогают текущее значение —
// это защищает от lost update при конкурентных апдейтах от разных агентов.
type StatusUpdate struct {
	Status          *AgentStatus   `json:"status,omitempty"`
	Type            *string        `json:"type,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	Load            *int           `json:"load,omitempty"`
	AvgResponseTime *time.Duration `json:"avg_response_time,omitempty"`
	SuccessRate     *float64       `json:"success_rate,omitempty"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
}
