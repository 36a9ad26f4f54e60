package domain

import "time"

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"  // Терминальный
	AlertEscalated    AlertStatus = "escalated" // Терминальный
)

// Terminal сообщает, закрыт ли алерт.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertEscalated
}

// CrisisAlert — кризисный алерт. Никогда не дропается молча: каждый алерт
// обязан дойти до resolved/escalated явным переходом статуса, иначе
// watchdog поднимет операционную тревогу AlertDeadlineExceeded.
type CrisisAlert struct {
	AlertID          string      `json:"alert_id"`
	SessionID        string      `json:"session_id"`
	RiskLevel        float64     `json:"risk_level"` // [0,1]
	TriggerFactors   []string    `json:"trigger_factors"`
	DetectedAt       time.Time   `json:"detected_at"`
	Status           AlertStatus `json:"status"`
	AssignedAgent    string      `json:"assigned_agent,omitempty"`
	InterventionPlan []string    `json:"intervention_plan,omitempty"`
}
