package crisis

import (
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/domain"
)

// Detector решает, квалифицируется ли сигнал как кризис.
// Два пути: явный eventType=crisis_detected от агента и риск-скор
// выше порога. Реактивный сигнал всегда важнее преклассификации запроса —
// он опирается на более богатый анализ агента.
type Detector struct {
	threshold float64
	logger    *zap.Logger
}

func NewDetector(threshold float64, logger *zap.Logger) *Detector {
	return &Detector{threshold: threshold, logger: logger.Named("detector")}
}

// AssessResponse оценивает ответ агента. Возвращает (кризис?, риск, факторы).
func (d *Detector) AssessResponse(resp domain.AgentResponse) (bool, float64, []string) {
	if resp.EventType == domain.EventCrisisDetected {
		risk := resp.RiskScore
		if risk < d.threshold {
			// Явному сигналу агента верим даже без скора
			risk = d.threshold
		}
		return true, risk, resp.TriggerFactors
	}

	if resp.RiskScore >= d.threshold {
		d.logger.Warn("RISK THRESHOLD EXCEEDED",
			zap.String("agent_id", resp.AgentID),
			zap.Float64("risk", resp.RiskScore),
			zap.Float64("threshold", d.threshold),
		)
		return true, resp.RiskScore, resp.TriggerFactors
	}

	return false, resp.RiskScore, nil
}

// AssessEvent оценивает координационное событие (путь для событий,
// пришедших не как прямой ответ агента, а через шину).
func (d *Detector) AssessEvent(ev domain.CoordinationEvent) (bool, float64, []string) {
	if ev.EventType == domain.EventCrisisDetected {
		if ev.Context.Kind == domain.ContextRisk && ev.Context.Risk != nil {
			return true, ev.Context.Risk.Score, ev.Context.Risk.TriggerFactors
		}
		return true, d.threshold, nil
	}

	if ev.Context.Kind == domain.ContextRisk && ev.Context.Risk != nil && ev.Context.Risk.Score >= d.threshold {
		return true, ev.Context.Risk.Score, ev.Context.Risk.TriggerFactors
	}

	return false, 0, nil
}
