package orchestrator

import (
	"strings"

	"github.com/solacemind/coordination-core/internal/domain"
)

// Request — входящий пользовательский ход, требующий координации.
// CoordinationID непустой при клиентском ретрае: оркестратор поднимет
// recovery-снапшот вместо старта с нуля.
type Request struct {
	SessionID      string
	CoordinationID string
	UserID         string
	Input          string
	Urgent         bool // Явный флаг срочности от вызывающего слоя
}

// crisisMarkers — дешевая преклассификация срочности. Это только
// pre-emptive путь: реактивный сигнал агента (crisis_detected) всегда
// перевешивает, он опирается на более богатый анализ.
var crisisMarkers = []string{
	"suicide",
	"kill myself",
	"end my life",
	"self-harm",
	"hurt myself",
	"want to die",
}

// selectStrategy выбирает стратегию координации по сигналам срочности запроса.
func selectStrategy(req Request) domain.Strategy {
	if req.Urgent {
		return domain.StrategyCrisis
	}

	lower := strings.ToLower(req.Input)
	for _, marker := range crisisMarkers {
		if strings.Contains(lower, marker) {
			return domain.StrategyCrisis
		}
	}

	// Короткие реплики без вопроса не стоят оверхеда полной координации
	if len(req.Input) < 24 && !strings.Contains(req.Input, "?") {
		return domain.StrategyLight
	}

	return domain.StrategyStandard
}
