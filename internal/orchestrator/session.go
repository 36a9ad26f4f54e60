package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solacemind/coordination-core/internal/domain"
)

// session — живое состояние одной координации. Владелец — оркестратор,
// один логический поток управления на сессию; respCh — единственная точка
// входа ответов агентов (их раскладывает общий подписчик шины).
type session struct {
	mu sync.Mutex

	state  domain.CoordinationSession
	userID string

	respCh chan domain.AgentResponse
	cancel func()

	results []domain.AgentResult
	seen    map[string]bool // агенты, чей ответ уже принят (дедуп)

	// Результаты фазы, поднятые из recovery-снапшота: входят в синтез
	// как есть, их агенты не передиспатчиваются
	recovered      []domain.AgentResult
	recoveredPhase string

	terminal bool // ровно один терминальный переход
}

func newSession(sessionID, userID string, strategy domain.Strategy) *session {
	return &session{
		state: domain.CoordinationSession{
			SessionID:      sessionID,
			CoordinationID: uuid.NewString(),
			Strategy:       strategy,
			Status:         domain.SessionPending,
			StartTime:      time.Now(),
		},
		userID: userID,
		respCh: make(chan domain.AgentResponse, 16),
		seen:   make(map[string]bool),
	}
}

// deliver передает ответ агента в сессию. Возвращает false, если сессия
// уже завершена или ответ-дубликат — такие отбрасываются идемпотентно.
func (s *session) deliver(resp domain.AgentResponse) bool {
	key := resp.AgentID + ":" + resp.Phase
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.seen[key] {
		return false
	}

	select {
	case s.respCh <- resp:
		// Принятым ответ считается только после успешной отправки:
		// потерянный на переполнении канал ответ остается переотправляемым
		s.seen[key] = true
		return true
	default:
		return false
	}
}

// takeRecovered отдает (одноразово) результаты фазы, восстановленные из
// снапшота. Собранный до рестарта ответ не запрашивается заново и не
// считается fallback-ом.
func (s *session) takeRecovered(phase string) []domain.AgentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phase != s.recoveredPhase || len(s.recovered) == 0 {
		return nil
	}
	out := s.recovered
	s.recovered = nil
	return out
}

// appendEvent добавляет событие в append-only журнал сессии.
func (s *session) appendEvent(ev domain.CoordinationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Events = append(s.state.Events, ev)
}

// finish выполняет терминальный переход. Возвращает false, если сессия
// уже была завершена: Completed/Failed/Escalated взаимоисключающие
// и финальные, второй переход невозможен.
func (s *session) finish(status domain.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	s.terminal = true
	s.state.Status = status
	s.state.Metrics.Duration = time.Since(s.state.StartTime)
	return true
}

func (s *session) snapshot(phase string) domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSnapshot{
		SessionID:      s.state.SessionID,
		CoordinationID: s.state.CoordinationID,
		Strategy:       s.state.Strategy,
		Status:         s.state.Status,
		Phase:          phase,
		Participants:   append([]string(nil), s.state.Participants...),
		PartialResults: append([]domain.AgentResult(nil), s.results...),
	}
}
