package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/audit"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

// ErrUnknownAlert — переход для несуществующего алерта.
var ErrUnknownAlert = errors.New("unknown alert")

// ErrAlertClosed — попытка перехода из терминального статуса.
var ErrAlertClosed = errors.New("alert already terminal")

// AlertStore — персистентность алертов (Postgres).
type AlertStore interface {
	Insert(ctx context.Context, a domain.CrisisAlert) error
	UpdateStatus(ctx context.Context, a domain.CrisisAlert) error
	LoadOpen(ctx context.Context) ([]domain.CrisisAlert, error)
}

// Broadcaster — срез шины, нужный crisis-машине.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, msg domain.Message) error
}

// AgentSelector — срез реестра для назначения responder-агента.
type AgentSelector interface {
	SelectAgents(capabilities []string, count int) []domain.AgentDescriptor
}

// machineState — состояние эскалации одного алерта.
type machineState int

const (
	stDetected machineState = iota
	stAlerted
	stInterventionPlanned
	stClosed
)

type trackedAlert struct {
	alert    domain.CrisisAlert
	state    machineState
	deadline time.Time
	alarmed  bool // AlertDeadlineExceeded уже поднят
}

// Engine — машина кризисной эскалации:
// Idle -> Detected -> Alerted -> InterventionPlanned -> Resolved | Escalated.
// Работает параллельно с синтезом ответа оркестратора и никогда его не блокирует.
// Ошибки на crisis-пути не деградируют в тихий отказ: недоставленный алерт
// эскалируется через резервный канал.
type Engine struct {
	mu     sync.Mutex
	alerts map[string]*trackedAlert

	detector *Detector
	bus      Broadcaster
	store    AlertStore
	registry AgentSelector
	trail    audit.Recorder
	metrics  *Metrics
	cfg      infra.CrisisConfig
	logger   *zap.Logger
}

func NewEngine(
	detector *Detector,
	bus Broadcaster,
	store AlertStore,
	registry AgentSelector,
	trail audit.Recorder,
	metrics *Metrics,
	cfg infra.CrisisConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		alerts:   make(map[string]*trackedAlert),
		detector: detector,
		bus:      bus,
		store:    store,
		registry: registry,
		trail:    trail,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.Named("crisis"),
	}
}

// Restore поднимает незакрытые алерты из БД после рестарта,
// чтобы их дедлайны не потерялись вместе с процессом.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.store.LoadOpen(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range open {
		e.alerts[a.AlertID] = &trackedAlert{
			alert:    a,
			state:    stAlerted,
			deadline: a.DetectedAt.Add(e.cfg.AlertDeadline),
		}
		e.metrics.ActiveAlerts.Inc()
	}
	if len(open) > 0 {
		e.logger.Info("restored open crisis alerts", zap.Int("count", len(open)))
	}
	return nil
}

// HandleResponse пропускает ответ агента через детектор и при кризисе
// немедленно создает алерт — независимо от фазового таймаута оркестратора.
func (e *Engine) HandleResponse(ctx context.Context, sessionID string, resp domain.AgentResponse) (*domain.CrisisAlert, error) {
	isCrisis, risk, factors := e.detector.AssessResponse(resp)
	if !isCrisis {
		return nil, nil
	}
	return e.raise(ctx, sessionID, risk, factors, resp.AgentID)
}

// HandleEvent — тот же путь для координационных событий с шины.
func (e *Engine) HandleEvent(ctx context.Context, sessionID string, ev domain.CoordinationEvent) (*domain.CrisisAlert, error) {
	isCrisis, risk, factors := e.detector.AssessEvent(ev)
	if !isCrisis {
		return nil, nil
	}
	return e.raise(ctx, sessionID, risk, factors, ev.SourceAgent)
}

// raise — Detected: алерт создается со status=active; responder и план
// прикладываются ДО публикации в трекинг-мапу. Как только алерт ушел в
// broadcast, его статус могут конкурентно менять Acknowledge/Resolve,
// поэтому после вставки raise работает только с локальной копией.
func (e *Engine) raise(ctx context.Context, sessionID string, risk float64, factors []string, sourceAgent string) (*domain.CrisisAlert, error) {
	alert := domain.CrisisAlert{
		AlertID:        uuid.NewString(),
		SessionID:      sessionID,
		RiskLevel:      risk,
		TriggerFactors: factors,
		DetectedAt:     time.Now(),
		Status:         domain.AlertActive,
	}

	// Назначаем responder-а по возможности
	if responders := e.registry.SelectAgents([]string{"crisis_response"}, 1); len(responders) > 0 {
		alert.AssignedAgent = responders[0].AgentID
	} else {
		e.logger.Warn("no crisis responder available", zap.String("alert_id", alert.AlertID))
	}

	// InterventionPlanned: план не блокирует синтез ответа оркестратором
	alert.InterventionPlan = e.buildInterventionPlan(alert.RiskLevel)

	e.mu.Lock()
	e.alerts[alert.AlertID] = &trackedAlert{
		alert:    alert,
		state:    stInterventionPlanned,
		deadline: alert.DetectedAt.Add(e.cfg.AlertDeadline),
	}
	e.mu.Unlock()

	e.metrics.AlertsTotal.Inc()
	e.metrics.ActiveAlerts.Inc()
	e.logger.Warn("CRISIS DETECTED",
		zap.String("alert_id", alert.AlertID),
		zap.String("session_id", sessionID),
		zap.Float64("risk", risk),
		zap.Strings("factors", factors),
	)

	// Персист до broadcast: алерт обязан пережить процесс
	if err := e.store.Insert(ctx, alert); err != nil {
		// Не дропаем: алерт живет в памяти, ошибка уходит в лог громко
		e.logger.Error("CRISIS ALERT NOT PERSISTED", zap.String("alert_id", alert.AlertID), zap.Error(err))
	}

	e.trail.Record(audit.TrailEvent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        audit.KindCrisisTransition,
		EventType:   string(domain.EventCrisisDetected),
		SourceAgent: sourceAgent,
		ToStatus:    string(domain.AlertActive),
		Detail:      map[string]interface{}{"alert_id": alert.AlertID, "risk": risk},
	})

	// Alerted: fan-out в кризисный канал; недоставка — в резервный канал
	e.broadcastAlert(ctx, &alert)

	return &alert, nil
}

func (e *Engine) broadcastAlert(ctx context.Context, alert *domain.CrisisAlert) {
	payload, _ := json.Marshal(alert)
	msg := domain.Message{
		Type:          domain.MessageCrisisBroadcast,
		CorrelationID: alert.AlertID,
		Payload:       payload,
		Timestamp:     time.Now(),
		TTLSeconds:    int(e.cfg.AlertDeadline.Seconds()),
	}

	if err := e.bus.Publish(ctx, infra.RedisChanCrisis, msg); err == nil {
		return
	} else {
		e.logger.Error("crisis broadcast failed, using fallback channel",
			zap.String("alert_id", alert.AlertID), zap.Error(err))
	}

	if err := e.bus.Publish(ctx, infra.RedisChanCrisisFallback, msg); err != nil {
		// Оба канала мертвы: последний рубеж — громкий лог с полным алертом,
		// его подбирает внешний пейджинг по error-логам
		e.metrics.UndeliveredTotal.Inc()
		e.logger.Error("CRISIS ALERT UNDELIVERABLE",
			zap.String("alert_id", alert.AlertID),
			zap.String("session_id", alert.SessionID),
			zap.Float64("risk", alert.RiskLevel),
			zap.Strings("factors", alert.TriggerFactors),
			zap.Error(err))
	}
}

// buildInterventionPlan собирает план вмешательства. Ресурсы безопасности
// статичны и не зависят от агентского пайплайна.
func (e *Engine) buildInterventionPlan(risk float64) []string {
	plan := []string{
		"deliver de-escalation response",
		"share grounding exercise",
	}
	plan = append(plan, StaticResources()...)
	if risk >= 0.9 {
		plan = append(plan, "escalate to human counselor")
	}
	return plan
}

// StaticResources — экстренная информация, доступная даже при полном отказе
// агентской инфраструктуры.
func StaticResources() []string {
	return []string{
		"crisis hotline: 988 (24/7)",
		"crisis text line: text HOME to 741741",
		"emergency services: 911",
	}
}

// Acknowledge помечает алерт принятым responder-ом.
func (e *Engine) Acknowledge(ctx context.Context, alertID, agentID string) error {
	return e.transition(ctx, alertID, domain.AlertAcknowledged, agentID)
}

// Resolve закрывает алерт штатно.
func (e *Engine) Resolve(ctx context.Context, alertID string) error {
	return e.transition(ctx, alertID, domain.AlertResolved, "")
}

// Escalate закрывает алерт эскалацией на человека.
func (e *Engine) Escalate(ctx context.Context, alertID string) error {
	return e.transition(ctx, alertID, domain.AlertEscalated, "")
}

func (e *Engine) transition(ctx context.Context, alertID string, to domain.AlertStatus, agentID string) error {
	e.mu.Lock()
	tracked, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownAlert
	}
	if tracked.alert.Status.Terminal() {
		e.mu.Unlock()
		return ErrAlertClosed
	}

	from := tracked.alert.Status
	tracked.alert.Status = to
	if agentID != "" {
		tracked.alert.AssignedAgent = agentID
	}
	if to.Terminal() {
		tracked.state = stClosed
		delete(e.alerts, alertID)
		e.metrics.ActiveAlerts.Dec()
	}
	alert := tracked.alert
	e.mu.Unlock()

	if err := e.store.UpdateStatus(ctx, alert); err != nil {
		e.logger.Error("failed to persist alert transition",
			zap.String("alert_id", alertID), zap.Error(err))
	}

	e.trail.Record(audit.TrailEvent{
		ID:         uuid.NewString(),
		SessionID:  alert.SessionID,
		Kind:       audit.KindCrisisTransition,
		FromStatus: string(from),
		ToStatus:   string(to),
		Detail:     map[string]interface{}{"alert_id": alertID},
	})

	e.logger.Info("alert transition",
		zap.String("alert_id", alertID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Alert возвращает копию отслеживаемого алерта.
func (e *Engine) Alert(alertID string) (domain.CrisisAlert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracked, ok := e.alerts[alertID]
	if !ok {
		return domain.CrisisAlert{}, false
	}
	return tracked.alert, true
}

// StartWatchdog следит за дедлайнами: алерт, зависший active дольше
// положенного, — сам по себе операционная тревога (AlertDeadlineExceeded).
// Она пейджится, никогда не истекает молча.
func (e *Engine) StartWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	e.logger.Info("crisis watchdog started", zap.Duration("deadline", e.cfg.AlertDeadline))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("crisis watchdog stopping by context...")
			return
		case <-ticker.C:
			e.checkDeadlines(ctx)
		}
	}
}

func (e *Engine) checkDeadlines(ctx context.Context) {
	now := time.Now()

	// Под локом только отметка и копия: статус алерта конкурентно
	// меняют переходы responder-ов
	e.mu.Lock()
	var expired []domain.CrisisAlert
	for _, tracked := range e.alerts {
		if !tracked.alarmed && now.After(tracked.deadline) {
			tracked.alarmed = true
			expired = append(expired, tracked.alert)
		}
	}
	e.mu.Unlock()

	for _, alert := range expired {
		deadline := alert.DetectedAt.Add(e.cfg.AlertDeadline)
		e.metrics.DeadlineExceededTotal.Inc()
		e.logger.Error("ALERT DEADLINE EXCEEDED",
			zap.String("alert_id", alert.AlertID),
			zap.String("session_id", alert.SessionID),
			zap.Duration("overdue", now.Sub(deadline)),
		)

		// Нотификация в резервный канал — внешняя система пейджит дежурного
		payload, _ := json.Marshal(alert)
		msg := domain.Message{
			Type:          domain.MessageCrisisBroadcast,
			CorrelationID: alert.AlertID,
			Payload:       payload,
			Timestamp:     now,
		}
		if err := e.bus.Publish(ctx, infra.RedisChanCrisisFallback, msg); err != nil {
			e.logger.Error("deadline alarm notification failed",
				zap.String("alert_id", alert.AlertID), zap.Error(err))
		}
	}
}
