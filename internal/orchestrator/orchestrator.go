package orchestrator

/*
Файл orchestrator.go реализует машину состояний координации:

  Received -> StrategySelected -> PhaseRunning(phase) -> Synthesizing
     -> Completed | Failed | Escalated

Модель конкурентности: один логический поток управления на сессию, много
сессий параллельно как независимые задачи. Единственная точка настоящего
параллелизма — fan-out фазы: запросы N агентам уходят конкурентно, ожидание
до N ответов или фазового таймаута. Вызовы агентов не сериализуются.

Recovery: снапшот сессии пишется в state store ДО отправки запросов фазы —
фаза считается durably "in progress" только после записи. Креш посреди фазы
резюмируется по снапшоту или явно объявляется failed, но не повисает.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/audit"
	"github.com/solacemind/coordination-core/internal/bus"
	"github.com/solacemind/coordination-core/internal/crisis"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
	"github.com/solacemind/coordination-core/internal/memory"
)

// ErrNoAgentResponse — ни один агент фазы не ответил. Оркестрационная,
// не фатальная: caller получает безопасный fallback-ответ, не тишину.
var ErrNoAgentResponse = errors.New("no agent response")

// safeFallback — ответ по умолчанию, когда полный анализ недоступен.
const safeFallback = "I'm here with you. I wasn't able to run a full analysis right now, " +
	"but I'm listening — tell me more about how you're feeling."

// BusAPI — срез координационной шины, нужный оркестратору.
type BusAPI interface {
	SendToAgent(ctx context.Context, agentID string, msg domain.Message) error
	Subscribe(pattern string, handler bus.Handler) (func(), error)
}

// AgentPool — срез реестра агентов.
type AgentPool interface {
	SelectAgents(capabilities []string, count int) []domain.AgentDescriptor
	TryAcquire(agentID, coordinationID string) bool
	Release(agentID, coordinationID string)
}

// StateStore — recovery-хранилище снапшотов.
type StateStore interface {
	Put(ctx context.Context, coordinationID string, snap domain.SessionSnapshot, ttl time.Duration) error
	Get(ctx context.Context, coordinationID string) (domain.SessionSnapshot, bool, error)
}

// CrisisSink — вход crisis-машины. Вызывается немедленно при риск-сигнале,
// параллельно с нормальной обработкой фазы.
type CrisisSink interface {
	HandleResponse(ctx context.Context, sessionID string, resp domain.AgentResponse) (*domain.CrisisAlert, error)
	HandleEvent(ctx context.Context, sessionID string, ev domain.CoordinationEvent) (*domain.CrisisAlert, error)
}

type Orchestrator struct {
	bus       BusAPI
	pool      AgentPool
	store     StateStore
	retriever memory.Retriever
	crisis    CrisisSink
	trail     audit.Recorder
	metrics   *Metrics
	cfg       infra.OrchestratorConfig
	logger    *zap.Logger

	mu   sync.RWMutex
	live map[string]*session // по coordinationID

	unsubscribe func()
}

func New(
	b BusAPI,
	pool AgentPool,
	store StateStore,
	retriever memory.Retriever,
	crisisSink CrisisSink,
	trail audit.Recorder,
	metrics *Metrics,
	cfg infra.OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		bus:       b,
		pool:      pool,
		store:     store,
		retriever: retriever,
		crisis:    crisisSink,
		trail:     trail,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		live:      make(map[string]*session),
	}
}

// Start подписывает оркестратор на ответы агентов. Подписка одна на все
// сессии — соединения шины долгоживущие и разделяемые.
func (o *Orchestrator) Start() error {
	unsub, err := o.bus.Subscribe(infra.PatternAgentResponses, o.routeResponse)
	if err != nil {
		return err
	}
	o.unsubscribe = unsub
	return nil
}

func (o *Orchestrator) Stop() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// routeResponse раскладывает ответы агентов по живым сессиям.
// Поздние ответы завершенных или отмененных координаций отбрасываются
// идемпотентно — по lookup сессии, транспортной отмены у шины нет.
func (o *Orchestrator) routeResponse(ctx context.Context, channel string, msg domain.Message) error {
	if msg.Type != domain.MessageAgentResponse {
		return nil
	}

	var resp domain.AgentResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return fmt.Errorf("bad agent response payload: %w", err)
	}

	o.mu.RLock()
	sess, ok := o.live[msg.CorrelationID]
	o.mu.RUnlock()
	if !ok {
		o.logger.Debug("discarding late response",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("agent_id", resp.AgentID))
		return nil
	}

	// crisis_detected вытесняет фазовое ожидание: сигнал уходит в crisis-машину
	// сразу, не дожидаясь таймаута, а нормальная обработка продолжается рядом
	if resp.EventType == domain.EventCrisisDetected || resp.RiskScore > 0 {
		go func() {
			alert, err := o.crisis.HandleResponse(context.WithoutCancel(ctx), sess.state.SessionID, resp)
			if err != nil {
				o.logger.Error("crisis handling failed", zap.Error(err))
			}
			if alert != nil {
				o.markEscalated(sess, alert)
			}
		}()
	}

	if !sess.deliver(resp) {
		o.logger.Debug("duplicate response discarded",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("agent_id", resp.AgentID))
	}
	return nil
}

func (o *Orchestrator) markEscalated(sess *session, alert *domain.CrisisAlert) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state.Events = append(sess.state.Events, domain.CoordinationEvent{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now(),
		SourceAgent: alert.AssignedAgent,
		EventType:   domain.EventEscalation,
		Priority:    domain.PriorityCritical,
		Context: domain.EventContext{
			Kind: domain.ContextRisk,
			Risk: &domain.RiskContext{Score: alert.RiskLevel, TriggerFactors: alert.TriggerFactors},
		},
	})
}

// Handle обрабатывает входящий пользовательский ход: Received ->
// StrategySelected -> фазы -> синтез. Возвращаемая ошибка не означает
// отсутствия ответа: даже Failed несет безопасный fallback-контент.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (domain.SynthesisResult, error) {
	strategy := selectStrategy(req)

	sess, resumed, prior := o.openSession(ctx, req, strategy)
	if prior != nil {
		// Координация уже завершена ранее: повторный запрос не порождает
		// второй терминальный переход
		return *prior, nil
	}

	// cancel и статус выставляются до публикации в live: как только сессия
	// видна из мапы, ее поля конкурентно читает Cancel
	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.state.Status = domain.SessionActive

	o.mu.Lock()
	o.live[sess.state.CoordinationID] = sess
	o.mu.Unlock()
	o.metrics.ActiveSessions.Inc()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.live, sess.state.CoordinationID)
		o.mu.Unlock()
		o.metrics.ActiveSessions.Dec()
	}()

	o.logger.Info("coordination started",
		zap.String("session_id", sess.state.SessionID),
		zap.String("coordination_id", sess.state.CoordinationID),
		zap.String("strategy", string(sess.state.Strategy)),
		zap.Bool("resumed", resumed),
	)

	var result domain.SynthesisResult
	switch sess.state.Strategy {
	case domain.StrategyCrisis:
		result = o.runCrisis(sessCtx, sess, req)
	case domain.StrategyLight:
		result = o.runLight(sessCtx, sess, req)
	default:
		result = o.runStandard(sessCtx, sess, req)
	}

	// Финализация не должна сорваться из-за отмены клиентского контекста
	o.close(context.WithoutCancel(ctx), sess, result.Status)

	if result.Status == domain.SessionFailed {
		return result, ErrNoAgentResponse
	}
	return result, nil
}

// openSession создает новую сессию или поднимает ее из recovery-снапшота.
// Отсутствие снапшота — это "start fresh", не ошибка.
func (o *Orchestrator) openSession(ctx context.Context, req Request, strategy domain.Strategy) (*session, bool, *domain.SynthesisResult) {
	if req.CoordinationID == "" {
		return newSession(req.SessionID, req.UserID, strategy), false, nil
	}

	snap, ok, err := o.store.Get(ctx, req.CoordinationID)
	if err != nil {
		o.logger.Warn("state store unavailable, starting fresh", zap.Error(err))
	}
	if !ok {
		return newSession(req.SessionID, req.UserID, strategy), false, nil
	}

	if snap.Status.Terminal() {
		confidence := meanConfidence(snap.PartialResults)
		return nil, false, &domain.SynthesisResult{
			Content:    safeFallback,
			Confidence: confidence,
			Status:     snap.Status,
			Degraded:   true,
		}
	}

	sess := newSession(snap.SessionID, req.UserID, snap.Strategy)
	sess.state.CoordinationID = snap.CoordinationID
	sess.state.Participants = snap.Participants
	sess.results = snap.PartialResults
	sess.recovered = append([]domain.AgentResult(nil), snap.PartialResults...)
	sess.recoveredPhase = snap.Phase
	for _, r := range snap.PartialResults {
		sess.seen[r.AgentID+":"+snap.Phase] = true
	}
	o.logger.Info("resuming coordination from snapshot",
		zap.String("coordination_id", snap.CoordinationID),
		zap.String("phase", snap.Phase),
		zap.Int("partial_results", len(snap.PartialResults)))
	return sess, true, nil
}

// runStandard — параллельная фаза анализа, опциональный deep-раунд
// при низкой уверенности, затем синтез.
func (o *Orchestrator) runStandard(ctx context.Context, sess *session, req Request) domain.SynthesisResult {
	memCtx := o.fetchMemory(ctx, req)

	agents := o.pool.SelectAgents([]string{"analysis"}, o.cfg.AnalysisAgents)
	results := o.runPhase(ctx, sess, "analysis", agents, req, memCtx)
	if len(results) == 0 {
		return o.failNoResponse(sess)
	}

	// Deep-стратегия: дополнительный раунд, когда уверенность ниже пола
	if meanConfidence(results) < o.cfg.DeepConfidenceFloor {
		sess.mu.Lock()
		sess.state.Strategy = domain.StrategyDeep
		sess.mu.Unlock()

		deepAgents := o.pool.SelectAgents([]string{"analysis"}, o.cfg.AnalysisAgents)
		if extra := o.runPhase(ctx, sess, "deep", deepAgents, req, memCtx); len(extra) > 0 {
			results = append(results, extra...)
		}
	}

	return o.synthesize(sess, results)
}

// runLight — один агент, без оверхеда полной координации.
func (o *Orchestrator) runLight(ctx context.Context, sess *session, req Request) domain.SynthesisResult {
	agents := o.pool.SelectAgents([]string{"support"}, 1)
	results := o.runPhase(ctx, sess, "light", agents, req, nil)
	if len(results) == 0 {
		return o.failNoResponse(sess)
	}
	return o.synthesize(sess, results)
}

// runCrisis — преклассифицированный кризис: нормальное фазирование
// пропускается, сигнал уходит прямо в crisis-машину, параллельно
// запрашивается best-effort поддерживающий ответ. Даже при полном отказе
// агентов пользователь получает статическую экстренную информацию.
func (o *Orchestrator) runCrisis(ctx context.Context, sess *session, req Request) domain.SynthesisResult {
	ev := domain.CoordinationEvent{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now(),
		SourceAgent: "orchestrator",
		EventType:   domain.EventCrisisDetected,
		Priority:    domain.PriorityCritical,
		Context:     domain.EventContext{Kind: domain.ContextOpaque},
	}
	sess.appendEvent(ev)

	if _, err := o.crisis.HandleEvent(ctx, sess.state.SessionID, ev); err != nil {
		o.logger.Error("pre-emptive crisis escalation failed", zap.Error(err))
	}

	content := safeFallback
	confidence := 0.0
	if agents := o.pool.SelectAgents([]string{"support"}, 1); len(agents) > 0 {
		if results := o.runPhase(ctx, sess, "support", agents, req, nil); len(results) > 0 {
			content = results[0].Content
			confidence = results[0].Confidence
		}
	}

	return domain.SynthesisResult{
		Content:    content,
		Confidence: confidence,
		Status:     domain.SessionEscalated,
		Degraded:   confidence == 0,
		Resources:  crisis.StaticResources(),
	}
}

// runPhase: снапшот -> конкурентный fan-out -> сбор до полного комплекта
// ответов или фазового таймаута. Агенты, не ответившие вовремя, получают
// fallback-событие и исключаются из синтеза.
func (o *Orchestrator) runPhase(ctx context.Context, sess *session, phase string, agents []domain.AgentDescriptor, req Request, memCtx []string) []domain.AgentResult {
	// Восстановленные из снапшота результаты фазы доспрашивать не нужно
	recovered := sess.takeRecovered(phase)
	already := make(map[string]bool, len(recovered))
	for _, r := range recovered {
		already[r.AgentID] = true
	}

	if len(agents) == 0 {
		return recovered
	}
	start := time.Now()
	coordID := sess.state.CoordinationID

	// Эксклюзивные локи требует только crisis-стратегия
	exclusive := sess.state.Strategy == domain.StrategyCrisis
	dispatched := make([]string, 0, len(agents))
	for _, a := range agents {
		if already[a.AgentID] {
			continue
		}
		if exclusive && !o.pool.TryAcquire(a.AgentID, coordID) {
			o.logger.Warn("agent locked by another coordination", zap.String("agent_id", a.AgentID))
			continue
		}
		dispatched = append(dispatched, a.AgentID)
	}
	if exclusive {
		defer func() {
			for _, id := range dispatched {
				o.pool.Release(id, coordID)
			}
		}()
	}
	if len(dispatched) == 0 {
		return recovered
	}

	sess.mu.Lock()
	sess.state.Participants = mergeParticipants(sess.state.Participants, dispatched)
	sess.state.Metrics.DispatchedAgents += len(dispatched)
	sess.mu.Unlock()

	// Durable "in progress": снапшот пишется до единого dispatch
	if err := o.store.Put(ctx, coordID, sess.snapshot(phase), o.cfg.StateTTL); err != nil {
		o.logger.Error("cannot persist phase state, failing phase",
			zap.String("coordination_id", coordID), zap.Error(err))
		return nil
	}

	payload := domain.AgentRequest{
		SessionID:      sess.state.SessionID,
		CoordinationID: coordID,
		Phase:          phase,
		UserInput:      req.Input,
		MemoryContext:  memCtx,
		ReplyChannel:   infra.CoordinationResponseChannel(coordID),
	}
	raw, _ := json.Marshal(payload)
	msg := domain.Message{
		Type:          domain.MessageAgentRequest,
		CorrelationID: coordID,
		Payload:       raw,
		Timestamp:     time.Now(),
		TTLSeconds:    int(o.cfg.PhaseTimeout.Seconds()) * 2,
	}

	// Единственная точка настоящего параллелизма: fan-out не сериализуется
	var wg sync.WaitGroup
	var sendMu sync.Mutex
	failed := make(map[string]bool)
	for _, agentID := range dispatched {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.bus.SendToAgent(ctx, id, msg); err != nil {
				o.logger.Warn("agent dispatch failed", zap.String("agent_id", id), zap.Error(err))
				sendMu.Lock()
				failed[id] = true
				sendMu.Unlock()
			}
		}(agentID)
	}
	wg.Wait()

	expected := 0
	for _, id := range dispatched {
		if !failed[id] {
			expected++
			sess.appendEvent(domain.CoordinationEvent{
				EventID:     uuid.NewString(),
				Timestamp:   time.Now(),
				SourceAgent: "orchestrator",
				TargetAgent: id,
				EventType:   domain.EventCollaboration,
				Priority:    domain.PriorityMedium,
				Context:     domain.EventContext{Kind: domain.ContextHandoff, Handoff: &domain.HandoffContext{Reason: phase}},
			})
		}
	}
	if expected == 0 {
		return recovered
	}

	// Сбор: все ответы или таймаут фазы — что наступит раньше.
	// Восстановленные результаты уже в комплекте, ждем только живых.
	results := append([]domain.AgentResult(nil), recovered...)
	responded := make(map[string]bool, expected)
	timer := time.NewTimer(o.cfg.PhaseTimeout)
	defer timer.Stop()

collect:
	for len(responded) < expected {
		select {
		case resp := <-sess.respCh:
			if resp.Phase != phase || responded[resp.AgentID] {
				continue
			}
			responded[resp.AgentID] = true
			results = append(results, domain.AgentResult{
				AgentID:    resp.AgentID,
				Confidence: resp.Confidence,
				Content:    resp.Content,
			})
			sess.appendEvent(domain.CoordinationEvent{
				EventID:     uuid.NewString(),
				Timestamp:   time.Now(),
				SourceAgent: resp.AgentID,
				EventType:   resp.EventType,
				Priority:    domain.PriorityMedium,
				Context:     domain.EventContext{Kind: domain.ContextOpaque},
			})
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	// Не ответившие вовремя помечаются fallback-событием
	for _, id := range dispatched {
		if failed[id] || responded[id] {
			continue
		}
		o.metrics.FallbacksTotal.Inc()
		sess.mu.Lock()
		sess.state.Metrics.FallbackCount++
		sess.mu.Unlock()
		sess.appendEvent(domain.CoordinationEvent{
			EventID:     uuid.NewString(),
			Timestamp:   time.Now(),
			SourceAgent: id,
			EventType:   domain.EventFallback,
			Priority:    domain.PriorityHigh,
			Context:     domain.EventContext{Kind: domain.ContextOpaque},
		})
		o.logger.Warn("agent timed out, excluded from synthesis",
			zap.String("agent_id", id), zap.String("phase", phase))
	}

	// sess.results уже содержит восстановленную часть (из openSession),
	// дописываем только живые ответы этой фазы
	sess.mu.Lock()
	sess.state.Metrics.RespondedAgents += len(responded)
	sess.results = append(sess.results, results[len(recovered):]...)
	sess.mu.Unlock()

	o.metrics.PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	return results
}

// synthesize объединяет доступные выходы агентов в один ответ.
// Уверенность — среднее по участникам, с понижением за каждый fallback.
func (o *Orchestrator) synthesize(sess *session, results []domain.AgentResult) domain.SynthesisResult {
	confidence := meanConfidence(results)

	sess.mu.Lock()
	fallbacks := sess.state.Metrics.FallbackCount
	escalated := false
	for _, ev := range sess.state.Events {
		if ev.EventType == domain.EventEscalation {
			escalated = true
			break
		}
	}
	sess.mu.Unlock()

	if fallbacks > 0 {
		confidence -= o.cfg.FallbackPenalty * float64(fallbacks)
		if confidence < 0 {
			confidence = 0
		}
	}

	// Контент — ответ самого уверенного агента
	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}

	out := domain.SynthesisResult{
		Content:    best.Content,
		Confidence: confidence,
		Degraded:   fallbacks > 0,
		Status:     domain.SessionCompleted,
	}

	// Реактивный кризисный сигнал перевешивает любую преклассификацию
	if escalated {
		out.Status = domain.SessionEscalated
		out.Resources = crisis.StaticResources()
	}
	return out
}

func (o *Orchestrator) failNoResponse(sess *session) domain.SynthesisResult {
	o.logger.Warn("no agent responded in phase, degrading to safe fallback",
		zap.String("coordination_id", sess.state.CoordinationID))
	return domain.SynthesisResult{
		Content:    safeFallback,
		Confidence: 0,
		Degraded:   true,
		Status:     domain.SessionFailed,
	}
}

// close выполняет единственный терминальный переход сессии и финальный снапшот.
func (o *Orchestrator) close(ctx context.Context, sess *session, status domain.SessionStatus) {
	if !sess.finish(status) {
		return // Терминальный переход уже случился (например, Cancel)
	}

	o.metrics.SessionsTotal.WithLabelValues(string(sess.state.Strategy), string(status)).Inc()
	o.trail.Record(audit.TrailEvent{
		ID:             uuid.NewString(),
		SessionID:      sess.state.SessionID,
		CoordinationID: sess.state.CoordinationID,
		Kind:           audit.KindSessionTransition,
		FromStatus:     string(domain.SessionActive),
		ToStatus:       string(status),
		Detail: map[string]interface{}{
			"strategy":  string(sess.state.Strategy),
			"fallbacks": sess.state.Metrics.FallbackCount,
		},
	})

	if err := o.store.Put(ctx, sess.state.CoordinationID, sess.snapshot("terminal"), o.cfg.StateTTL); err != nil {
		o.logger.Warn("final snapshot not persisted", zap.Error(err))
	}

	o.logger.Info("coordination finished",
		zap.String("coordination_id", sess.state.CoordinationID),
		zap.String("status", string(status)),
		zap.Duration("duration", sess.state.Metrics.Duration))
}

// Cancel отменяет сессию (например, клиент отключился): статус Failed,
// ожидание фазовых ответов прекращается, поздние ответы отбросит
// routeResponse по lookup.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.RLock()
	var target *session
	for _, sess := range o.live {
		if sess.state.SessionID == sessionID {
			target = sess
			break
		}
	}
	o.mu.RUnlock()

	if target == nil {
		return false
	}

	// Поля сессии читаются под ее локом: strategy и cancel пишутся
	// конкурентно с Handle/runStandard
	target.mu.Lock()
	strategy := target.state.Strategy
	cancelFn := target.cancel
	target.mu.Unlock()

	if target.finish(domain.SessionFailed) {
		o.metrics.SessionsTotal.WithLabelValues(string(strategy), "cancelled").Inc()
	}
	if cancelFn != nil {
		cancelFn()
	}
	o.logger.Info("session cancelled", zap.String("session_id", sessionID))
	return true
}

func (o *Orchestrator) fetchMemory(ctx context.Context, req Request) []string {
	if o.retriever == nil {
		return nil
	}
	fragments, err := o.retriever.RetrieveRelevant(ctx, req.Input, req.UserID, 5, 0.7)
	if err != nil {
		// Деградация без контекста памяти — не фатальна для фазы
		o.logger.Warn("memory retrieval failed, continuing without context", zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, f.Content)
	}
	return out
}

func meanConfidence(results []domain.AgentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	return sum / float64(len(results))
}

func mergeParticipants(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range added {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	return existing
}
