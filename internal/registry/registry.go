package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/domain"
)

// WarmupSource — минимальный срез транспорта для прогрева реестра на старте.
type WarmupSource interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Registry — единственная владеющая структура статусов агентов.
// Доступ только через field-level merge операции под общим RWMutex:
// конкурентные апдейты от разных агентов не теряют чужие поля.
// Агенты никогда не удаляются — только помечаются offline.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.AgentDescriptor

	// Эксклюзивные координационные локи: agentID -> coordinationID
	locks map[string]string

	staleness time.Duration
	logger    *zap.Logger
}

func New(staleness time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*domain.AgentDescriptor),
		locks:     make(map[string]string),
		staleness: staleness,
		logger:    logger.Named("registry"),
	}
}

// Warmup загружает известные дескрипторы из хэша на старте сервиса.
func (r *Registry) Warmup(ctx context.Context, src WarmupSource, hashKey string) error {
	entries, err := src.HGetAll(ctx, hashKey)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range entries {
		var d domain.AgentDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			r.logger.Warn("skipping unreadable agent descriptor", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		r.agents[id] = &d
	}
	r.logger.Info("registry warmed up", zap.Int("agents", len(r.agents)))
	return nil
}

// HandleStatus — хендлер для подписки на канал статусов агентов.
// Сигнатура совместима с bus.Handler.
func (r *Registry) HandleStatus(ctx context.Context, channel string, msg domain.Message) error {
	if msg.Type != domain.MessageStatusUpdate {
		return nil
	}
	var sm domain.AgentStatusMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		return err
	}
	r.UpdateStatus(sm.AgentID, sm.Update)
	return nil
}

// UpdateStatus мержит частичный апдейт в дескриптор: last-write-wins
// на уровне поля, не записи целиком. Неизвестный агент создается.
func (r *Registry) UpdateStatus(agentID string, upd domain.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[agentID]
	if !ok {
		d = &domain.AgentDescriptor{AgentID: agentID, Status: domain.AgentIdle}
		r.agents[agentID] = d
	}

	if upd.Status != nil {
		d.Status = *upd.Status
	}
	if upd.Type != nil {
		d.Type = *upd.Type
	}
	if upd.Capabilities != nil {
		d.Capabilities = upd.Capabilities
	}
	if upd.Load != nil {
		d.Load = *upd.Load
	}
	if upd.AvgResponseTime != nil {
		d.Performance.AvgResponseTime = *upd.AvgResponseTime
	}
	if upd.SuccessRate != nil {
		d.Performance.SuccessRate = *upd.SuccessRate
	}
	if upd.LastHealthCheck != nil {
		d.Performance.LastHealthCheck = *upd.LastHealthCheck
	}
	d.LastActivity = time.Now()
}

// Get возвращает копию дескриптора.
func (r *Registry) Get(agentID string) (domain.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return domain.AgentDescriptor{}, false
	}
	return *d, true
}

// SelectAgents возвращает лучших доступных агентов под набор возможностей,
// ранжируя по композитному скору (successRate, обратное время ответа,
// свежесть health check). Offline и протухшие исключаются. Если подходящих
// меньше count — возвращаются все подходящие, это не ошибка: решает
// оркестратор, фатально ли это для выбранной стратегии.
func (r *Registry) SelectAgents(capabilities []string, count int) []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	type scored struct {
		d     domain.AgentDescriptor
		score float64
	}

	var eligible []scored
	for _, d := range r.agents {
		if d.Status == domain.AgentOffline || d.Status == domain.AgentFailed {
			continue
		}
		if r.staleness > 0 && now.Sub(d.Performance.LastHealthCheck) > r.staleness {
			continue
		}
		if !hasAll(d, capabilities) {
			continue
		}
		eligible = append(eligible, scored{d: *d, score: r.score(d, now)})
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })

	if count > len(eligible) {
		count = len(eligible)
	}
	out := make([]domain.AgentDescriptor, 0, count)
	for _, s := range eligible[:count] {
		out = append(out, s.d)
	}
	return out
}

// score — композитная оценка пригодности агента.
func (r *Registry) score(d *domain.AgentDescriptor, now time.Time) float64 {
	responsiveness := 1.0 / (1.0 + d.Performance.AvgResponseTime.Seconds())

	freshness := 1.0
	if r.staleness > 0 {
		age := now.Sub(d.Performance.LastHealthCheck)
		freshness = 1.0 - age.Seconds()/r.staleness.Seconds()
		if freshness < 0 {
			freshness = 0
		}
	}

	return d.Performance.SuccessRate*0.5 + responsiveness*0.3 + freshness*0.2
}

func hasAll(d *domain.AgentDescriptor, capabilities []string) bool {
	for _, c := range capabilities {
		if !d.HasCapability(c) {
			return false
		}
	}
	return true
}

// TryAcquire берет эксклюзивный координационный лок на агента.
// Агент не может быть coordinating в двух сессиях с конфликтующими
// эксклюзивными локами; повторный захват той же координацией идемпотентен.
func (r *Registry) TryAcquire(agentID, coordinationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, held := r.locks[agentID]
	if held && holder != coordinationID {
		return false
	}
	r.locks[agentID] = coordinationID
	return true
}

// Release снимает лок, если его держит указанная координация.
func (r *Registry) Release(agentID, coordinationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[agentID] == coordinationID {
		delete(r.locks, agentID)
	}
}
