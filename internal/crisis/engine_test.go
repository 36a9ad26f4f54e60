package crisis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/audit"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

type fakeAlertStore struct {
	mu      sync.Mutex
	alerts  map[string]domain.CrisisAlert
	open    []domain.CrisisAlert
	failAll bool
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: make(map[string]domain.CrisisAlert)}
}

func (s *fakeAlertStore) Insert(ctx context.Context, a domain.CrisisAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("db down")
	}
	s.alerts[a.AlertID] = a
	return nil
}

func (s *fakeAlertStore) UpdateStatus(ctx context.Context, a domain.CrisisAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("db down")
	}
	s.alerts[a.AlertID] = a
	return nil
}

func (s *fakeAlertStore) LoadOpen(ctx context.Context) ([]domain.CrisisAlert, error) {
	return s.open, nil
}

func (s *fakeAlertStore) get(id string) (domain.CrisisAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	return a, ok
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	byChan   map[string][]domain.Message
	failMain bool
	failAll  bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{byChan: make(map[string][]domain.Message)}
}

func (b *fakeBroadcaster) Publish(ctx context.Context, channel string, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return errors.New("transport down")
	}
	if b.failMain && channel == infra.RedisChanCrisis {
		return errors.New("main channel down")
	}
	b.byChan[channel] = append(b.byChan[channel], msg)
	return nil
}

func (b *fakeBroadcaster) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byChan[channel])
}

type fakeSelector struct {
	agents []domain.AgentDescriptor
}

func (f fakeSelector) SelectAgents(capabilities []string, count int) []domain.AgentDescriptor {
	return f.agents
}

func testEngine(store AlertStore, bus Broadcaster, sel AgentSelector, cfg infra.CrisisConfig) *Engine {
	return NewEngine(
		NewDetector(cfg.RiskThreshold, zap.NewNop()),
		bus, store, sel, audit.NopRecorder{}, NewMetrics(nil), cfg, zap.NewNop(),
	)
}

func defaultCfg() infra.CrisisConfig {
	return infra.CrisisConfig{
		RiskThreshold:    0.7,
		AlertDeadline:    5 * time.Minute,
		WatchdogInterval: 10 * time.Millisecond,
	}
}

func crisisResponse(risk float64) domain.AgentResponse {
	return domain.AgentResponse{
		AgentID:        "a-1",
		CoordinationID: "c-1",
		EventType:      domain.EventCrisisDetected,
		RiskScore:      risk,
		TriggerFactors: []string{"self-harm language"},
	}
}

func TestCrisisResponseRaisesActiveAlert(t *testing.T) {
	store := newFakeAlertStore()
	bus := newFakeBroadcaster()
	e := testEngine(store, bus, fakeSelector{agents: []domain.AgentDescriptor{{AgentID: "responder"}}}, defaultCfg())

	alert, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.85))
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if alert == nil {
		t.Fatal("expected alert, got nil")
	}

	if alert.Status != domain.AlertActive {
		t.Errorf("status = %s, want active", alert.Status)
	}
	if alert.RiskLevel != 0.85 {
		t.Errorf("risk = %v, want 0.85", alert.RiskLevel)
	}
	if alert.AssignedAgent != "responder" {
		t.Errorf("assigned = %s, want responder", alert.AssignedAgent)
	}
	if len(alert.InterventionPlan) == 0 {
		t.Error("intervention plan missing")
	}

	// Персист и broadcast случились
	if _, ok := store.get(alert.AlertID); !ok {
		t.Error("alert not persisted")
	}
	if bus.count(infra.RedisChanCrisis) != 1 {
		t.Errorf("expected 1 crisis broadcast, got %d", bus.count(infra.RedisChanCrisis))
	}
}

func TestBenignResponseRaisesNothing(t *testing.T) {
	e := testEngine(newFakeAlertStore(), newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	alert, err := e.HandleResponse(context.Background(), "s-1", domain.AgentResponse{
		AgentID:   "a-1",
		EventType: domain.EventCollaboration,
		RiskScore: 0.2,
	})
	if err != nil || alert != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", alert, err)
	}
}

func TestRiskScoreAboveThresholdIsCrisisWithoutExplicitSignal(t *testing.T) {
	e := testEngine(newFakeAlertStore(), newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	alert, err := e.HandleResponse(context.Background(), "s-1", domain.AgentResponse{
		AgentID:   "a-1",
		EventType: domain.EventCollaboration,
		RiskScore: 0.75,
	})
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if alert == nil {
		t.Fatal("risk above threshold must raise an alert")
	}
}

// An explicit crisis_detected signal is trusted even when the score
// sits below the configured threshold.
func TestExplicitSignalFloorsRiskToThreshold(t *testing.T) {
	e := testEngine(newFakeAlertStore(), newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	alert, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.1))
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if alert == nil {
		t.Fatal("explicit signal must raise an alert")
	}
	if alert.RiskLevel != 0.7 {
		t.Errorf("risk = %v, want floored to 0.7", alert.RiskLevel)
	}
}

func TestHighRiskPlanEscalatesToHuman(t *testing.T) {
	e := testEngine(newFakeAlertStore(), newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	alert, _ := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.95))
	found := false
	for _, step := range alert.InterventionPlan {
		if step == "escalate to human counselor" {
			found = true
		}
	}
	if !found {
		t.Errorf("risk 0.95 plan must include human escalation: %v", alert.InterventionPlan)
	}
}

func TestBroadcastFallsBackToReserveChannel(t *testing.T) {
	bus := newFakeBroadcaster()
	bus.failMain = true
	e := testEngine(newFakeAlertStore(), bus, fakeSelector{}, defaultCfg())

	if _, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.8)); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if bus.count(infra.RedisChanCrisisFallback) != 1 {
		t.Error("expected fallback channel delivery when main channel is down")
	}
}

// A dead store never drops the alert: it stays tracked in memory.
func TestAlertSurvivesStoreFailure(t *testing.T) {
	store := newFakeAlertStore()
	store.failAll = true
	e := testEngine(store, newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	alert, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.8))
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if _, ok := e.Alert(alert.AlertID); !ok {
		t.Fatal("alert lost after store failure")
	}
}

func TestAlertTransitions(t *testing.T) {
	store := newFakeAlertStore()
	e := testEngine(store, newFakeBroadcaster(), fakeSelector{}, defaultCfg())
	ctx := context.Background()

	alert, _ := e.HandleResponse(ctx, "s-1", crisisResponse(0.8))

	if err := e.Acknowledge(ctx, alert.AlertID, "responder"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	got, ok := e.Alert(alert.AlertID)
	if !ok || got.Status != domain.AlertAcknowledged || got.AssignedAgent != "responder" {
		t.Fatalf("after ack: %+v ok=%v", got, ok)
	}

	if err := e.Resolve(ctx, alert.AlertID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Терминальный алерт снят с трекинга, повторный переход — ошибка
	if _, ok := e.Alert(alert.AlertID); ok {
		t.Error("terminal alert must leave the tracked set")
	}
	if err := e.Escalate(ctx, alert.AlertID); !errors.Is(err, ErrUnknownAlert) {
		t.Errorf("expected ErrUnknownAlert after close, got %v", err)
	}

	persisted, _ := store.get(alert.AlertID)
	if persisted.Status != domain.AlertResolved {
		t.Errorf("persisted status = %s, want resolved", persisted.Status)
	}
}

type hookedBroadcaster struct {
	*fakeBroadcaster
	onPublish func(msg domain.Message)
}

func (b *hookedBroadcaster) Publish(ctx context.Context, channel string, msg domain.Message) error {
	if err := b.fakeBroadcaster.Publish(ctx, channel, msg); err != nil {
		return err
	}
	if b.onPublish != nil {
		b.onPublish(msg)
	}
	return nil
}

// A responder may acknowledge the alert the moment it hits the wire, before
// raise has returned. The assignment and plan must be complete by then, and
// the concurrent transition must not be overwritten.
func TestAcknowledgeDuringBroadcast(t *testing.T) {
	store := newFakeAlertStore()
	bus := &hookedBroadcaster{fakeBroadcaster: newFakeBroadcaster()}
	e := testEngine(store, bus, fakeSelector{agents: []domain.AgentDescriptor{{AgentID: "responder"}}}, defaultCfg())
	bus.onPublish = func(msg domain.Message) {
		if err := e.Acknowledge(context.Background(), msg.CorrelationID, "responder"); err != nil {
			t.Errorf("Acknowledge: %v", err)
		}
	}

	alert, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.85))
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if len(alert.InterventionPlan) == 0 || alert.AssignedAgent != "responder" {
		t.Errorf("plan and responder must be attached before broadcast: %+v", alert)
	}

	got, ok := e.Alert(alert.AlertID)
	if !ok || got.Status != domain.AlertAcknowledged {
		t.Fatalf("reentrant ack lost: %+v ok=%v", got, ok)
	}
	persisted, _ := store.get(alert.AlertID)
	if persisted.Status != domain.AlertAcknowledged {
		t.Errorf("persisted status = %s, want acknowledged", persisted.Status)
	}
}

func TestTransitionOnUnknownAlert(t *testing.T) {
	e := testEngine(newFakeAlertStore(), newFakeBroadcaster(), fakeSelector{}, defaultCfg())
	if err := e.Resolve(context.Background(), "nope"); !errors.Is(err, ErrUnknownAlert) {
		t.Fatalf("expected ErrUnknownAlert, got %v", err)
	}
}

func TestRestoreBringsBackOpenAlerts(t *testing.T) {
	store := newFakeAlertStore()
	store.open = []domain.CrisisAlert{
		{AlertID: "a-open", SessionID: "s-1", Status: domain.AlertActive, DetectedAt: time.Now()},
	}
	e := testEngine(store, newFakeBroadcaster(), fakeSelector{}, defaultCfg())

	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := e.Alert("a-open"); !ok {
		t.Fatal("open alert not restored")
	}
	if err := e.Resolve(context.Background(), "a-open"); err != nil {
		t.Fatalf("restored alert must accept transitions: %v", err)
	}
}

// An alert stuck active past its deadline pages through the fallback
// channel exactly once.
func TestDeadlineExceededAlarmsOnce(t *testing.T) {
	cfg := defaultCfg()
	cfg.AlertDeadline = 1 * time.Millisecond

	bus := newFakeBroadcaster()
	e := testEngine(newFakeAlertStore(), bus, fakeSelector{}, cfg)

	if _, err := e.HandleResponse(context.Background(), "s-1", crisisResponse(0.8)); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	e.checkDeadlines(context.Background())
	e.checkDeadlines(context.Background()) // повторный проход не дублирует тревогу

	if got := bus.count(infra.RedisChanCrisisFallback); got != 1 {
		t.Fatalf("expected exactly 1 deadline alarm, got %d", got)
	}
}
