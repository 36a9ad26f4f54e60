package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/bus"
	"github.com/solacemind/coordination-core/internal/codec"
	"github.com/solacemind/coordination-core/internal/domain"
	"github.com/solacemind/coordination-core/internal/infra"
)

// agentsim — симулятор reasoning-агента для локальных прогонов:
// слушает свой приватный канал, отвечает с рандомизированной задержкой
// и уверенностью, шлет heartbeat-статусы. Позволяет гонять координатор
// end-to-end без настоящего LLM.
func main() {
	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = "sim-" + uuid.NewString()[:8]
	}
	agentType := os.Getenv("AGENT_TYPE")
	if agentType == "" {
		agentType = "analysis"
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("agent_id", agentID))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	wireCodec, err := codec.New(cfg.Bus)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	// Агенту батчинг не нужен — ответы уходят сразу
	busCfg := cfg.Bus
	busCfg.BatchSize = 1
	transport := bus.NewRedisTransport(rdb)
	agentBus := bus.New(transport, wireCodec, busCfg, bus.NewMetrics(prometheus.NewRegistry()), logger)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Регистрируемся в хэше реестра (для warm-up координатора)
	registerSelf(appCtx, transport, agentID, agentType, logger)

	// Heartbeat-статусы для живых апдейтов реестра
	go heartbeat(appCtx, agentBus, agentID, logger)

	unsub, err := agentBus.Subscribe(infra.AgentChannel(agentID), func(ctx context.Context, channel string, msg domain.Message) error {
		if msg.Type != domain.MessageAgentRequest {
			return nil
		}
		var req domain.AgentRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		go respond(ctx, agentBus, agentID, req, logger)
		return nil
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	logger.Info("agent simulator started", zap.String("type", agentType))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	agentBus.Shutdown(shutdownCtx)
	logger.Info("agent simulator exited")
}

func registerSelf(ctx context.Context, transport *bus.RedisTransport, agentID, agentType string, logger *zap.Logger) {
	desc := domain.AgentDescriptor{
		AgentID:      agentID,
		Type:         agentType,
		Status:       domain.AgentIdle,
		Capabilities: []string{"analysis", "support"},
		Performance: domain.AgentPerformance{
			AvgResponseTime: 200 * time.Millisecond,
			SuccessRate:     0.95,
			LastHealthCheck: time.Now(),
		},
	}
	raw, _ := json.Marshal(desc)
	if err := transport.HSet(ctx, infra.RedisKeyAgentsHash, agentID, raw); err != nil {
		logger.Warn("self-registration failed", zap.Error(err))
	}
}

func heartbeat(ctx context.Context, b *bus.Bus, agentID string, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	send := func() {
		now := time.Now()
		status := domain.AgentIdle
		rate := 0.95
		payload, _ := json.Marshal(domain.AgentStatusMessage{
			AgentID: agentID,
			Update: domain.StatusUpdate{
				Status:          &status,
				SuccessRate:     &rate,
				LastHealthCheck: &now,
			},
		})
		err := b.Publish(ctx, infra.RedisChanAgentStatus, domain.Message{
			Type:          domain.MessageStatusUpdate,
			CorrelationID: agentID,
			Payload:       payload,
			Timestamp:     now,
		})
		if err != nil {
			logger.Warn("heartbeat failed", zap.Error(err))
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func respond(ctx context.Context, b *bus.Bus, agentID string, req domain.AgentRequest, logger *zap.Logger) {
	// Имитируем reasoning: задержка 100-600мс
	latency := time.Duration(100+rand.IntN(500)) * time.Millisecond
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return
	}

	resp := domain.AgentResponse{
		AgentID:        agentID,
		CoordinationID: req.CoordinationID,
		Phase:          req.Phase,
		EventType:      domain.EventCollaboration,
		Confidence:     0.6 + rand.Float64()*0.4,
		Content:        "It sounds like a lot is weighing on you. Let's take it one step at a time.",
	}

	// Грубый риск-сигнал, настоящие агенты делают это моделью
	lower := strings.ToLower(req.UserInput)
	if strings.Contains(lower, "hurt myself") || strings.Contains(lower, "suicide") {
		resp.EventType = domain.EventCrisisDetected
		resp.RiskScore = 0.85 + rand.Float64()*0.1
		resp.TriggerFactors = []string{"self-harm language"}
	}

	payload, _ := json.Marshal(resp)
	err := b.Publish(ctx, req.ReplyChannel, domain.Message{
		Type:          domain.MessageAgentResponse,
		CorrelationID: req.CoordinationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	})
	if err != nil {
		logger.Warn("response publish failed", zap.Error(err))
		return
	}
	logger.Debug("responded",
		zap.String("coordination_id", req.CoordinationID),
		zap.String("phase", req.Phase),
		zap.Float64("confidence", resp.Confidence))
}
