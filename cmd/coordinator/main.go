package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solacemind/coordination-core/internal/audit"
	"github.com/solacemind/coordination-core/internal/bus"
	"github.com/solacemind/coordination-core/internal/codec"
	"github.com/solacemind/coordination-core/internal/crisis"
	"github.com/solacemind/coordination-core/internal/infra"
	"github.com/solacemind/coordination-core/internal/memory"
	"github.com/solacemind/coordination-core/internal/orchestrator"
	"github.com/solacemind/coordination-core/internal/recovery"
	"github.com/solacemind/coordination-core/internal/registry"
	"github.com/solacemind/coordination-core/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация. ConfigurationError (включая отсутствие секрета
	// шифрования при включенном шифровании) фатальна здесь и только здесь.
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}

	// Контекст жизненного цикла фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Redis-транспорт + кодек + шина
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	wireCodec, err := codec.New(cfg.Bus)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	reg := prometheus.NewRegistry()
	transport := bus.NewRedisTransport(rdb)
	coordBus := bus.New(transport, wireCodec, cfg.Bus, bus.NewMetrics(reg), logger)

	// 3. Persistence: audit trail и алерты (пачки летят в Postgres)
	trailRepo := postgres.NewTrailRepo(cfg.Database.URL)
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := trailRepo.Ping(pingCtx); err != nil {
		log.Fatalf("database unreachable: %v", err)
	}
	pingCancel()

	trail := audit.NewTrail(trailRepo, logger)
	trail.Start()

	alertRepo := postgres.NewAlertRepo(cfg.Database.URL)

	// 4. Реестр агентов: warm-up из Redis + живые статус-апдейты с шины
	agentReg := registry.New(cfg.Orchestrator.AgentStaleness, logger)
	if err := agentReg.Warmup(appCtx, transport, infra.RedisKeyAgentsHash); err != nil {
		logger.Warn("registry warmup failed, starting empty", zap.Error(err))
	}
	unsubStatus, err := coordBus.Subscribe(infra.RedisChanAgentStatus, agentReg.HandleStatus)
	if err != nil {
		log.Fatalf("status subscription: %v", err)
	}
	defer unsubStatus()

	// 5. Crisis-машина + watchdog дедлайнов
	detector := crisis.NewDetector(cfg.Crisis.RiskThreshold, logger)
	crisisEngine := crisis.NewEngine(detector, coordBus, alertRepo, agentReg, trail, crisis.NewMetrics(reg), cfg.Crisis, logger)
	if err := crisisEngine.Restore(appCtx); err != nil {
		logger.Warn("crisis restore failed", zap.Error(err))
	}
	go crisisEngine.StartWatchdog(appCtx)

	// 6. Memory-коллаборатор: Reliability (Retries, Circuit Breaker) + кэш
	var retriever memory.Retriever = memory.NewReliabilityWrapper(&memory.MockRetriever{}, cfg.Memory)
	cached, err := memory.NewCachedRetriever(retriever, cfg.Memory.CacheTTL)
	if err != nil {
		log.Fatalf("memory cache: %v", err)
	}
	defer cached.Close()

	// 7. Оркестратор
	stateStore := recovery.NewStore(coordBus, logger)
	orch := orchestrator.New(
		coordBus, agentReg, stateStore, cached, crisisEngine,
		trail, orchestrator.NewMetrics(reg), cfg.Orchestrator, logger,
	)
	if err := orch.Start(); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	// 8. Операционный HTTP-сервер
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !coordBus.HealthCheck(req.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/bus/metrics", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coordBus.GetPerformanceMetrics())
	})
	r.Post("/v1/coordinate", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			SessionID      string `json:"session_id"`
			CoordinationID string `json:"coordination_id,omitempty"`
			UserID         string `json:"user_id"`
			Input          string `json:"input"`
			Urgent         bool   `json:"urgent"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result, err := orch.Handle(req.Context(), orchestrator.Request{
			SessionID:      in.SessionID,
			CoordinationID: in.CoordinationID,
			UserID:         in.UserID,
			Input:          in.Input,
			Urgent:         in.Urgent,
		})
		if err != nil {
			// Reported-not-fatal: даже Failed несет безопасный fallback-контент
			logger.Warn("coordination degraded", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})
	r.Delete("/v1/sessions/{sessionID}", func(w http.ResponseWriter, req *http.Request) {
		if orch.Cancel(chi.URLParam(req, "sessionID")) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mountAlertRoutes(r, crisisEngine)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("coordination core started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-stop
	logger.Info("coordination core stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	orch.Stop()
	cancel() // Останавливаем watchdog и слушателей
	coordBus.Shutdown(shutdownCtx)
	trail.Stop()
	logger.Info("coordination core exited properly")
}
