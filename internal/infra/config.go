package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации координационного ядра.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Bus          BusConfig          `mapstructure:"bus"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Crisis       CrisisConfig       `mapstructure:"crisis"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает настройки операционного HTTP-сервера (healthz, metrics).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (алерты и audit trail).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (транспорт шины: Pub/Sub + State).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig содержит настройки координационной шины.
type BusConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Политика переподключения подписчика (Disconnected -> Connecting -> Connected)
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	PublishRetries int           `mapstructure:"publish_retries"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`

	// Шифрование сообщений и recovery-состояния (AES-256-GCM).
	// Секрет может прилететь через ENV (BUS_ENCRYPTION_SECRET_DATA) или файлом.
	EncryptionEnabled    bool   `mapstructure:"encryption_enabled"`
	EncryptionSecretPath string `mapstructure:"encryption_secret_path"`
	EncryptionSecret     []byte

	// Компрессия фиксируется на деплой целиком, не per-message,
	// иначе decode становится неоднозначным.
	CompressionEnabled bool `mapstructure:"compression_enabled"`
}

// OrchestratorConfig содержит тайминги фаз и пороги стратегий.
type OrchestratorConfig struct {
	PhaseTimeout        time.Duration `mapstructure:"phase_timeout"`
	StateTTL            time.Duration `mapstructure:"state_ttl"`
	AnalysisAgents      int           `mapstructure:"analysis_agents"`
	AgentStaleness      time.Duration `mapstructure:"agent_staleness"`
	DeepConfidenceFloor float64       `mapstructure:"deep_confidence_floor"`
	FallbackPenalty     float64       `mapstructure:"fallback_penalty"`
}

// CrisisConfig содержит пороги эскалации и дедлайн активного алерта.
type CrisisConfig struct {
	RiskThreshold    float64       `mapstructure:"risk_threshold"`
	AlertDeadline    time.Duration `mapstructure:"alert_deadline"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

// MemoryConfig — настройки обвязки вокруг vector-search коллаборатора.
type MemoryConfig struct {
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// ConfigurationError — фатальная ошибка конфигурации. Поднимается один раз на старте,
// никогда в рантайме обработки сообщений.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: BUS_BATCH_SIZE=50 перекроет bus.batch_size
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Секрет шифрования: сначала смотрим ENV (для Docker/K8s), потом файл
	cfg.Bus.EncryptionSecret = loadSecretResource(cfg.Bus.EncryptionSecretPath, "BUS_ENCRYPTION_SECRET_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate проверяет инварианты конфигурации, нарушение которых фатально на старте.
func (c *Config) Validate() error {
	if c.Bus.EncryptionEnabled && len(c.Bus.EncryptionSecret) == 0 {
		return &ConfigurationError{
			Field:  "bus.encryption_secret",
			Reason: "encryption is enabled but no secret is configured",
		}
	}
	if c.Bus.BatchSize < 1 {
		return &ConfigurationError{Field: "bus.batch_size", Reason: "must be >= 1"}
	}
	if c.Orchestrator.PhaseTimeout <= 0 {
		return &ConfigurationError{Field: "orchestrator.phase_timeout", Reason: "must be positive"}
	}
	if c.Crisis.RiskThreshold < 0 || c.Crisis.RiskThreshold > 1 {
		return &ConfigurationError{Field: "crisis.risk_threshold", Reason: "must be within [0,1]"}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("bus.batch_size", 10)
	v.SetDefault("bus.flush_interval", 100*time.Millisecond)
	v.SetDefault("bus.reconnect_min_delay", 500*time.Millisecond)
	v.SetDefault("bus.reconnect_max_delay", 30*time.Second)
	v.SetDefault("bus.publish_retries", 3)
	v.SetDefault("bus.publish_timeout", 5*time.Second)

	v.SetDefault("orchestrator.phase_timeout", 10*time.Second)
	v.SetDefault("orchestrator.state_ttl", 30*time.Minute)
	v.SetDefault("orchestrator.analysis_agents", 3)
	v.SetDefault("orchestrator.agent_staleness", 90*time.Second)
	v.SetDefault("orchestrator.deep_confidence_floor", 0.5)
	v.SetDefault("orchestrator.fallback_penalty", 0.15)

	v.SetDefault("crisis.risk_threshold", 0.7)
	v.SetDefault("crisis.alert_deadline", 5*time.Minute)
	v.SetDefault("crisis.watchdog_interval", 15*time.Second)

	v.SetDefault("memory.rate_limit", 100)
	v.SetDefault("memory.rate_burst", 20)
	v.SetDefault("memory.cb_max_requests", 3)
	v.SetDefault("memory.cb_interval", 5*time.Second)
	v.SetDefault("memory.cb_timeout", 30*time.Second)
	v.SetDefault("memory.cache_ttl", 2*time.Minute)
}

// loadSecretResource — универсальный хелпер: секрет из ENV или файла.
func loadSecretResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
