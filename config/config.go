package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the step engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single LLM provider configuration.
type LLMProviderConfig struct {
	Type       string              `mapstructure:"type"` // openai, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each phase. Quick and
// Background override the phase route when the corresponding plan flag is
// set, selecting cheaper/faster tiers.
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`
	Reasoning  string `mapstructure:"reasoning"`
	Finalize   string `mapstructure:"finalize"`
	Quick      string `mapstructure:"quick"`
	Background string `mapstructure:"background"`
	Fallback   string `mapstructure:"fallback"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

// EngineConfig tunes the plan execution loop.
type EngineConfig struct {
	MaxPlanningRounds  int `mapstructure:"max_planning_rounds"`
	ConsolidateAfter   int `mapstructure:"consolidate_after"`
	ConsolidateKeep    int `mapstructure:"consolidate_keep"`
	MaxConcurrentPlans int `mapstructure:"max_concurrent_plans"`
}

// ToolsConfig wires the registry to external collaborator endpoints.
type ToolsConfig struct {
	DefaultTimeout time.Duration           `mapstructure:"default_timeout"`
	Retries        int                     `mapstructure:"retries"`
	Endpoints      map[string]ToolEndpoint `mapstructure:"endpoints"`
}

// ToolEndpoint points one tool identifier at its collaborator service.
type ToolEndpoint struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// StorageConfig contains Postgres and Redis settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig tunes the queue consumer and the background pool.
type WorkerConfig struct {
	Group             string `mapstructure:"group"`
	TaskStream        string `mapstructure:"task_stream"`
	ArchiveStream     string `mapstructure:"archive_stream"`
	Concurrency       int    `mapstructure:"concurrency"`
	BackgroundWorkers int    `mapstructure:"background_workers"`
	BackgroundQueue   int    `mapstructure:"background_queue"`
}

// LoadConfig reads configuration from file and environment (STEPWISE_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", "10m")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
	viper.SetDefault("engine.max_planning_rounds", 8)
	viper.SetDefault("engine.consolidate_after", 12)
	viper.SetDefault("engine.consolidate_keep", 4)
	viper.SetDefault("engine.max_concurrent_plans", 8)
	viper.SetDefault("tools.default_timeout", "60s")
	viper.SetDefault("tools.retries", 2)
	viper.SetDefault("worker.group", "stepwise-workers")
	viper.SetDefault("worker.task_stream", "task.enqueued")
	viper.SetDefault("worker.archive_stream", "plan.archive")
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.background_workers", 2)
	viper.SetDefault("worker.background_queue", 64)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			viper.AddConfigPath(exeDir)
			viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("STEPWISE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("config: read error: %v", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("config: unmarshal: %v", err)
	}
	return &cfg
}

// PostgresDSN assembles a connection string from the configured fields.
func (s StorageConfig) PostgresDSN() string {
	if s.Postgres.URL != "" {
		return s.Postgres.URL
	}
	host := s.Postgres.Host
	if host == "" {
		return ""
	}
	port := s.Postgres.Port
	if port == "" {
		port = "5432"
	}
	ssl := s.Postgres.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return "postgres://" + s.Postgres.User + ":" + s.Postgres.Password + "@" +
		host + ":" + port + "/" + s.Postgres.DBName + "?sslmode=" + ssl
}

// RedisAddr returns host:port for the configured Redis instance.
func (s StorageConfig) RedisAddr() string {
	host := s.Redis.Host
	if host == "" {
		host = "localhost"
	}
	port := s.Redis.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}
