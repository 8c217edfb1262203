package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire sectriage configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Trust    TrustConfig    `yaml:"trust"`
	Mitre    MitreConfig    `yaml:"mitre"`
	LLM      LLMConfig      `yaml:"llm"`
	Explain  ExplainConfig  `yaml:"explain"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	HistorySize int `yaml:"history_size"`
}

// AnomalyConfig holds anomaly scorer settings.
type AnomalyConfig struct {
	ModelPath string  `yaml:"model_path"`
	Threshold float64 `yaml:"threshold"`
}

// TrustConfig holds trust calibrator settings.
type TrustConfig struct {
	Temperature     float64 `yaml:"temperature"`
	Threshold       float64 `yaml:"threshold"`
	MaxSamples      int     `yaml:"max_samples"`
	CalibrationPath string  `yaml:"calibration_path"`
}

// MitreConfig points at the technique knowledge base.
type MitreConfig struct {
	DBPath string `yaml:"db_path"`
}

// LLMConfig holds the chat-completion collaborator settings.
type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// ExplainConfig holds explanation synthesizer settings.
type ExplainConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// OutputConfig holds run output paths.
type OutputConfig struct {
	ResultsPath   string `yaml:"results_path"`
	MatrixPath    string `yaml:"matrix_path"`
	NavigatorPath string `yaml:"navigator_path"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// IngestConfig holds live ingestion settings shared by watch and serve.
type IngestConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	DedupSize   int           `yaml:"dedup_size"`
	Syslog      SyslogConfig  `yaml:"syslog"`
}

// SyslogConfig holds the syslog listener settings. Protocol is udp, tcp or
// both; Format names the collect parser applied to each message.
type SyslogConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Protocol        string `yaml:"protocol"`
	Format          string `yaml:"format"`
	ForwardUnparsed bool   `yaml:"forward_unparsed"`
}

// StoreConfig holds optional result sinks. Empty URLs disable the sink.
type StoreConfig struct {
	PostgresURL     string   `yaml:"postgres_url"`
	RedisURL        string   `yaml:"redis_url"`
	Webhooks        []string `yaml:"webhooks"`
	WebhookMinLevel string   `yaml:"webhook_min_level"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults; zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			HistorySize: 1000,
		},
		Anomaly: AnomalyConfig{
			ModelPath: "data/anomaly_model.json",
			Threshold: 0.7,
		},
		Trust: TrustConfig{
			Temperature:     1.5,
			Threshold:       0.7,
			MaxSamples:      100,
			CalibrationPath: "data/calibration_data.json",
		},
		Mitre: MitreConfig{
			DBPath: "data/mitre_db.csv",
		},
		LLM: LLMConfig{
			Enabled:     true,
			BaseURL:     "http://localhost:1234/v1",
			Timeout:     30 * time.Second,
			Temperature: 0.3,
			MaxTokens:   500,
		},
		Explain: ExplainConfig{
			CacheSize: 256,
		},
		Output: OutputConfig{
			ResultsPath:   "outputs/soc_results.json",
			MatrixPath:    "outputs/mitre_matrix.csv",
			NavigatorPath: "outputs/mitre_navigator.json",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Ingest: IngestConfig{
			DedupWindow: 30 * time.Second,
			DedupSize:   50000,
			Syslog: SyslogConfig{
				Host:     "0.0.0.0",
				Port:     1514,
				Protocol: "udp",
				Format:   "auto",
			},
		},
		Store: StoreConfig{
			WebhookMinLevel: "HIGH",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("SECTRIAGE_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if envURL := os.Getenv("SECTRIAGE_LLM_URL"); envURL != "" {
		cfg.LLM.BaseURL = envURL
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
