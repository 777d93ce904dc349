// Package config loads the YAML configuration recognized across the
// gateway and model-service binaries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Broker       BrokerConfig       `yaml:"broker"`
	Channel      ChannelConfig      `yaml:"channel"`
	Queue        QueueConfig        `yaml:"queue"`
	Memory       MemoryConfig       `yaml:"memory"`
	Storage      StorageConfig      `yaml:"storage"`
	ModelRuntime ModelRuntimeConfig `yaml:"modelservice"`
}

// StorageConfig names the on-disk directories for the key-value and vector
// stores. Both are local to the process; nothing here is shared state.
type StorageConfig struct {
	KVDir     string `yaml:"kv_dir"`
	VectorDir string `yaml:"vector_dir"`
}

type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Codec    string `yaml:"codec"`
	Debug    bool   `yaml:"debug"`
}

// Address returns the client-dialable host:port for this broker.
func (b BrokerConfig) Address() string {
	return b.Host + b.Port
}

type ChannelConfig struct {
	MaxClockSkewSeconds       int `yaml:"max_clock_skew_seconds"`
	SessionIdleTimeoutSeconds int `yaml:"session_idle_timeout_seconds"`
}

type QueueConfig struct {
	MaxConcurrent           int     `yaml:"max_concurrent"`
	RateLimitPerSecond      float64 `yaml:"rate_limit_per_second"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold"`
	CircuitTimeoutSeconds   int     `yaml:"circuit_timeout"`
	BatchSize               int     `yaml:"batch_size"`
	BatchTimeoutSeconds     int     `yaml:"batch_timeout"`
}

type MemoryConfig struct {
	Semantic SemanticMemoryConfig `yaml:"semantic"`
}

type SemanticMemoryConfig struct {
	Collections CollectionsConfig `yaml:"collections"`
}

type CollectionsConfig struct {
	UserFacts             string `yaml:"user_facts"`
	ConversationSegments  string `yaml:"conversation_segments"`
}

// ModelRuntimeConfig holds the `modelservice` options. Ollama.URL is the
// base URL both binaries hand to internal/modelclient; the remaining
// fields are parsed but not read by any code in this module.
type ModelRuntimeConfig struct {
	Ollama OllamaConfig         `yaml:"ollama"`
	TTS    TTSConfig            `yaml:"tts"`
}

type OllamaConfig struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	URL         string `yaml:"url"`
	AutoInstall bool   `yaml:"auto_install"`
	AutoStart   bool   `yaml:"auto_start"`
}

type TTSConfig struct {
	Engine string              `yaml:"engine"`
	Voices map[string]string   `yaml:"voices"`
}

// Load reads and parses the YAML file at path, applying defaults to every
// field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv builds a Config from its zero value plus defaults, for
// environments that configure purely through AICO_CONFIG_PATH or run with
// no config file at all.
func LoadFromEnv() (*Config, error) {
	if path := os.Getenv("AICO_CONFIG_PATH"); path != "" {
		return Load(path)
	}
	var cfg Config
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "localhost"
	}
	if cfg.Broker.Port == "" {
		cfg.Broker.Port = ":9001"
	}
	if cfg.Broker.Protocol == "" {
		cfg.Broker.Protocol = "tcp"
	}
	if cfg.Broker.Codec == "" {
		cfg.Broker.Codec = "json"
	}
	if cfg.Channel.MaxClockSkewSeconds == 0 {
		cfg.Channel.MaxClockSkewSeconds = 60
	}
	if cfg.Channel.SessionIdleTimeoutSeconds == 0 {
		cfg.Channel.SessionIdleTimeoutSeconds = 3600
	}
	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = 2
	}
	if cfg.Queue.RateLimitPerSecond == 0 {
		cfg.Queue.RateLimitPerSecond = 5.0
	}
	if cfg.Queue.CircuitFailureThreshold == 0 {
		cfg.Queue.CircuitFailureThreshold = 5
	}
	if cfg.Queue.CircuitTimeoutSeconds == 0 {
		cfg.Queue.CircuitTimeoutSeconds = 30
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 10
	}
	if cfg.Queue.BatchTimeoutSeconds == 0 {
		cfg.Queue.BatchTimeoutSeconds = 1
	}
	if cfg.Memory.Semantic.Collections.UserFacts == "" {
		cfg.Memory.Semantic.Collections.UserFacts = "user_facts"
	}
	if cfg.Memory.Semantic.Collections.ConversationSegments == "" {
		cfg.Memory.Semantic.Collections.ConversationSegments = "conversation_segments"
	}
	if cfg.Storage.KVDir == "" {
		cfg.Storage.KVDir = "data/kv"
	}
	if cfg.Storage.VectorDir == "" {
		cfg.Storage.VectorDir = "data/vectors"
	}
}
