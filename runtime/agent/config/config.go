// Package config loads process configuration from an optional YAML file and
// AGENTEXEC_* environment variables. Precedence is defaults, then file, then
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTEXEC"

type (
	// Config is the process configuration.
	Config struct {
		Server  ServerConfig  `yaml:"server" env:"SERVER"`
		Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
		Durable DurableConfig `yaml:"durable" env:"DURABLE"`
		Stream  StreamConfig  `yaml:"stream" env:"STREAM"`
		Store   StoreConfig   `yaml:"store" env:"STORE"`
		Redis   RedisConfig   `yaml:"redis" env:"REDIS"`
		Mongo   MongoConfig   `yaml:"mongo" env:"MONGO"`
		Agent   AgentConfig   `yaml:"agent" env:"AGENT"`
		Model   ModelConfig   `yaml:"model" env:"MODEL"`
	}

	// ServerConfig configures the HTTP surface.
	ServerConfig struct {
		Addr string `yaml:"addr" env:"ADDR"`
		// Debug enables debug logs and the /debug endpoints.
		Debug           bool          `yaml:"debug" env:"DEBUG"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	}

	// EngineConfig selects and configures the workflow engine.
	EngineConfig struct {
		// Backend is "inmem" or "temporal".
		Backend string `yaml:"backend" env:"BACKEND"`
		// LivenessWindow is the heartbeat timeout of an attempt.
		LivenessWindow time.Duration  `yaml:"liveness_window" env:"LIVENESS_WINDOW"`
		StartToClose   time.Duration  `yaml:"start_to_close" env:"START_TO_CLOSE"`
		MaxAttempts    int            `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
		Temporal       TemporalConfig `yaml:"temporal" env:"TEMPORAL"`
	}

	// TemporalConfig locates the Temporal frontend.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port" env:"HOST_PORT"`
		Namespace string `yaml:"namespace" env:"NAMESPACE"`
		TaskQueue string `yaml:"task_queue" env:"TASK_QUEUE"`
	}

	// DurableConfig configures callbacks and heartbeats.
	DurableConfig struct {
		CallbackTimeout time.Duration `yaml:"callback_timeout" env:"CALLBACK_TIMEOUT"`
		HeartbeatEvery  int           `yaml:"heartbeat_every" env:"HEARTBEAT_EVERY"`
		// CallbackRate caps callback POSTs per second. Zero disables it.
		CallbackRate float64 `yaml:"callback_rate" env:"CALLBACK_RATE"`
	}

	// StreamConfig configures pull subscriptions.
	StreamConfig struct {
		IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
		// Pulse forwards every execution to Redis streams and serves pull
		// subscriptions from them.
		Pulse     bool `yaml:"pulse" env:"PULSE"`
		MaxLength int  `yaml:"max_length" env:"MAX_LENGTH"`
		// Retention keeps finished session streams readable by late pull
		// subscribers. Zero keeps them until the session is deleted.
		Retention time.Duration `yaml:"retention" env:"RETENTION"`
	}

	// StoreConfig selects the persistence backend for sessions,
	// checkpoints and memory.
	StoreConfig struct {
		// Backend is "inmem", "redis" or "mongo". Redis holds checkpoints
		// only; sessions and memory stay in process.
		Backend       string        `yaml:"backend" env:"BACKEND"`
		CheckpointTTL time.Duration `yaml:"checkpoint_ttl" env:"CHECKPOINT_TTL"`
	}

	// RedisConfig locates Redis.
	RedisConfig struct {
		Addr     string `yaml:"addr" env:"ADDR"`
		Password string `yaml:"password" env:"PASSWORD"`
		DB       int    `yaml:"db" env:"DB"`
	}

	// MongoConfig locates MongoDB.
	MongoConfig struct {
		URI      string `yaml:"uri" env:"URI"`
		Database string `yaml:"database" env:"DATABASE"`
	}

	// AgentConfig configures executions.
	AgentConfig struct {
		StepBudget    int    `yaml:"step_budget" env:"STEP_BUDGET"`
		WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
		SystemPrompt  string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	}

	// ModelConfig selects the model provider.
	ModelConfig struct {
		// Provider is "anthropic", "bedrock", "openai" or "scripted".
		Provider       string `yaml:"provider" env:"PROVIDER"`
		Name           string `yaml:"name" env:"NAME"`
		APIKey         string `yaml:"api_key" env:"API_KEY"`
		// Region is the AWS region of the bedrock provider.
		Region         string `yaml:"region" env:"REGION"`
		MaxTokens      int    `yaml:"max_tokens" env:"MAX_TOKENS"`
		ThinkingBudget int    `yaml:"thinking_budget" env:"THINKING_BUDGET"`
		// TPM is the initial tokens-per-minute budget. Zero disables
		// limiting.
		TPM float64 `yaml:"tpm" env:"TPM"`
		// SharedBudget shares the TPM budget across processes through Redis.
		SharedBudget bool `yaml:"shared_budget" env:"SHARED_BUDGET"`
	}
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Engine: EngineConfig{
			Backend:        "inmem",
			LivenessWindow: 30 * time.Second,
			StartToClose:   time.Hour,
			MaxAttempts:    3,
			Temporal: TemporalConfig{
				HostPort:  "localhost:7233",
				Namespace: "default",
				TaskQueue: "agentexec",
			},
		},
		Durable: DurableConfig{CallbackTimeout: 3 * time.Second, HeartbeatEvery: 5},
		Stream:  StreamConfig{IdleTimeout: 5 * time.Minute, Retention: 24 * time.Hour},
		Store:   StoreConfig{Backend: "inmem"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "agentexec"},
		Agent:   AgentConfig{StepBudget: 25},
		Model:   ModelConfig{Provider: "scripted", MaxTokens: 4096},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case "inmem":
	case "temporal":
		if c.Engine.Temporal.TaskQueue == "" {
			return errors.New("config: engine.temporal.task_queue is required")
		}
	default:
		return fmt.Errorf("config: unknown engine backend %q", c.Engine.Backend)
	}
	switch c.Store.Backend {
	case "inmem", "redis", "mongo":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Model.Provider {
	case "scripted":
	case "bedrock":
		if c.Model.Region == "" || c.Model.Name == "" {
			return errors.New("config: model.region and model.name are required for bedrock")
		}
	case "anthropic", "openai":
		if c.Model.APIKey == "" {
			return fmt.Errorf("config: model.api_key is required for %s", c.Model.Provider)
		}
		if c.Model.Name == "" {
			return fmt.Errorf("config: model.name is required for %s", c.Model.Provider)
		}
	default:
		return fmt.Errorf("config: unknown model provider %q", c.Model.Provider)
	}
	if c.Durable.HeartbeatEvery <= 0 {
		return errors.New("config: durable.heartbeat_every must be positive")
	}
	if c.Agent.StepBudget <= 0 {
		return errors.New("config: agent.step_budget must be positive")
	}
	if c.Engine.LivenessWindow <= 0 || c.Stream.IdleTimeout <= 0 || c.Durable.CallbackTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	return nil
}

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := range v.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(f reflect.Value, raw string) error {
	switch {
	case f.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
	case f.Kind() == reflect.String:
		f.SetString(raw)
	case f.Kind() == reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case f.Kind() == reflect.Float64:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case f.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}
