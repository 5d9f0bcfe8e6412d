// Package config provides configuration loading for semanticd.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration. It is constructed once at
// startup and never mutated afterwards.
type Config struct {
	Broker        BrokerConfig        `koanf:"broker" json:"broker"`
	Deterministic DeterministicConfig `koanf:"deterministic" json:"deterministic"`
	Reactive      ReactiveConfig      `koanf:"reactive" json:"reactive"`
	Choreographed ChoreographedConfig `koanf:"choreographed" json:"choreographed"`
	Engine        EngineConfig        `koanf:"engine" json:"engine"`
	Server        ServerConfig        `koanf:"server" json:"server"`
	NATS          NATSConfig          `koanf:"nats" json:"nats"`
	Logging       LoggingConfig       `koanf:"logging" json:"logging"`
	Observability ObservabilityConfig `koanf:"observability" json:"observability"`
}

// BrokerConfig tunes the event broker.
type BrokerConfig struct {
	MaxRetries      int      `koanf:"max_retries" json:"max_retries"`
	RetryDelay      Duration `koanf:"retry_delay" json:"retry_delay"`
	HistorySize     int      `koanf:"history_size" json:"history_size"`
	DeadLetterLimit int      `koanf:"dead_letter_limit" json:"dead_letter_limit"`
	ReplayRate      int      `koanf:"replay_rate" json:"replay_rate"`
}

// DeterministicConfig tunes the plan executor.
type DeterministicConfig struct {
	StepTimeout         Duration `koanf:"step_timeout" json:"step_timeout"`
	RetryDelay          Duration `koanf:"retry_delay" json:"retry_delay"`
	CheckpointTTL       Duration `koanf:"checkpoint_ttl" json:"checkpoint_ttl"`
	AbortOnCriticalPost bool     `koanf:"abort_on_critical_post" json:"abort_on_critical_post"`
}

// ReactiveChecks toggles the individual coherence checks. All checks run
// unless disabled.
type ReactiveChecks struct {
	DisableSemantic      bool `koanf:"disable_semantic" json:"disable_semantic"`
	DisableCrossArtifact bool `koanf:"disable_cross_artifact" json:"disable_cross_artifact"`
	DisableTemporal      bool `koanf:"disable_temporal" json:"disable_temporal"`
	DisableBusiness      bool `koanf:"disable_business" json:"disable_business"`
	DisableCompliance    bool `koanf:"disable_compliance" json:"disable_compliance"`
}

// ReactiveConfig tunes the event policeman.
type ReactiveConfig struct {
	InterventionThreshold int            `koanf:"intervention_threshold" json:"intervention_threshold"`
	BatchSize             int            `koanf:"batch_size" json:"batch_size"`
	Checks                ReactiveChecks `koanf:"checks" json:"checks"`
}

// ChoreographedConfig tunes the consensus protocol.
type ChoreographedConfig struct {
	QuorumThreshold   float64  `koanf:"quorum_threshold" json:"quorum_threshold"`
	TimeoutPeriod     Duration `koanf:"timeout_period" json:"timeout_period"`
	PollInterval      Duration `koanf:"poll_interval" json:"poll_interval"`
	ProposalRetention Duration `koanf:"proposal_retention" json:"proposal_retention"`
}

// EngineConfig tunes artifact interpretation.
type EngineConfig struct {
	MaxDependencyDepth int `koanf:"max_dependency_depth" json:"max_dependency_depth"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Port            int      `koanf:"port" json:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// NATSConfig wires the optional NATS bridge.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled" json:"enabled"`
	URL           string `koanf:"url" json:"url"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`
	Embedded      bool   `koanf:"embedded" json:"embedded"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level       string   `koanf:"level" json:"level"`
	Format      string   `koanf:"format" json:"format"`
	OutputPaths []string `koanf:"output_paths" json:"output_paths"`
}

// ObservabilityConfig wires OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled      bool    `koanf:"enabled" json:"enabled"`
	ServiceName  string  `koanf:"service_name" json:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint" json:"otlp_endpoint"`
	Protocol     string  `koanf:"protocol" json:"protocol"`
	Insecure     bool    `koanf:"insecure" json:"insecure"`
	SampleRate   float64 `koanf:"sample_rate" json:"sample_rate"`
}

// applyDefaults sets defaults for missing values.
func applyDefaults(cfg *Config) {
	if cfg.Broker.MaxRetries == 0 {
		cfg.Broker.MaxRetries = 3
	}
	if cfg.Broker.RetryDelay == 0 {
		cfg.Broker.RetryDelay = Duration(100 * time.Millisecond)
	}
	if cfg.Broker.HistorySize == 0 {
		cfg.Broker.HistorySize = 1000
	}
	if cfg.Broker.DeadLetterLimit == 0 {
		cfg.Broker.DeadLetterLimit = 10000
	}
	if cfg.Broker.ReplayRate == 0 {
		cfg.Broker.ReplayRate = 100
	}

	if cfg.Deterministic.StepTimeout == 0 {
		cfg.Deterministic.StepTimeout = Duration(30 * time.Second)
	}
	if cfg.Deterministic.RetryDelay == 0 {
		cfg.Deterministic.RetryDelay = Duration(100 * time.Millisecond)
	}
	if cfg.Deterministic.CheckpointTTL == 0 {
		cfg.Deterministic.CheckpointTTL = Duration(time.Hour)
	}

	if cfg.Reactive.InterventionThreshold == 0 {
		cfg.Reactive.InterventionThreshold = 2
	}

	if cfg.Choreographed.QuorumThreshold == 0 {
		cfg.Choreographed.QuorumThreshold = 0.6
	}
	if cfg.Choreographed.TimeoutPeriod == 0 {
		cfg.Choreographed.TimeoutPeriod = Duration(30 * time.Second)
	}
	if cfg.Choreographed.PollInterval == 0 {
		cfg.Choreographed.PollInterval = Duration(50 * time.Millisecond)
	}
	if cfg.Choreographed.ProposalRetention == 0 {
		cfg.Choreographed.ProposalRetention = Duration(10 * time.Minute)
	}

	if cfg.Engine.MaxDependencyDepth == 0 {
		cfg.Engine.MaxDependencyDepth = 10
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "semanticd.events"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Logging.OutputPaths) == 0 {
		cfg.Logging.OutputPaths = []string{"stderr"}
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "semanticd"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries must not be negative")
	}
	if c.Choreographed.QuorumThreshold <= 0 || c.Choreographed.QuorumThreshold > 1 {
		return fmt.Errorf("choreographed.quorum_threshold must be in (0, 1], got %v", c.Choreographed.QuorumThreshold)
	}
	if c.Reactive.InterventionThreshold < 1 || c.Reactive.InterventionThreshold > 4 {
		return fmt.Errorf("reactive.intervention_threshold must be a severity score 1-4, got %d", c.Reactive.InterventionThreshold)
	}
	if c.Reactive.BatchSize < 0 {
		return fmt.Errorf("reactive.batch_size must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	switch c.Observability.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("observability.protocol must be grpc or http, got %q", c.Observability.Protocol)
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be in [0, 1], got %v", c.Observability.SampleRate)
	}
	return nil
}
