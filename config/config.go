package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/strandtrace/strand-go"
)

// envPrefix is prepended to every envconfig key, so SAMPLER_TYPE loads
// from STRAND_SAMPLER_TYPE.
const envPrefix = "strand"

// Configuration holds everything needed to build a tracer.
type Configuration struct {
	// ServiceName identifies this process in every exported span.
	ServiceName string `envconfig:"SERVICE_NAME" yaml:"service_name" toml:"service_name"`

	// Disabled short-circuits the pipeline: spans are created but never
	// sampled or exported.
	Disabled bool `envconfig:"DISABLED" yaml:"disabled" toml:"disabled"`

	// Tags become process tags on every batch.
	Tags Tags `envconfig:"TAGS" yaml:"tags" toml:"tags"`

	Sampler   SamplerConfig   `yaml:"sampler" toml:"sampler"`
	Reporter  ReporterConfig  `yaml:"reporter" toml:"reporter"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
}

// SamplerConfig selects and parameterizes the sampling strategy.
type SamplerConfig struct {
	// Type is one of const, probabilistic, ratelimiting, remote.
	Type string `envconfig:"SAMPLER_TYPE" default:"remote" yaml:"type" toml:"type"`

	// Param depends on Type: any non-zero value for const, a
	// probability for probabilistic and remote's initial strategy,
	// traces per second for ratelimiting.
	Param float64 `envconfig:"SAMPLER_PARAM" default:"0.001" yaml:"param" toml:"param"`

	// Endpoint is the strategy endpoint polled by the remote sampler.
	Endpoint string `envconfig:"SAMPLER_ENDPOINT" default:"http://localhost:5778/sampling" yaml:"endpoint" toml:"endpoint"`

	// RefreshInterval is the remote sampler's poll cadence.
	RefreshInterval Duration `envconfig:"SAMPLER_REFRESH_INTERVAL" default:"60s" yaml:"refresh_interval" toml:"refresh_interval"`

	// MaxOperations caps the adaptive sampler's operation table.
	MaxOperations int `envconfig:"SAMPLER_MAX_OPERATIONS" default:"2000" yaml:"max_operations" toml:"max_operations"`
}

// ReporterConfig bounds the export pipeline.
type ReporterConfig struct {
	QueueSize     int      `envconfig:"REPORTER_MAX_QUEUE_SIZE" default:"1000" yaml:"queue_size" toml:"queue_size"`
	MaxBatchSpans int      `envconfig:"REPORTER_MAX_BATCH_SPANS" default:"100" yaml:"max_batch_spans" toml:"max_batch_spans"`
	MaxBatchBytes int      `envconfig:"REPORTER_MAX_BATCH_BYTES" default:"0" yaml:"max_batch_bytes" toml:"max_batch_bytes"`
	FlushInterval Duration `envconfig:"REPORTER_FLUSH_INTERVAL" default:"1s" yaml:"flush_interval" toml:"flush_interval"`
	CloseTimeout  Duration `envconfig:"REPORTER_CLOSE_TIMEOUT" default:"2s" yaml:"close_timeout" toml:"close_timeout"`

	// LogSpans mirrors every exported span to the logger.
	LogSpans bool `envconfig:"REPORTER_LOG_SPANS" default:"false" yaml:"log_spans" toml:"log_spans"`
}

// TransportConfig selects how batches reach the agent or collector.
type TransportConfig struct {
	// Kind is one of udp, http, grpc.
	Kind string `envconfig:"TRANSPORT" default:"udp" yaml:"kind" toml:"kind"`

	// AgentHost and AgentPort address the UDP agent sidecar.
	AgentHost string `envconfig:"AGENT_HOST" default:"localhost" yaml:"agent_host" toml:"agent_host"`
	AgentPort int    `envconfig:"AGENT_PORT" default:"6831" yaml:"agent_port" toml:"agent_port"`

	// CollectorEndpoint addresses the collector directly: a URL for
	// http, a host:port for grpc.
	CollectorEndpoint string `envconfig:"COLLECTOR_ENDPOINT" yaml:"collector_endpoint" toml:"collector_endpoint"`

	// Gzip compresses http submissions.
	Gzip bool `envconfig:"TRANSPORT_GZIP" default:"false" yaml:"gzip" toml:"gzip"`

	// Timeout bounds a single http or grpc submission.
	Timeout Duration `envconfig:"TRANSPORT_TIMEOUT" default:"5s" yaml:"timeout" toml:"timeout"`
}

// LogConfig configures the client's own logger.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// Tags is a process tag set that loads from "k=v,k=v" environment
// strings and from plain maps in config files.
type Tags map[string]string

// Decode implements envconfig.Decoder.
func (t *Tags) Decode(value string) error {
	parsed := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("tag %q is not in k=v form", pair)
		}
		parsed[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	*t = parsed
	return nil
}

// Duration loads from "1s"-style strings in every config source.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FromEnv loads configuration from STRAND_* environment variables,
// with defaults for everything but the service name.
func FromEnv() (*Configuration, error) {
	var cfg Configuration
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}
	return &cfg, nil
}

// FromFile loads configuration from a YAML (.yaml/.yml) or TOML (.toml)
// file. Absent fields keep their defaults.
func FromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is specified:
// remote sampling with a conservative initial probability, UDP to a
// local agent, production logging.
func Default() *Configuration {
	return &Configuration{
		Sampler: SamplerConfig{
			Type:            "remote",
			Param:           0.001,
			Endpoint:        "http://localhost:5778/sampling",
			RefreshInterval: Duration(60 * time.Second),
			MaxOperations:   2000,
		},
		Reporter: ReporterConfig{
			QueueSize:     1000,
			MaxBatchSpans: 100,
			FlushInterval: Duration(time.Second),
			CloseTimeout:  Duration(2 * time.Second),
		},
		Transport: TransportConfig{
			Kind:      "udp",
			AgentHost: "localhost",
			AgentPort: 6831,
			Timeout:   Duration(5 * time.Second),
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that cannot build a tracer.
func (c *Configuration) Validate() error {
	if c.ServiceName == "" {
		return strand.ErrMissingServiceName
	}
	switch strings.ToLower(c.Sampler.Type) {
	case "const", "probabilistic", "ratelimiting", "remote":
	default:
		return fmt.Errorf("unknown sampler type %q", c.Sampler.Type)
	}
	if t := strings.ToLower(c.Sampler.Type); t == "probabilistic" || t == "remote" {
		if c.Sampler.Param < 0 || c.Sampler.Param > 1 {
			return fmt.Errorf("sampler param %v outside [0, 1]", c.Sampler.Param)
		}
	}
	switch strings.ToLower(c.Transport.Kind) {
	case "udp":
	case "http", "grpc":
		if c.Transport.CollectorEndpoint == "" {
			return fmt.Errorf("%s transport requires a collector endpoint", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	return nil
}
