// Package config loads the engine configuration.
//
// Sources are applied in order: built-in defaults, an optional YAML or TOML
// file read with viper, then OFFSYNC_* environment variables. The result is
// validated against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFSYNC_"

//go:embed schema.cue
var schemaSource string

// Config is the complete engine configuration.
type Config struct {
	Database     Database     `mapstructure:"database" toml:"database" json:"database" envPrefix:"DB_"`
	Cache        Cache        `mapstructure:"cache" toml:"cache" json:"cache" envPrefix:"CACHE_"`
	Queue        Queue        `mapstructure:"queue" toml:"queue" json:"queue" envPrefix:"QUEUE_"`
	Sync         Sync         `mapstructure:"sync" toml:"sync" json:"sync" envPrefix:"SYNC_"`
	Connectivity Connectivity `mapstructure:"connectivity" toml:"connectivity" json:"connectivity" envPrefix:"CONNECTIVITY_"`
	Remote       Remote       `mapstructure:"remote" toml:"remote" json:"remote" envPrefix:"REMOTE_"`
	Telemetry    Telemetry    `mapstructure:"telemetry" toml:"telemetry" json:"telemetry" envPrefix:"TELEMETRY_"`
}

// Database configures the SQLite file.
type Database struct {
	Path string `mapstructure:"path" toml:"path" json:"path" env:"PATH"`

	// CompressThreshold is the value size from which cache values are
	// stored snappy-compressed. 0 disables compression.
	CompressThreshold int `mapstructure:"compress_threshold" toml:"compress_threshold" json:"compress_threshold" env:"COMPRESS_THRESHOLD"`
}

// Cache configures the content cache budget and eviction.
type Cache struct {
	MaxBytes   int64    `mapstructure:"max_bytes" toml:"max_bytes" json:"max_bytes" env:"MAX_BYTES"`
	MaxEntries int64    `mapstructure:"max_entries" toml:"max_entries" json:"max_entries" env:"MAX_ENTRIES"`
	HalfLife   Duration `mapstructure:"half_life" toml:"half_life" json:"half_life" env:"HALF_LIFE"`
	DefaultTTL Duration `mapstructure:"default_ttl" toml:"default_ttl" json:"default_ttl" env:"DEFAULT_TTL"`
}

// Queue configures the action queue.
type Queue struct {
	MaxAttempts int      `mapstructure:"max_attempts" toml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	Retention   Duration `mapstructure:"retention" toml:"retention" json:"retention" env:"RETENTION"`
}

// Sync configures sync passes.
type Sync struct {
	ActionTimeout Duration `mapstructure:"action_timeout" toml:"action_timeout" json:"action_timeout" env:"ACTION_TIMEOUT"`
	BaseBackoff   Duration `mapstructure:"base_backoff" toml:"base_backoff" json:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff    Duration `mapstructure:"max_backoff" toml:"max_backoff" json:"max_backoff" env:"MAX_BACKOFF"`
	Jitter        float64  `mapstructure:"jitter" toml:"jitter" json:"jitter" env:"JITTER"`

	// Periodic triggers a pass on a timer. 0 disables it.
	Periodic Duration `mapstructure:"periodic" toml:"periodic" json:"periodic" env:"PERIODIC"`
}

// Connectivity configures the reachability monitor. With neither ProbeURL
// nor ProbeAddr set, the remote base URL is probed.
type Connectivity struct {
	ProbeURL  string   `mapstructure:"probe_url" toml:"probe_url" json:"probe_url" env:"PROBE_URL"`
	ProbeAddr string   `mapstructure:"probe_addr" toml:"probe_addr" json:"probe_addr" env:"PROBE_ADDR"`
	Interval  Duration `mapstructure:"interval" toml:"interval" json:"interval" env:"INTERVAL"`
	Timeout   Duration `mapstructure:"timeout" toml:"timeout" json:"timeout" env:"TIMEOUT"`
	Threshold int      `mapstructure:"threshold" toml:"threshold" json:"threshold" env:"THRESHOLD"`
}

// Remote configures the HTTP endpoint.
type Remote struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url" json:"base_url" env:"BASE_URL"`

	// Credential is sent verbatim as the Authorization header.
	Credential string `mapstructure:"credential" toml:"credential" json:"credential" env:"CREDENTIAL"`
}

// Telemetry configures metrics and tracing export.
type Telemetry struct {
	MetricsAddr  string `mapstructure:"metrics_addr" toml:"metrics_addr" json:"metrics_addr" env:"METRICS_ADDR"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" toml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"service_name" toml:"service_name" json:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Path:              "offsync.db",
			CompressThreshold: 1024,
		},
		Cache: Cache{
			MaxBytes:   64 << 20,
			MaxEntries: 0,
			HalfLife:   Duration(time.Hour),
			DefaultTTL: 0,
		},
		Queue: Queue{
			MaxAttempts: 5,
			Retention:   Duration(24 * time.Hour),
		},
		Sync: Sync{
			ActionTimeout: Duration(30 * time.Second),
			BaseBackoff:   Duration(time.Second),
			MaxBackoff:    Duration(5 * time.Minute),
			Jitter:        0.2,
			Periodic:      Duration(time.Minute),
		},
		Connectivity: Connectivity{
			Interval:  Duration(15 * time.Second),
			Timeout:   Duration(5 * time.Second),
			Threshold: 1,
		},
		Telemetry: Telemetry{
			ServiceName: "offsync",
		},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", joinProblems(e.Problems))
}

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("load config value: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Problems: problems(err)}
	}
	return nil
}

// Encode renders c as TOML.
func Encode(c Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode toml: %w", err)
	}
	return buf.Bytes(), nil
}

func problems(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

func joinProblems(ps []string) string {
	var buf bytes.Buffer
	for i, p := range ps {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(p)
	}
	return buf.String()
}
