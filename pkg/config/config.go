// Package config provides configuration loading, validation and secrets for conductor.
// It handles YAML and JSON config files, environment variable substitution and
// CONDUCTOR_* overrides. Configuration is read once at startup; nothing reloads it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/logx"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "CONDUCTOR_"

// Strategy names.
const (
	StrategySingle   = "single"
	StrategyRouter   = "router"
	StrategyPipeline = "pipeline"
	StrategyParallel = "parallel"
)

// Unit kinds.
const (
	UnitCompletion = "completion"
	UnitClassifier = "classifier"
	UnitEcho       = "echo"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// Limiter backends.
const (
	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Duration is a time.Duration that reads "30s"-style strings from YAML, JSON
// and the environment. Plain JSON numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.set(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.set(node.Value)
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration.
type Config struct {
	Server       ServerConfig              `json:"server" yaml:"server"`
	Orchestrator OrchestratorConfig        `json:"orchestrator" yaml:"orchestrator"`
	Units        []UnitConfig              `json:"units" yaml:"units"`
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Breaker      BreakerConfig             `json:"breaker" yaml:"breaker"`
	Limiter      LimiterConfig             `json:"limiter" yaml:"limiter"`
	Retry        RetryConfig               `json:"retry" yaml:"retry"`
	Metrics      MetricsConfig             `json:"metrics" yaml:"metrics"`
	Ledger       LedgerConfig              `json:"ledger" yaml:"ledger"`
	Debug        DebugConfig               `json:"debug" yaml:"debug"`
	SecretsDir   string                    `json:"secrets_dir" yaml:"secrets_dir"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// OrchestratorConfig selects the composition strategy and its units. Units
// lists the participating units in order; empty means every declared unit.
type OrchestratorConfig struct {
	Strategy          string            `json:"strategy" yaml:"strategy"`
	Units             []string          `json:"units" yaml:"units"`
	Classifier        string            `json:"classifier" yaml:"classifier"`
	Routes            map[string]string `json:"routes" yaml:"routes"`
	DefaultUnit       string            `json:"default_unit" yaml:"default_unit"`
	PropagateMetadata bool              `json:"propagate_metadata" yaml:"propagate_metadata"`
	RequestTimeout    Duration          `json:"request_timeout" yaml:"request_timeout"`
	UnitTimeout       Duration          `json:"unit_timeout" yaml:"unit_timeout"`
	Parallel          ParallelConfig    `json:"parallel" yaml:"parallel"`
}

// ParallelConfig holds the fan-out policy.
type ParallelConfig struct {
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`
}

// UnitConfig declares one execution unit.
type UnitConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Kind         string   `json:"kind" yaml:"kind"`
	Provider     string   `json:"provider" yaml:"provider"`
	Model        string   `json:"model" yaml:"model"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Labels       []string `json:"labels" yaml:"labels"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	FinalPrefix  string   `json:"final_prefix" yaml:"final_prefix"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// BreakerSettings is one breaker's thresholds.
type BreakerSettings struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// BreakerConfig holds the default breaker settings and per-dependency overrides.
type BreakerConfig struct {
	BreakerSettings `yaml:",inline"`
	Overrides       map[string]BreakerSettings `json:"overrides" yaml:"overrides"`
}

// LimiterConfig configures admission control.
type LimiterConfig struct {
	Backend   string   `json:"backend" yaml:"backend"`
	Capacity  int      `json:"capacity" yaml:"capacity"`
	Window    Duration `json:"window" yaml:"window"`
	IdleTTL   Duration `json:"idle_ttl" yaml:"idle_ttl"`
	RedisAddr string   `json:"redis_addr" yaml:"redis_addr"`
	Provider  bool     `json:"provider" yaml:"provider"`
}

// RetryConfig configures provider call retries inside units.
type RetryConfig struct {
	MaxAttempts   int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64  `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        bool     `json:"jitter" yaml:"jitter"`
}

// MetricsConfig configures Prometheus export and queries.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url"`

	// TraceExporter selects where orchestrator spans go: "none" or "stdout".
	TraceExporter    string  `json:"trace_exporter" yaml:"trace_exporter"`
	TraceSampleRatio float64 `json:"trace_sample_ratio" yaml:"trace_sample_ratio"` // 0 samples everything
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// LedgerConfig configures the SQLite outcome ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `json:"path" yaml:"path"`
}

// DebugConfig mirrors the logx debug switches.
type DebugConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Domains []string `json:"domains" yaml:"domains"`
}

// Default returns a configuration that runs a single echo unit.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			Strategy:       StrategySingle,
			RequestTimeout: Duration(60 * time.Second),
			UnitTimeout:    Duration(30 * time.Second),
		},
		Units:     []UnitConfig{{Name: "echo", Kind: UnitEcho}},
		Providers: map[string]ProviderConfig{},
		Breaker: BreakerConfig{
			BreakerSettings: BreakerSettings{
				FailureThreshold: 5,
				RecoveryTimeout:  Duration(30 * time.Second),
			},
		},
		Limiter: LimiterConfig{
			Backend:  LimiterMemory,
			Capacity: 100,
			Window:   Duration(time.Minute),
			IdleTTL:  Duration(10 * time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  Duration(100 * time.Millisecond),
			MaxDelay:      Duration(10 * time.Second),
			BackoffFactor: 2.0,
			Jitter:        true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a YAML (.yaml, .yml) or JSON file over the defaults, substitutes
// ${VAR} placeholders, applies CONDUCTOR_* overrides and validates the result.
// An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnv(string(data))

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case ".json":
			if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config JSON: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnv replaces ${VAR} placeholders, leaving unknown ones untouched.
func expandEnv(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})
}

// ApplyEnv overrides fields from the environment. Keys are EnvPrefix plus the
// upper-cased tag path joined by underscores, e.g. CONDUCTOR_LIMITER_CAPACITY
// or CONDUCTOR_PROVIDERS_OPENAI_BASE_URL for entries of keyed maps.
func ApplyEnv(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

var durationType = reflect.TypeOf(Duration(0))

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if fieldType.Anonymous && field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, field.Type(), prefix)
			continue
		}

		tag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + tag)

		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}

		switch {
		case field.Kind() == reflect.Struct:
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
		case field.Kind() == reflect.Map && field.Type().Key().Kind() == reflect.String:
			if field.IsNil() {
				continue
			}
			for _, key := range field.MapKeys() {
				mapValue := field.MapIndex(key)
				if mapValue.Kind() != reflect.Struct {
					continue
				}
				structValue := reflect.New(mapValue.Type()).Elem()
				structValue.Set(mapValue)
				applyEnvOverridesRecursive(structValue, mapValue.Type(), envKey+"_"+strings.ToUpper(key.String())+"_")
				field.SetMapIndex(key, structValue)
			}
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := strconv.Atoi(envValue); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}

// Validate checks the configuration. A unit timeout larger than the request
// timeout is allowed but logged, since it only takes effect when configured on purpose.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.RequestTimeout <= 0 {
		return fmt.Errorf("orchestrator.request_timeout must be positive")
	}
	if o.UnitTimeout < 0 {
		return fmt.Errorf("orchestrator.unit_timeout must not be negative")
	}
	if o.UnitTimeout > o.RequestTimeout {
		logx.NewLogger("config").Warn("unit_timeout %s exceeds request_timeout %s", o.UnitTimeout, o.RequestTimeout)
	}

	if err := c.Breaker.BreakerSettings.validate("breaker"); err != nil {
		return err
	}
	for name, s := range c.Breaker.Overrides {
		if s.FailureThreshold < 0 || s.RecoveryTimeout < 0 {
			return fmt.Errorf("breaker.overrides.%s: values must not be negative", name)
		}
	}

	if c.Limiter.Capacity <= 0 {
		return fmt.Errorf("limiter.capacity must be positive, got %d", c.Limiter.Capacity)
	}
	if c.Limiter.Window <= 0 {
		return fmt.Errorf("limiter.window must be positive")
	}
	switch c.Limiter.Backend {
	case "", LimiterMemory:
	case LimiterRedis:
		if c.Limiter.RedisAddr == "" {
			return fmt.Errorf("limiter.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown limiter backend %q", c.Limiter.Backend)
	}

	switch c.Metrics.TraceExporter {
	case "", TraceExporterNone, TraceExporterStdout:
	default:
		return fmt.Errorf("unknown metrics.trace_exporter %q", c.Metrics.TraceExporter)
	}
	if r := c.Metrics.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("metrics.trace_sample_ratio must be within [0, 1], got %g", r)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}

	return c.validateUnits()
}

func (s BreakerSettings) validate(path string) error {
	if s.FailureThreshold <= 0 {
		return fmt.Errorf("%s.failure_threshold must be positive, got %d", path, s.FailureThreshold)
	}
	if s.RecoveryTimeout <= 0 {
		return fmt.Errorf("%s.recovery_timeout must be positive", path)
	}
	return nil
}

func (c *Config) validateUnits() error {
	known := make(map[string]UnitConfig, len(c.Units))
	for i := range c.Units {
		u := c.Units[i]
		if u.Name == "" {
			return fmt.Errorf("units[%d]: name is required", i)
		}
		if _, dup := known[u.Name]; dup {
			return fmt.Errorf("duplicate unit name %q", u.Name)
		}
		switch u.Kind {
		case UnitEcho:
		case UnitCompletion, UnitClassifier:
			if u.Provider == "" && u.Model == "" {
				return fmt.Errorf("unit %q: provider or model is required", u.Name)
			}
		default:
			return fmt.Errorf("unit %q: unknown kind %q", u.Name, u.Kind)
		}
		if u.Temperature < 0 || u.Temperature > 2 {
			return fmt.Errorf("unit %q: temperature must be between 0.0 and 2.0", u.Name)
		}
		known[u.Name] = u
	}

	o := c.Orchestrator
	need := func(name, field string) error {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("orchestrator.%s references unknown unit %q", field, name)
		}
		return nil
	}
	for _, name := range o.Units {
		if err := need(name, "units"); err != nil {
			return err
		}
	}

	switch o.Strategy {
	case StrategySingle, StrategyPipeline, StrategyParallel:
		if len(c.StrategyUnits()) == 0 {
			return fmt.Errorf("strategy %q requires at least one unit", o.Strategy)
		}
	case StrategyRouter:
		if err := need(o.Classifier, "classifier"); err != nil {
			return err
		}
		if err := need(o.DefaultUnit, "default_unit"); err != nil {
			return err
		}
		for label, name := range o.Routes {
			if err := need(name, "routes."+label); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown strategy %q", o.Strategy)
	}
	return nil
}

// Unit returns the unit declared under name.
func (c *Config) Unit(name string) (UnitConfig, bool) {
	for i := range c.Units {
		if c.Units[i].Name == name {
			return c.Units[i], true
		}
	}
	return UnitConfig{}, false
}

// StrategyUnits returns the ordered unit names the strategy composes.
func (c *Config) StrategyUnits() []string {
	if len(c.Orchestrator.Units) > 0 {
		return c.Orchestrator.Units
	}
	names := make([]string, 0, len(c.Units))
	for i := range c.Units {
		names = append(names, c.Units[i].Name)
	}
	return names
}

// BreakerFor returns the settings for a named dependency, falling back to the
// defaults for any zero field of its override.
func (c *Config) BreakerFor(name string) BreakerSettings {
	s := c.Breaker.BreakerSettings
	if o, ok := c.Breaker.Overrides[name]; ok {
		if o.FailureThreshold > 0 {
			s.FailureThreshold = o.FailureThreshold
		}
		if o.RecoveryTimeout > 0 {
			s.RecoveryTimeout = o.RecoveryTimeout
		}
	}
	return s
}

// ProviderPattern maps a model name prefix onto a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infers the provider of a model that names none.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the provider for a model name.
func GetModelProvider(modelName string) (string, error) {
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no provider pattern matches", modelName)
}

// ResolveProvider returns the unit's provider, inferring it from the model
// when none is set.
func (u UnitConfig) ResolveProvider() (string, error) {
	if u.Provider != "" {
		return u.Provider, nil
	}
	return GetModelProvider(u.Model)
}
