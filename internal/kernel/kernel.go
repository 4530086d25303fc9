// Package kernel builds the service graph from configuration and owns its
// lifecycle: breakers, metrics, provider clients, units, the orchestrator,
// admission control, the outcome ledger and the HTTP server.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"conductor/pkg/agent"
	"conductor/pkg/agent/llmfactory"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/middleware/resilience/ratelimit"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/api"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	querymetrics "conductor/pkg/metrics"
	"conductor/pkg/orchestrator"
	"conductor/pkg/persistence"
	"conductor/pkg/units"
	"conductor/pkg/version"
)

// AdmissionPrefix namespaces admission buckets in Redis.
const AdmissionPrefix = "conductor:admission:"

// drainTimeout bounds how long Stop waits for queued ledger writes and spans.
const drainTimeout = 30 * time.Second

// Kernel holds every long-lived service. Fields are populated by NewKernel
// and are safe to read after it returns.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	// Observability
	Registry *prometheus.Registry // nil when metrics are disabled
	Stats    *metrics.InternalRecorder
	Recorder metrics.Recorder
	Query    *querymetrics.QueryService // nil without a Prometheus URL
	Tracer   *sdktrace.TracerProvider   // nil when tracing is off

	// Request path
	Breakers     *circuit.Registry
	LLMFactory   *llmfactory.Factory
	Units        []agent.Agent
	Orchestrator *orchestrator.Orchestrator
	Limiter      ratelimit.Limiter
	Ledger       *persistence.Ledger // nil when the ledger is disabled
	Server       *api.Server

	redis        *redis.Client
	llmOpts      []llmfactory.Option
	spanExporter sdktrace.SpanExporter
	running  bool
	stopOnce bool
}

// Option customizes kernel construction.
type Option func(*Kernel)

// WithLLMOptions passes extra options to the LLM client factory.
func WithLLMOptions(opts ...llmfactory.Option) Option {
	return func(k *Kernel) { k.llmOpts = append(k.llmOpts, opts...) }
}

// WithSpanExporter sends orchestrator spans to exp regardless of the
// configured trace exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(k *Kernel) { k.spanExporter = exp }
}

// NewKernel validates cfg and builds the service graph. Nothing listens
// until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.initializeServices(); err != nil {
		_ = k.release()
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	logx.SetDebugConfig(k.Config.Debug.Enabled)
	if len(k.Config.Debug.Domains) > 0 {
		logx.SetDebugDomains(k.Config.Debug.Domains)
	}

	k.initializeMetrics()
	if err := k.initializeTracing(); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	k.initializeBreakers()

	llmOpts := append([]llmfactory.Option{llmfactory.WithRecorder(k.Recorder)}, k.llmOpts...)
	if k.Config.Limiter.Provider {
		llmOpts = append(llmOpts, llmfactory.WithProviderLimiter(ratelimit.NewKeyed(k.limiterConfig())))
	}
	k.LLMFactory = llmfactory.New(k.Config, k.Breakers, llmOpts...)

	var err error
	k.Units, err = k.buildUnits()
	if err != nil {
		return err
	}

	if err = k.initializeLedger(); err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	strategy, err := orchestrator.NewStrategy(k.Config.Orchestrator)
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithRequestTimeout(k.Config.Orchestrator.RequestTimeout.Std()),
		orchestrator.WithRecorder(k.Recorder),
	}
	if k.Ledger != nil {
		orchOpts = append(orchOpts, orchestrator.WithLedger(k.Ledger))
	}
	if k.Tracer != nil {
		orchOpts = append(orchOpts, orchestrator.WithTracer(k.Tracer.Tracer("conductor/orchestrator")))
	}
	k.Orchestrator = orchestrator.New(strategy, k.Units, orchOpts...)

	if err = k.initializeLimiter(); err != nil {
		return fmt.Errorf("failed to initialize admission limiter: %w", err)
	}

	if url := k.Config.Metrics.PrometheusURL; url != "" {
		k.Query, err = querymetrics.NewQueryService(url)
		if err != nil {
			return fmt.Errorf("failed to create metrics query service: %w", err)
		}
	}

	k.Server = api.NewServer(k.Orchestrator, k.serverOptions()...)

	k.Logger.Info("Kernel services initialized (strategy %s, units %v)",
		orchestrator.StrategyName(strategy), k.Orchestrator.Units())
	return nil
}

func (k *Kernel) initializeMetrics() {
	k.Stats = metrics.NewInternalRecorder()
	if !k.Config.Metrics.Enabled {
		k.Recorder = k.Stats
		return
	}
	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	k.Recorder = metrics.Multi(k.Stats, metrics.NewPrometheusRecorder(k.Registry))
}

func (k *Kernel) initializeTracing() error {
	mc := k.Config.Metrics
	exp := k.spanExporter
	if exp == nil {
		if mc.TraceExporter != config.TraceExporterStdout {
			return nil
		}
		var err error
		exp, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	sampler := sdktrace.AlwaysSample()
	if r := mc.TraceSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "conductor"),
		attribute.String("service.version", version.Version),
	)
	k.Tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	)
	return nil
}

func (k *Kernel) initializeBreakers() {
	bc := k.Config.Breaker
	defaults := circuit.Config{
		FailureThreshold: bc.FailureThreshold,
		RecoveryTimeout:  bc.RecoveryTimeout.Std(),
	}
	overrides := make(map[string]circuit.Config, len(bc.Overrides))
	for name := range bc.Overrides {
		s := k.Config.BreakerFor(name)
		overrides[name] = circuit.Config{FailureThreshold: s.FailureThreshold, RecoveryTimeout: s.RecoveryTimeout.Std()}
	}
	listener := metrics.BreakerListener(k.Recorder, logx.NewLogger("breaker"))
	k.Breakers = circuit.NewRegistry(defaults, overrides, circuit.WithListener(listener))
}

// unitNames lists the units the orchestrator composes. A router needs its
// classifier and every route target, so it gets all declared units.
func (k *Kernel) unitNames() []string {
	if k.Config.Orchestrator.Strategy != config.StrategyRouter {
		return k.Config.StrategyUnits()
	}
	names := make([]string, 0, len(k.Config.Units))
	for i := range k.Config.Units {
		names = append(names, k.Config.Units[i].Name)
	}
	return names
}

// buildUnits creates each unit and wraps it as
// metrics -> breaker "unit:<name>" -> timeout -> unit.
func (k *Kernel) buildUnits() ([]agent.Agent, error) {
	names := k.unitNames()
	built := make([]agent.Agent, 0, len(names))
	for _, name := range names {
		uc, ok := k.Config.Unit(name)
		if !ok {
			return nil, fmt.Errorf("unit %s is not declared", name)
		}
		base, err := units.FromConfig(uc, k.LLMFactory, "")
		if err != nil {
			return nil, fmt.Errorf("failed to build unit: %w", err)
		}
		mws := []agent.Middleware{
			metrics.UnitMiddleware(k.Recorder),
			circuit.UnitMiddleware(k.Breakers.Get("unit:" + name)),
		}
		if d := k.Config.Orchestrator.UnitTimeout.Std(); d > 0 {
			mws = append(mws, timeout.UnitMiddleware(d))
		}
		built = append(built, agent.Chain(base, mws...))
		logx.Debugf("kernel: unit %s (%s) ready", name, uc.Kind)
	}
	return built, nil
}

func (k *Kernel) limiterConfig() ratelimit.Config {
	return ratelimit.Config{Capacity: k.Config.Limiter.Capacity, Window: k.Config.Limiter.Window.Std()}
}

func (k *Kernel) initializeLimiter() error {
	lc := k.Config.Limiter
	switch lc.Backend {
	case config.LimiterRedis:
		k.redis = redis.NewClient(&redis.Options{Addr: lc.RedisAddr})
		pingCtx, cancel := context.WithTimeout(k.ctx, 5*time.Second)
		defer cancel()
		if err := k.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis at %s unreachable: %w", lc.RedisAddr, err)
		}
		k.Limiter = ratelimit.NewRedisLimiter(k.redis, k.limiterConfig(), AdmissionPrefix, nil)
		k.Logger.Info("Admission limiter backed by redis at %s", lc.RedisAddr)
	default:
		k.Limiter = ratelimit.NewKeyed(k.limiterConfig(), ratelimit.WithIdleTTL(lc.IdleTTL.Std()))
	}
	return nil
}

func (k *Kernel) initializeLedger() error {
	path := k.Config.Ledger.Path
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	var err error
	k.Ledger, err = persistence.Open(path)
	return err
}

func (k *Kernel) serverOptions() []api.Option {
	opts := []api.Option{
		api.WithLimiter(k.Limiter),
		api.WithBreakers(k.Breakers),
		api.WithRecorder(k.Recorder),
		api.WithCORSOrigins(k.Config.Server.CORSOrigins),
		api.WithAPIKey(config.GetServerAPIKey()),
	}
	if k.Registry != nil {
		opts = append(opts, api.WithMetricsHandler(promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{})))
	}
	if k.Ledger != nil {
		opts = append(opts, api.WithOutcomes(k.Ledger))
	}
	if k.Query != nil {
		opts = append(opts, api.WithMetricsQuery(k.Query))
	}
	return opts
}

// Handler exposes the HTTP routes without binding a listener.
func (k *Kernel) Handler() http.Handler {
	return k.Server.Handler()
}

// Context returns the kernel's lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Start binds the HTTP server on the configured address.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel is already running")
	}
	if err := k.Server.Start(k.Config.Server.Addr); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	k.running = true
	k.Logger.Info("Kernel started, version %s", version.String())
	return nil
}

// Stop shuts services down in dependency order: the HTTP server stops taking
// requests, then queued ledger writes are drained, then backends close.
// Calling Stop more than once is a no-op.
func (k *Kernel) Stop() error {
	if k.stopOnce {
		return nil
	}
	k.stopOnce = true
	k.Logger.Info("Stopping kernel services")

	k.cancel()

	var firstErr error
	if k.running {
		// The kernel context is already cancelled, so use a fresh one.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), k.Config.Server.ShutdownTimeout.Std())
		if err := k.Server.Shutdown(shutdownCtx); err != nil {
			k.Logger.Error("Error stopping API server: %v", err)
			firstErr = err
		}
		cancel()
		k.running = false
	}

	if err := k.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	k.Logger.Info("Kernel stopped")
	return firstErr
}

// release drains the ledger, closes backend connections and flushes spans.
func (k *Kernel) release() error {
	var firstErr error
	if k.Ledger != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := k.Ledger.Close(drainCtx); err != nil {
			k.Logger.Error("Error closing outcome ledger: %v", err)
			firstErr = err
		} else if dropped := k.Ledger.Dropped(); dropped > 0 {
			k.Logger.Warn("Outcome ledger dropped %d records under load", dropped)
		}
		cancel()
		k.Ledger = nil
	}
	if k.redis != nil {
		if err := k.redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close redis client: %w", err)
		}
		k.redis = nil
	}
	if k.Tracer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := k.Tracer.Shutdown(flushCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to flush traces: %w", err)
		}
		cancel()
		k.Tracer = nil
	}
	return firstErr
}
