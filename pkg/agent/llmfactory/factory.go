// Package llmfactory builds provider clients wrapped in the resilience chain.
package llmfactory

import (
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/agent/internal/llmimpl/anthropic"
	"conductor/pkg/agent/internal/llmimpl/google"
	"conductor/pkg/agent/internal/llmimpl/ollama"
	"conductor/pkg/agent/internal/llmimpl/openaiofficial"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/middleware/resilience/ratelimit"
	"conductor/pkg/agent/middleware/resilience/retry"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// RawBuilder creates an unwrapped provider client.
type RawBuilder func(provider, model string, pc config.ProviderConfig) (llm.LLMClient, error)

// Factory creates LLM clients with their middleware chains. Clients are
// cached per provider and model; all clients of one provider share that
// provider's breaker.
type Factory struct {
	cfg      *config.Config
	breakers *circuit.Registry
	recorder metrics.Recorder
	limiter  ratelimit.Limiter
	attempt  time.Duration
	newRaw   RawBuilder
	logger   *logx.Logger

	mu      sync.Mutex
	clients map[string]llm.LLMClient
}

// Option configures a Factory.
type Option func(*Factory)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *Factory) { f.recorder = r }
}

// WithProviderLimiter throttles outgoing provider calls, keyed by model.
func WithProviderLimiter(l ratelimit.Limiter) Option {
	return func(f *Factory) { f.limiter = l }
}

// WithAttemptTimeout bounds each provider attempt. It defaults to the unit timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Factory) { f.attempt = d }
}

// WithRawBuilder replaces the provider client constructor.
func WithRawBuilder(b RawBuilder) Option {
	return func(f *Factory) { f.newRaw = b }
}

// New creates a factory. Breakers are taken from the shared registry under
// the provider name.
func New(cfg *config.Config, breakers *circuit.Registry, opts ...Option) *Factory {
	f := &Factory{
		cfg:      cfg,
		breakers: breakers,
		recorder: metrics.Nop(),
		attempt:  cfg.Orchestrator.UnitTimeout.Std(),
		newRaw:   NewRawClient,
		logger:   logx.NewLogger("llmfactory"),
		clients:  make(map[string]llm.LLMClient),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ClientFor returns the client serving a unit. The model falls back to the
// provider's configured model, then to the client's own default.
func (f *Factory) ClientFor(u config.UnitConfig) (llm.LLMClient, error) {
	provider, err := u.ResolveProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider: %w", err)
	}
	model := u.Model
	if model == "" {
		model = f.cfg.Providers[provider].Model
	}
	return f.Client(provider, model)
}

// Client returns the resilient client for provider and model.
func (f *Factory) Client(provider, model string) (llm.LLMClient, error) {
	key := provider + "/" + model

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	raw, err := f.newRaw(provider, model, f.cfg.Providers[provider])
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", provider, err)
	}

	r := f.cfg.Retry
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}, nil)

	// Metrics -> CircuitBreaker -> Retry -> RateLimit -> Timeout -> RawClient
	mws := []llm.Middleware{
		metrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(f.breakers.Get(provider)),
		retry.Middleware(policy),
	}
	if f.limiter != nil {
		mws = append(mws, ratelimit.Middleware(f.limiter, f.recorder))
	}
	mws = append(mws, timeout.Middleware(f.attempt))

	client := llm.Chain(raw, mws...)
	f.clients[key] = client
	f.logger.Info("created %s client for model %s", provider, raw.GetModelName())
	return client, nil
}

// NewRawClient creates the provider client without middleware. API keys come
// from the secrets file or the environment.
func NewRawClient(provider, model string, pc config.ProviderConfig) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		apiKey, err := config.GetAPIKey(provider)
		if err != nil {
			return nil, err //nolint:wrapcheck // already descriptive
		}
		var opts []option.RequestOption
		if pc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(pc.BaseURL))
		}
		return anthropic.NewClaudeClientWithModel(apiKey, model, opts...), nil

	case config.ProviderOpenAI:
		apiKey, err := config.GetAPIKey(provider)
		if err != nil {
			// OpenAI-compatible local servers accept any key.
			if pc.BaseURL == "" {
				return nil, err //nolint:wrapcheck // already descriptive
			}
			apiKey = "unused"
		}
		return openaiofficial.NewOfficialClientWithModel(apiKey, model, pc.BaseURL), nil

	case config.ProviderGoogle:
		apiKey, err := config.GetAPIKey(provider)
		if err != nil {
			return nil, err //nolint:wrapcheck // already descriptive
		}
		return google.NewGeminiClientWithModel(apiKey, model), nil

	case config.ProviderOllama:
		host := pc.BaseURL
		if host == "" {
			host, _ = config.GetAPIKey(provider)
		}
		return ollama.NewOllamaClientWithModel(host, model), nil

	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
