package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/dpolishuk/codegraph/internal/models"
)

type ClientConfig struct {
	BatchSize       int
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	RateLimit       float64 // requests per second, 0 disables
	RateBurst       int
	BreakerFailures int
	BreakerCooldown time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BatchSize:       32,
		MaxRetries:      3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		RateLimit:       10,
		RateBurst:       10,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Client wraps a Provider with rate limiting, a circuit breaker and bounded
// exponential retries. It is itself a Provider.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	breaker  *Breaker
	logger   *slog.Logger
}

func NewClient(p Provider, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		logger:   logger,
	}
	c.breaker.OnStateChange(func(from, to BreakerState) {
		recordBreakerChange(to)
		c.logger.Warn("embedding circuit breaker state changed",
			"model", p.Model(), "from", from.String(), "to", to.String())
	})
	return c
}

func (c *Client) Model() string { return c.provider.Model() }

func (c *Client) Breaker() *Breaker { return c.breaker }

// Embed splits texts into provider-sized batches. Any batch failing fails
// the whole call with an error matching models.ErrEmbeddingUnavailable.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if ok, wait := c.breaker.Allow(); !ok {
		return nil, &models.ProviderUnavailableError{RetryAfter: wait.Round(time.Millisecond).String()}
	}

	var (
		vecs     [][]float32
		attempts int
	)
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		var err error
		vecs, err = c.provider.Embed(ctx, texts)
		recordProviderCall(ctx, c.provider.Model(), err)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("embedding attempt failed", "attempt", attempts, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.MaxElapsedTime = 0

	var retries uint64
	if c.cfg.MaxRetries > 0 {
		retries = uint64(c.cfg.MaxRetries)
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
	if err == nil {
		c.breaker.RecordSuccess()
		return vecs, nil
	}

	if ctx.Err() != nil {
		c.breaker.Release()
		return nil, fmt.Errorf("embedding cancelled: %w", err)
	}
	if Retryable(err) {
		c.breaker.RecordFailure()
	} else {
		// the provider answered, only the request was bad
		c.breaker.RecordSuccess()
	}
	c.logger.Warn("embedding provider failed", "model", c.provider.Model(), "attempts", attempts, "error", err)
	return nil, &models.TransientProviderError{Attempts: attempts, Err: err}
}
