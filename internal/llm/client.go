package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Breaker gates calls per (tenant, provider). *circuit.Breaker implements it.
type Breaker interface {
	Allow(tenantID, provider string) bool
	RecordSuccess(tenantID, provider string)
	RecordFailure(tenantID, provider string)
}

// Result is a successful completion from one provider of the chain.
type Result struct {
	Text       string
	Usage      Usage
	Latency    time.Duration
	Provider   string
	Model      string
	Fallback   bool // A provider other than the primary answered.
	StopReason string
}

// ClientConfig tunes the chain walk.
type ClientConfig struct {
	Timeout        time.Duration // Hard per-call deadline. Default: 30s.
	MaxRetries     int           // Retries per provider for transient errors.
	InitialBackoff time.Duration // Default: 200ms.
}

// Client walks an ordered provider chain: providers with an open circuit are
// skipped, transient failures are retried with exponential backoff, and every
// outcome is reported to the breaker.
type Client struct {
	providers []Provider
	breaker   Breaker
	cfg       ClientConfig
	logger    *slog.Logger
}

// NewClient creates a Client. The first provider is the primary.
func NewClient(providers []Provider, breaker Breaker, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Client{
		providers: providers,
		breaker:   breaker,
		cfg:       cfg,
		logger:    logger,
	}
}

// Providers returns the chain in order.
func (c *Client) Providers() []Provider {
	return c.providers
}

// Models returns the model of every provider in the chain.
func (c *Client) Models() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Model()
	}
	return out
}

// Complete returns the first successful completion of the chain. When no
// provider answers it returns an *ExhaustedError wrapping ErrProviderUnavailable.
// Caller cancellation is returned as the context error.
func (c *Client) Complete(ctx context.Context, tenantID string, req *Request) (*Result, error) {
	exhausted := &ExhaustedError{}

	for i, p := range c.providers {
		if !c.breaker.Allow(tenantID, p.Name()) {
			c.logger.WarnContext(ctx, "provider circuit open, skipping",
				slog.String("tenant_id", tenantID),
				slog.String("provider", p.Name()),
			)
			exhausted.Skipped = append(exhausted.Skipped, p.Name())
			continue
		}

		start := time.Now()
		resp, err := c.call(ctx, tenantID, p, req)
		if err == nil {
			if i > 0 {
				c.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return &Result{
				Text:       resp.Content,
				Usage:      resp.Usage,
				Latency:    time.Since(start),
				Provider:   p.Name(),
				Model:      p.Model(),
				Fallback:   i > 0,
				StopReason: resp.StopReason,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		exhausted.Attempts = append(exhausted.Attempts, AttemptError{Provider: p.Name(), Err: err})
		c.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("tenant_id", tenantID),
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(c.providers)-i-1),
		)
	}

	exhausted.AllCircuitsOpen = len(exhausted.Attempts) == 0
	return nil, exhausted
}

// call runs one provider with retries. Each attempt has its own deadline and
// its outcome is recorded on the breaker; retries stop as soon as the breaker
// stops admitting calls.
func (c *Client) call(ctx context.Context, tenantID string, p Provider, req *Request) (*Response, error) {
	first := true
	var lastErr error
	op := func() (*Response, error) {
		if !first && !c.breaker.Allow(tenantID, p.Name()) {
			return nil, backoff.Permanent(errCircuitOpened)
		}
		first = false

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		resp, err := p.SendMessage(callCtx, req)
		if err == nil {
			c.breaker.RecordSuccess(tenantID, p.Name())
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		c.breaker.RecordFailure(tenantID, p.Name())
		lastErr = err
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = 5 * time.Second

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.DebugContext(ctx, "retrying provider call",
				slog.String("provider", p.Name()),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()),
			)
		}),
	)
	if errors.Is(err, errCircuitOpened) && lastErr != nil {
		return nil, lastErr
	}
	return resp, err
}

var errCircuitOpened = errors.New("circuit opened during retries")
