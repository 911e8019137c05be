package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/observability"
)

// Client talks to the OpenRouter models endpoint. Requests go through a
// circuit breaker and retry with jittered exponential backoff; when the
// breaker is open the caller gets an immediate error and the repository falls
// back to cached or hardcoded prices.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Provider
	cfg     config.PricingConfig
}

func NewClient(cfg config.PricingConfig, metrics *observability.Provider) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		metrics: metrics,
		cfg:     cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openrouter-pricing",
		Timeout: cfg.BreakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("pricing breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	return c
}

type openRouterModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int64  `json:"context_length"`
	Pricing       struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

type openRouterResponse struct {
	Data []openRouterModel `json:"data"`
}

// FetchModels retrieves and normalizes the full pricing table.
func (c *Client) FetchModels(ctx context.Context) (map[string]ModelPrice, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchWithRetry(ctx)
	})
	if err != nil {
		return nil, err
	}

	var parsed openRouterResponse
	if err := json.Unmarshal(body.([]byte), &parsed); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("models response contained no models")
	}

	now := time.Now().UTC()
	models := make(map[string]ModelPrice, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		prompt := perTokenToPerMillion(m.Pricing.Prompt)
		completion := perTokenToPerMillion(m.Pricing.Completion)
		models[m.ID] = ModelPrice{
			ID:             m.ID,
			Name:           m.Name,
			Provider:       providerFromID(m.ID),
			PromptPerM:     prompt,
			CompletionPerM: completion,
			ContextLength:  m.ContextLength,
			Category:       CategoryFor(prompt, completion),
			UpdatedAt:      now,
		}
	}
	return models, nil
}

func (c *Client) fetchWithRetry(ctx context.Context) ([]byte, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = c.cfg.RetryMaxDelay

	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.fetchOnce(ctx)
		if err != nil {
			slog.Warn("pricing fetch attempt failed", slog.String("error", err.Error()))
		}
		return body, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
	)
}

func (c *Client) fetchOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("models endpoint returned %d", resp.StatusCode)
		// Client errors will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// HealthCheck reports whether the upstream currently answers. Breaker state
// counts: an open breaker means unhealthy without touching the network.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PoolTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// BreakerOpen reports whether the circuit is currently refusing requests.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}
