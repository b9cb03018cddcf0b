package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"giftpocket/internal/config"
	"giftpocket/internal/metrics"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// Client verifies payment references against the provider's
// verify-by-reference endpoint.
type Client struct {
	provider   string
	baseURL    string
	secretKey  string
	httpClient *http.Client
	policy     RetryPolicy
	sleep      SleepFunc
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the wait between attempts, mostly for tests that need
// to observe the backoff schedule.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(cfg config.GatewayConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		provider:   cfg.Provider,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{},
		policy: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.Timeout,
			Backoff:     cfg.Backoff,
		},
		sleep:  sleepContext,
		logger: logger.Named("gateway"),
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	if c.policy.Timeout <= 0 {
		c.policy.Timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Verify asks the provider about reference, retrying per the client's policy.
// It never returns an error: exhaustion is reported through the result.
func (c *Client) Verify(ctx context.Context, reference string) VerificationResult {
	start := time.Now()
	defer func() {
		metrics.GatewayDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		attempts = attempt
		payment, err := c.verifyOnce(ctx, reference)
		if err == nil {
			metrics.GatewayAttempts.WithLabelValues("success").Inc()
			return VerificationResult{
				Success:  true,
				Payment:  payment,
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		metrics.GatewayAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		c.logger.Warn("verify attempt failed",
			zap.String("reference", reference),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Error(err))

		if attempt == c.policy.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.policy.Delay(attempt)); err != nil {
			lastErr = fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			break
		}
	}

	return VerificationResult{
		Success:  false,
		Attempts: attempts,
		Duration: time.Since(start),
		Error:    lastErr.Error(),
	}
}

type verifyEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) verifyOnce(ctx context.Context, reference string) (*VerifiedPayment, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/transactions/verify_by_reference?tx_ref=%s", c.baseURL, url.QueryEscape(reference))
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("verify timed out after %s: %w", c.policy.Timeout, err)
		}
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var env verifyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !strings.EqualFold(env.Status, "success") {
		return nil, fmt.Errorf("provider status %q: %s", env.Status, env.Message)
	}

	payment, err := ParseCharge(env.Data)
	if err != nil {
		return nil, err
	}
	if payment.TxRef != "" && payment.TxRef != reference {
		return nil, fmt.Errorf("%w: asked %s, got %s", ErrReferenceMismatch, reference, payment.TxRef)
	}
	if payment.TxRef == "" {
		payment.TxRef = reference
	}
	return payment, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
