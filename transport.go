package beacon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Transport delivers one batch to the collector. Implementations return the
// collector's response body on success and an error on failure; the engine
// does not distinguish transient from permanent failures.
type Transport interface {
	Send(ctx context.Context, batch Batch) ([]byte, error)
}

// httpTransport is the default Transport: a JSON POST to the collector's
// batch endpoint with Basic authentication derived from the API key.
type httpTransport struct {
	client        *http.Client
	endpoint      string
	authorization string
	maxRetries    int
}

// newHTTPTransport creates the default HTTP transport from a defaulted
// configuration.
func newHTTPTransport(cfg Config) *httpTransport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
		}
	}

	return &httpTransport{
		client:        client,
		endpoint:      cfg.Endpoint,
		authorization: basicAuth(cfg.APIKey),
		maxRetries:    cfg.MaxRetries,
	}
}

// basicAuth builds the Authorization header value for an API key: the key
// is used as the username with an empty password.
func basicAuth(apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
}

// Send posts the batch to the collector.
// It retries on network errors, 429 and 5xx responses with exponential
// backoff and jitter, honoring a Retry-After header when the server sends
// one. Other 4xx responses are permanent and returned immediately.
// Returns the response body on 2xx.
func (t *httpTransport) Send(ctx context.Context, batch Batch) ([]byte, error) {
	if len(batch.Messages) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("beacon: failed to marshal batch: %w", err)
	}

	var lastErr error
	retryAfter := ""

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, retryAfter)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("beacon: failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", t.authorization)

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("beacon: request failed: %w", err)
			retryAfter = ""
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		// Success: 2xx status codes
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, fmt.Errorf("beacon: failed to read response: %w", readErr)
			}
			return respBody, nil
		}

		// Client error (4xx except 429): permanent, don't retry
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("beacon: collector rejected batch: status %d", resp.StatusCode)
		}

		// Retryable: 429 or 5xx
		lastErr = fmt.Errorf("beacon: collector error: status %d", resp.StatusCode)
		retryAfter = resp.Header.Get("Retry-After")
	}

	return nil, lastErr
}

// retryDelay computes the wait before a retry attempt. A valid Retry-After
// header takes precedence over the calculated backoff when it asks for a
// longer wait.
func retryDelay(attempt int, retryAfter string) time.Duration {
	delay := exponentialBackoff(attempt)

	if retryAfter == "" {
		return delay
	}

	// Retry-After as seconds
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		if headerDelay := time.Duration(seconds) * time.Second; headerDelay > delay {
			return capDelay(headerDelay)
		}
		return delay
	}

	// Retry-After as HTTP-date
	if at, err := http.ParseTime(retryAfter); err == nil {
		if headerDelay := time.Until(at); headerDelay > delay {
			return capDelay(headerDelay)
		}
	}

	return delay
}

// Backoff bounds.
const (
	backoffBase = 100 * time.Millisecond
	backoffMax  = 10 * time.Second
)

// exponentialBackoff calculates the backoff duration for a given attempt
// using exponential growth with full jitter.
func exponentialBackoff(attempt int) time.Duration {
	delay := float64(backoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(backoffMax) {
		delay = float64(backoffMax)
	}

	// Full jitter: random value between 0 and delay
	return time.Duration(rand.Float64() * delay)
}

// capDelay bounds a server-requested wait to the backoff ceiling.
func capDelay(d time.Duration) time.Duration {
	if d > backoffMax {
		return backoffMax
	}
	return d
}
