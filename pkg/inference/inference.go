// Package inference wraps the model-inference HTTP service behind a
// failover client: primary with bounded retries, optional secondary on
// timeout or 5xx, and a per-endpoint circuit breaker shared process-wide.
//
// The core treats every model concern (speaker embedding, identity
// resolution, event analysis, report synthesis) as an endpoint of this
// service; no inference runs in-process.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Endpoint names the RPCs the core invokes.
type Endpoint string

const (
	EndpointExtractEmbedding Endpoint = "extract_embedding"
	EndpointScore            Endpoint = "score"
	EndpointResolve          Endpoint = "resolve"
	EndpointEnroll           Endpoint = "enroll"
	EndpointAnalysisEvents   Endpoint = "analysis/events"
	EndpointAnalysisReport   Endpoint = "analysis/report"
	EndpointSynthesize       Endpoint = "analysis/synthesize"
	EndpointRegenerateClaim  Endpoint = "analysis/regenerate-claim"
)

// ErrUpstreamUnavailable is returned when neither primary nor secondary
// can serve a call (circuit open with no secondary, or both exhausted).
var ErrUpstreamUnavailable = errors.New("inference: upstream unavailable")

// Config controls the failover behavior. Zero fields take the defaults.
type Config struct {
	PrimaryURL      string
	SecondaryURL    string
	APIKey          string
	Timeout         time.Duration // default 60s
	RetryMax        int           // extra attempts after the first; default 2
	RetryBackoff    time.Duration // default 180ms
	CircuitOpen     time.Duration // default 15s
	FailoverEnabled bool
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 180 * time.Millisecond
	}
	if c.CircuitOpen == 0 {
		c.CircuitOpen = 15 * time.Second
	}
	return c
}

// endpointState is the per-endpoint circuit bookkeeping.
type endpointState struct {
	consecutiveFailures int
	firstFailureAt      time.Time
	circuitOpenedAt     time.Time
}

// Client is the failover inference client. One Client is shared by all
// sessions in the process; circuit state is guarded by a mutex and every
// critical section is lock-brief (no I/O under the lock).
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu     sync.Mutex
	states map[Endpoint]*endpointState

	// now is swappable in tests.
	now func() time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (the timeout from Config still
// bounds each attempt via context).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates the failover client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		log:    slog.Default(),
		states: make(map[Endpoint]*endpointState),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call POSTs the request payload to the endpoint and decodes the JSON
// response into out (which may be nil to discard the body).
//
// Order of attack: primary with RetryMax retries, then secondary (when
// failover is enabled) on timeout or 5xx. While the endpoint's circuit is
// open, the primary is skipped entirely; it is probed again once
// CircuitOpen has elapsed.
func (c *Client) Call(ctx context.Context, ep Endpoint, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("inference: encode %s request: %w", ep, err)
	}

	if !c.circuitOpen(ep) {
		err = c.tryBase(ctx, c.cfg.PrimaryURL, ep, body, out)
		if err == nil {
			c.recordSuccess(ep)
			return nil
		}
		c.recordFailure(ep)
		if !retriable(err) {
			return err
		}
		c.log.Warn("inference primary failed", "endpoint", ep, "err", err)
	}

	if c.cfg.FailoverEnabled && c.cfg.SecondaryURL != "" {
		if serr := c.tryBase(ctx, c.cfg.SecondaryURL, ep, body, out); serr == nil {
			return nil
		} else {
			c.log.Warn("inference secondary failed", "endpoint", ep, "err", serr)
			return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, ep, serr)
		}
	}
	if err == nil {
		// Circuit was open and there is no secondary.
		return fmt.Errorf("%w: %s: circuit open", ErrUpstreamUnavailable, ep)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, ep, err)
}

// tryBase runs the per-base retry loop: up to RetryMax+1 attempts with
// RetryBackoff between them.
func (c *Client) tryBase(ctx context.Context, base string, ep Endpoint, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
		lastErr = c.once(ctx, base, ep, body, out)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, base string, ep Endpoint, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+string(ep), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Inference-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &callError{status: 0, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &callError{status: resp.StatusCode, err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference: decode %s response: %w", ep, err)
	}
	return nil
}

// callError carries the HTTP status so retriable can tell 5xx from 4xx.
type callError struct {
	status int
	err    error
}

func (e *callError) Error() string { return e.err.Error() }
func (e *callError) Unwrap() error { return e.err }

// retriable reports whether the failure should trigger retry/failover:
// network errors, timeouts, and 5xx. 4xx responses are the caller's bug
// and surface immediately.
func retriable(err error) bool {
	var ce *callError
	if errors.As(err, &ce) {
		return ce.status == 0 || ce.status >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// circuitOpen reports whether the endpoint's circuit is currently open.
// A circuit that has been open for CircuitOpen is half-closed: the next
// call probes the primary again.
func (c *Client) circuitOpen(ep Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ep]
	if !ok || st.circuitOpenedAt.IsZero() {
		return false
	}
	if c.now().Sub(st.circuitOpenedAt) >= c.cfg.CircuitOpen {
		return false // half-open: allow a probe
	}
	return true
}

// recordFailure counts a primary failure and opens the circuit once the
// endpoint has been failing continuously for CircuitOpen. A failure while
// the circuit was already open is a failed half-open probe and re-arms
// the hold-off from now.
func (c *Client) recordFailure(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ep]
	if !ok {
		st = &endpointState{}
		c.states[ep] = st
	}
	now := c.now()
	if st.consecutiveFailures == 0 {
		st.firstFailureAt = now
	}
	st.consecutiveFailures++
	if now.Sub(st.firstFailureAt) < c.cfg.CircuitOpen {
		return
	}
	if st.circuitOpenedAt.IsZero() {
		c.log.Warn("inference circuit opened", "endpoint", ep,
			"consecutive_failures", st.consecutiveFailures)
	} else {
		c.log.Warn("inference circuit re-opened after failed probe", "endpoint", ep,
			"consecutive_failures", st.consecutiveFailures)
	}
	st.circuitOpenedAt = now
}

// recordSuccess closes the circuit and resets the failure run.
func (c *Client) recordSuccess(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ep]
	if !ok {
		return
	}
	if !st.circuitOpenedAt.IsZero() {
		c.log.Info("inference circuit closed", "endpoint", ep)
	}
	*st = endpointState{}
}

// CircuitState reports the endpoint circuit for health introspection.
func (c *Client) CircuitState(ep Endpoint) (consecutiveFailures int, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ep]
	if !ok {
		return 0, false
	}
	open = !st.circuitOpenedAt.IsZero() && c.now().Sub(st.circuitOpenedAt) < c.cfg.CircuitOpen
	return st.consecutiveFailures, open
}
