// Package webhook delivers measurement change events to configured HTTP
// endpoints. Payloads are signed with HMAC-SHA256 and failed deliveries are
// retried with a fixed backoff schedule.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iotrest/iotrest/internal/platform/websocket"
)

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// ErrQueueFull is returned by Publish when the delivery queue is saturated.
var ErrQueueFull = errors.New("webhook queue is full")

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
// A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// defaultRetryDelays is the wait before each successive retry.
var defaultRetryDelays = []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute}

// WithMaxRetries sets how many times a failed delivery is retried. Retries
// past the default schedule reuse its longest delay.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		delays := make([]time.Duration, 0, n)
		for i := 0; i < n; i++ {
			delays = append(delays, defaultRetryDelays[min(i, len(defaultRetryDelays)-1)])
		}
		d.retryDelays = delays
	}
}

// WithRetryDelays sets the wait before each retry; its length is the retry
// count.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// WithTopics limits delivery to events published on the given topics.
func WithTopics(topics ...string) Option {
	return func(d *Dispatcher) {
		d.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			d.topics[t] = true
		}
	}
}

// Dispatcher delivers events to every endpoint. Each endpoint has its own
// queue and worker, so retries against a failing endpoint do not hold up the
// others.
type Dispatcher struct {
	secret      string
	client      *http.Client
	retryDelays []time.Duration
	queueSize   int
	topics      map[string]bool
	logger      zerolog.Logger

	queues  []endpointQueue
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	done    chan struct{}
	stopCtx context.Context
	stop    context.CancelFunc
}

type endpointQueue struct {
	url    string
	events chan websocket.Event
}

// NewDispatcher validates the endpoint URLs and starts one delivery worker
// per endpoint. Close must be called to drain the queues.
func NewDispatcher(endpoints []string, secret string, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep); err != nil {
			return nil, fmt.Errorf("webhook endpoint %q: %w", ep, err)
		}
	}
	d := &Dispatcher{
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: defaultRetryDelays,
		queueSize:   256,
		logger:      logger,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.stopCtx, d.stop = context.WithCancel(context.Background())
	for _, ep := range endpoints {
		q := endpointQueue{url: ep, events: make(chan websocket.Event, d.queueSize)}
		d.queues = append(d.queues, q)
		d.wg.Add(1)
		go d.run(q)
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()
	return d, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// Publish queues the event for every endpoint without waiting for delivery.
// Endpoints whose queue is full miss the event and are reported with
// ErrQueueFull; the others still receive it.
func (d *Dispatcher) Publish(_ context.Context, event websocket.Event) error {
	if d.topics != nil && !d.topics[event.Topic] {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("webhook dispatcher is closed")
	}
	var full []string
	for _, q := range d.queues {
		select {
		case q.events <- event:
		default:
			full = append(full, q.url)
		}
	}
	if len(full) > 0 {
		return fmt.Errorf("%w: %s", ErrQueueFull, strings.Join(full, ", "))
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be attempted
// once more, or for ctx to end. Pending retry waits are cut short.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q.events)
		}
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(q endpointQueue) {
	defer d.wg.Done()
	for event := range q.events {
		payload, err := json.Marshal(event)
		if err != nil {
			d.logger.Error().Err(err).Msg("encode webhook payload")
			continue
		}
		d.deliverWithRetry(q.url, event, payload)
	}
}

func (d *Dispatcher) deliverWithRetry(endpoint string, event websocket.Event, payload []byte) {
	deliveryID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		err := d.deliver(d.stopCtx, endpoint, deliveryID, payload)
		if err == nil {
			return
		}
		log := d.logger.Warn().Err(err).
			Str("endpoint", endpoint).
			Str("delivery_id", deliveryID).
			Str("type", event.Type).
			Int64("key", event.Key).
			Int("attempt", attempt+1)
		var perm permanentError
		if errors.As(err, &perm) || attempt >= len(d.retryDelays) {
			log.Msg("webhook delivery failed")
			return
		}
		log.Msg("webhook delivery failed, retrying")

		select {
		case <-time.After(d.retryDelays[attempt]):
		case <-d.stopCtx.Done():
			return
		}
	}
}

// permanentError marks responses that a retry cannot fix.
type permanentError struct {
	status int
	err    error
}

func (e permanentError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("endpoint rejected delivery with status %d", e.status)
}

func (d *Dispatcher) deliver(ctx context.Context, endpoint, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	default:
		return permanentError{status: resp.StatusCode}
	}
}
