// Package announce delivers settlement notifications to an external webhook.
// Delivery is strictly fire-and-forget: the settlement run enqueues events
// and moves on, and a failed announcement never affects ledger state.
package announce

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"commitpay/observability"
)

const (
	maxAttempts    = 5
	backoffBase    = time.Second
	backoffCeiling = 30 * time.Second
	requestTimeout = 10 * time.Second
)

// Event describes one recipient's settled reward for a completed batch.
type Event struct {
	Handle    string    `json:"handle"`
	Wallet    string    `json:"wallet"`
	Amount    string    `json:"amount"`
	TxRef     string    `json:"txRef"`
	SettledAt time.Time `json:"settledAt"`
}

// Config parameterises the announcer.
type Config struct {
	URL           string
	Secret        string
	RatePerMinute int
	QueueCapacity int
	Client        *http.Client
	Logger        *slog.Logger
	Metrics       *observability.AnnounceMetrics
}

// Announcer buffers events in a bounded queue and delivers them from a single
// background worker. When the queue is full new events are dropped and
// counted rather than blocking the settlement run.
type Announcer struct {
	url       string
	secret    string
	queue     chan Event
	limiter   *rate.Limiter
	client    *http.Client
	logger    *slog.Logger
	metrics   *observability.AnnounceMetrics
	backoffFn func(attempt int) time.Duration
}

// New builds an announcer. A blank URL yields a disabled announcer whose
// Enqueue is a no-op, so callers never need to branch on configuration.
func New(cfg Config) *Announcer {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Announce()
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	return &Announcer{
		url:       cfg.URL,
		secret:    cfg.Secret,
		queue:     make(chan Event, capacity),
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		client:    client,
		logger:    logger,
		metrics:   metrics,
		backoffFn: backoff,
	}
}

// Enabled reports whether a webhook endpoint is configured.
func (a *Announcer) Enabled() bool {
	return a.url != ""
}

// Enqueue hands an event to the delivery worker without blocking.
func (a *Announcer) Enqueue(evt Event) {
	if !a.Enabled() {
		return
	}
	select {
	case a.queue <- evt:
		a.metrics.SetQueueDepth(len(a.queue))
	default:
		a.metrics.RecordDropped()
		a.logger.Warn("announcement dropped, queue full",
			"handle", evt.Handle,
			"tx", evt.TxRef,
		)
	}
}

// Run drains the queue until the context is cancelled. Intended to be run in
// its own goroutine for the life of the process.
func (a *Announcer) Run(ctx context.Context) {
	if !a.Enabled() {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-a.queue:
			a.metrics.SetQueueDepth(len(a.queue))
			a.deliver(ctx, evt)
		}
	}
}

// deliver attempts the webhook POST with bounded retries. Exhausted retries
// are logged and counted; the event is then abandoned.
func (a *Announcer) deliver(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		a.metrics.RecordFailure("marshal")
		a.logger.Error("announcement payload marshal failed", "err", err)
		return
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		err := a.post(ctx, payload)
		if err == nil {
			a.metrics.RecordDelivered()
			return
		}
		a.logger.Warn("announcement delivery failed",
			"handle", evt.Handle,
			"tx", evt.TxRef,
			"attempt", attempt,
			"err", err,
		)
		if attempt == maxAttempts {
			a.metrics.RecordFailure("exhausted")
			return
		}
		timer := time.NewTimer(a.backoffFn(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Announcer) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set("X-Announce-Signature", signPayload(a.secret, payload))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCeiling {
		return backoffCeiling
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
