package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/pipeline"
)

// WebhookConfig controls alert delivery.
type WebhookConfig struct {
	URLs             []string
	MinLevel         core.ThreatLevel
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	QueueSize        int
	Workers          int
	FailureThreshold uint32
	OpenTimeout      time.Duration
	RequestTimeout   time.Duration
}

// DefaultWebhookConfig returns delivery settings for urls: five retries
// backing off from 1s to 30s, and a breaker that opens a URL for 60s after
// five consecutive failures.
func DefaultWebhookConfig(urls []string) WebhookConfig {
	return WebhookConfig{
		URLs:             urls,
		MinLevel:         core.ThreatHigh,
		MaxRetries:       5,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		QueueSize:        1000,
		Workers:          4,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		RequestTimeout:   15 * time.Second,
	}
}

// Delivery is one alert bound for one URL.
type Delivery struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Alert     AlertSummary `json:"alert"`
	CreatedAt time.Time    `json:"created_at"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
}

// DeadLetter is a delivery that was given up on.
type DeadLetter struct {
	Delivery Delivery  `json:"delivery"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

const maxDeadLetters = 500

// permanentError marks a response that retrying cannot fix.
type permanentError struct{ msg string }

func (e *permanentError) Error() string { return e.msg }

// WebhookNotifier posts alert summaries to HTTP endpoints from a pool of
// workers. Failed posts are retried with exponential backoff, each URL sits
// behind its own circuit breaker, and deliveries that cannot be made end up
// in a bounded dead-letter list.
type WebhookNotifier struct {
	cfg      WebhookConfig
	client   *http.Client
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Delivery

	dlMu        sync.Mutex
	deadLetters []DeadLetter

	delivered atomic.Uint64
	skipped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookNotifier starts the delivery workers. Zero values in cfg take
// the defaults.
func NewWebhookNotifier(cfg WebhookConfig, logger zerolog.Logger) *WebhookNotifier {
	def := DefaultWebhookConfig(cfg.URLs)
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(cfg.URLs)),
		logger:   logger.With().Str("component", "webhook_notifier").Logger(),
		queue:    make(chan *Delivery, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, url := range cfg.URLs {
		n.breakers[url] = n.newBreaker(url)
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().Int("urls", len(cfg.URLs)).Int("workers", cfg.Workers).Str("min_level", cfg.MinLevel.String()).Msg("webhook notifier started")
	return n
}

func (n *WebhookNotifier) newBreaker(url string) *gobreaker.CircuitBreaker {
	threshold := n.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     n.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var perm *permanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn().Str("url", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit state changed")
		},
	})
}

// Handle queues res for every URL when it is an alert at or above the
// minimum level, for use as a pipeline result handler. It never blocks: a
// full queue dead-letters the delivery.
func (n *WebhookNotifier) Handle(res *pipeline.Result) {
	if !res.Alert() || res.ThreatLevel() < n.cfg.MinLevel {
		n.skipped.Add(1)
		return
	}
	alert := SummarizeAlert(res)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, url := range n.cfg.URLs {
		d := &Delivery{
			ID:        uuid.NewString(),
			URL:       url,
			Alert:     alert,
			CreatedAt: time.Now().UTC(),
		}
		select {
		case n.queue <- d:
		default:
			n.deadLetter(d, "queue full")
		}
	}
}

// Stop stops accepting alerts and waits for the workers to drain the queue.
// Deliveries still retrying after RequestTimeout are cut short and
// dead-lettered.
func (n *WebhookNotifier) Stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.RequestTimeout):
		n.cancel()
		<-done
	}
	n.cancel()
	n.logger.Info().Uint64("delivered", n.delivered.Load()).Int("dead_letters", len(n.DeadLetters(0))).Msg("webhook notifier stopped")
}

// DeadLetters returns up to limit of the most recent dead letters, oldest
// first. limit <= 0 returns all of them.
func (n *WebhookNotifier) DeadLetters(limit int) []DeadLetter {
	n.dlMu.Lock()
	defer n.dlMu.Unlock()
	start := 0
	if limit > 0 && limit < len(n.deadLetters) {
		start = len(n.deadLetters) - limit
	}
	return append([]DeadLetter(nil), n.deadLetters[start:]...)
}

// Stats returns delivery counters and the breaker state per URL.
func (n *WebhookNotifier) Stats() map[string]interface{} {
	circuits := make(map[string]string, len(n.breakers))
	for url, cb := range n.breakers {
		circuits[url] = cb.State().String()
	}
	n.dlMu.Lock()
	dl := len(n.deadLetters)
	n.dlMu.Unlock()
	return map[string]interface{}{
		"queue_depth":  len(n.queue),
		"delivered":    n.delivered.Load(),
		"skipped":      n.skipped.Load(),
		"dead_letters": dl,
		"circuits":     circuits,
	}
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for d := range n.queue {
		n.deliver(d)
	}
}

func (n *WebhookNotifier) deliver(d *Delivery) {
	body, err := json.Marshal(d.Alert)
	if err != nil {
		n.deadLetter(d, fmt.Sprintf("marshal error: %v", err))
		return
	}
	cb := n.breakers[d.URL]

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		d.Attempts = attempt + 1
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, n.post(d, body)
		})
		if err == nil {
			n.delivered.Add(1)
			n.logger.Debug().Str("id", d.ID).Str("url", d.URL).Int("attempts", d.Attempts).Msg("webhook delivered")
			return
		}
		d.LastError = err.Error()

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < n.cfg.MaxRetries && !n.backoff(attempt) {
			break
		}
	}
	n.deadLetter(d, d.LastError)
}

func (n *WebhookNotifier) post(d *Delivery, body []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentError{msg: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sectriage-webhook/1.0")
	req.Header.Set("X-Sectriage-Delivery-ID", d.ID)
	req.Header.Set("X-Sectriage-Attempt", strconv.Itoa(d.Attempts))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &permanentError{msg: fmt.Sprintf("client error: HTTP %d", resp.StatusCode)}
	default:
		return fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	}
}

// backoff sleeps InitialBackoff * 2^attempt, capped at MaxBackoff. It
// returns false if the notifier was cancelled meanwhile.
func (n *WebhookNotifier) backoff(attempt int) bool {
	delay := time.Duration(float64(n.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *WebhookNotifier) deadLetter(d *Delivery, reason string) {
	n.dlMu.Lock()
	if len(n.deadLetters) >= maxDeadLetters {
		n.deadLetters = n.deadLetters[maxDeadLetters/10:]
	}
	n.deadLetters = append(n.deadLetters, DeadLetter{
		Delivery: *d,
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	})
	n.dlMu.Unlock()
	n.logger.Warn().Str("id", d.ID).Str("url", d.URL).Int("attempts", d.Attempts).Str("reason", reason).Msg("webhook moved to dead letter")
}
