package core

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	eventsSubjectPrefix  = "triage.events"
	resultsSubjectPrefix = "triage.results"
)

// EventBus wraps NATS JetStream for event ingestion and result fan-out.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	url    string
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus counters.
type BusMetrics struct {
	mu               sync.Mutex
	EventsPublished  int64
	EventsFailed     int64
	ResultsPublished int64
	MessagesAcked    int64
	MessagesNaked    int64
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an
// embedded NATS server first. A port of -1 picks a random free port.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
		url:     cfg.URL,
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.url = ns.ClientURL()
		bus.logger.Info().Str("url", bus.url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(bus.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "TRIAGE_EVENTS",
			Subjects:  []string{eventsSubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "TRIAGE_RESULTS",
			Subjects:  []string{resultsSubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, streamCfg := range streams {
		if _, err := js.AddStream(streamCfg); err != nil {
			// Stream may exist with a different config from an older build.
			if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
				_ = bus.Close()
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", streamCfg.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", bus.url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ClientURL returns the URL the bus connected to.
func (b *EventBus) ClientURL() string {
	return b.url
}

// PublishEvent publishes a raw event for triage.
func (b *EventBus) PublishEvent(ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := eventsSubjectPrefix + "." + subjectToken(ev.EventType)
	if _, err := b.js.Publish(subject, data); err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", ev.ID).
		Str("subject", subject).
		Msg("event published")
	return nil
}

// PublishResult publishes an already encoded triage result under
// triage.results.<suffix>.
func (b *EventBus) PublishResult(suffix string, payload []byte) error {
	subject := resultsSubjectPrefix + "." + subjectToken(suffix)
	if _, err := b.js.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing result to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.ResultsPublished++
	b.metrics.mu.Unlock()
	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToEvents delivers every event published on the events stream.
// Undecodable messages are nak'ed; everything else is acked after handler returns.
func (b *EventBus) SubscribeToEvents(handler func(ev *Event)) error {
	return b.Subscribe(eventsSubjectPrefix+".>", "sectriage-events", func(msg *nats.Msg) {
		ev, err := UnmarshalEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal event")
			_ = msg.Nak()
			b.metrics.mu.Lock()
			b.metrics.MessagesNaked++
			b.metrics.mu.Unlock()
			return
		}
		handler(ev)
		_ = msg.Ack()
		b.metrics.mu.Lock()
		b.metrics.MessagesAcked++
		b.metrics.mu.Unlock()
	})
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published":  b.metrics.EventsPublished,
		"events_failed":     b.metrics.EventsFailed,
		"results_published": b.metrics.ResultsPublished,
		"messages_acked":    b.metrics.MessagesAcked,
		"messages_naked":    b.metrics.MessagesNaked,
	}
}

// subjectToken turns free text into a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
