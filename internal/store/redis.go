package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/pipeline"
)

const (
	AlertsKey      = "sectriage:alerts"
	maxAlerts      = 1000
	ipThreatTTL    = 48 * time.Hour
	publishTimeout = 5 * time.Second
)

// ipThreatKey is the per-source-IP key holding the most recent threat level.
func ipThreatKey(ip string) string {
	return "sectriage:ip:" + ip + ":threat"
}

// AlertSummary is the compact alert record pushed to Redis.
type AlertSummary struct {
	EventID      string   `json:"event_id"`
	Timestamp    string   `json:"timestamp,omitempty"`
	SrcIP        string   `json:"src_ip,omitempty"`
	EventType    string   `json:"event_type,omitempty"`
	ThreatLevel  string   `json:"threat_level"`
	TrustScore   float64  `json:"trust_score"`
	AnomalyScore float64  `json:"anomaly_score"`
	Techniques   []string `json:"techniques"`
	Summary      string   `json:"summary"`
}

// SummarizeAlert condenses a result into an AlertSummary.
func SummarizeAlert(res *pipeline.Result) AlertSummary {
	techniques := make([]string, 0, len(res.Techniques))
	for _, m := range res.Techniques {
		techniques = append(techniques, m.TechniqueID)
	}
	return AlertSummary{
		EventID:      res.Event.ID,
		Timestamp:    res.Event.Timestamp,
		SrcIP:        res.Event.SrcIP,
		EventType:    res.Event.EventType,
		ThreatLevel:  res.ThreatLevel().String(),
		TrustScore:   res.TrustScore,
		AnomalyScore: res.AnomalyScore,
		Techniques:   techniques,
		Summary:      res.Explanation.Summary,
	}
}

// RedisPublisher pushes alerts to a capped list and remembers the last
// threat level seen per source IP.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher connects to redisURL (redis://host:port/db).
func NewRedisPublisher(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	p := &RedisPublisher{
		client: client,
		logger: logger.With().Str("component", "redis_publisher").Logger(),
	}
	p.logger.Info().Str("addr", opt.Addr).Msg("connected to Redis")
	return p, nil
}

// Publish records res. Alerts are pushed to AlertsKey, trimmed to the
// newest 1000, and every event with a source IP refreshes its threat key.
func (p *RedisPublisher) Publish(ctx context.Context, res *pipeline.Result) error {
	alert := res.Alert()
	if !alert && res.Event.SrcIP == "" {
		return nil
	}

	var payload []byte
	if alert {
		var err error
		if payload, err = json.Marshal(SummarizeAlert(res)); err != nil {
			return fmt.Errorf("marshaling alert: %w", err)
		}
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if alert {
			pipe.LPush(ctx, AlertsKey, payload)
			pipe.LTrim(ctx, AlertsKey, 0, maxAlerts-1)
		}
		if ip := res.Event.SrcIP; ip != "" {
			pipe.Set(ctx, ipThreatKey(ip), res.ThreatLevel().String(), ipThreatTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing result %s: %w", res.Event.ID, err)
	}
	return nil
}

// Handle publishes res with a bounded timeout and logs failures, for use
// as a pipeline result handler.
func (p *RedisPublisher) Handle(res *pipeline.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, res); err != nil {
		p.logger.Error().Err(err).Str("event_id", res.Event.ID).Msg("redis publish failed")
	}
}

// LastThreat returns the last threat level recorded for ip, or "" when
// none is stored.
func (p *RedisPublisher) LastThreat(ctx context.Context, ip string) (string, error) {
	level, err := p.client.Get(ctx, ipThreatKey(ip)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading threat for %s: %w", ip, err)
	}
	return level, nil
}

// RecentAlerts returns up to n of the newest alerts.
func (p *RedisPublisher) RecentAlerts(ctx context.Context, n int64) ([]AlertSummary, error) {
	raw, err := p.client.LRange(ctx, AlertsKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading alerts: %w", err)
	}
	out := make([]AlertSummary, 0, len(raw))
	for _, s := range raw {
		var a AlertSummary
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Close releases the connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
