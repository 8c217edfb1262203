package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/pipeline"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

const schema = `
CREATE TABLE IF NOT EXISTS triage_results (
	id              BIGSERIAL PRIMARY KEY,
	event_id        TEXT NOT NULL,
	event_time      TEXT,
	src_ip          TEXT,
	event_type      TEXT,
	anomaly_score   DOUBLE PRECISION NOT NULL,
	trust_score     DOUBLE PRECISION NOT NULL,
	should_alert    BOOLEAN NOT NULL,
	threat_level    TEXT NOT NULL,
	techniques      TEXT[] NOT NULL DEFAULT '{}',
	processing_time DOUBLE PRECISION NOT NULL,
	result          JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS triage_results_src_ip_idx ON triage_results (src_ip);
CREATE INDEX IF NOT EXISTS triage_results_alert_idx ON triage_results (should_alert, created_at);
`

const insertResult = `
INSERT INTO triage_results (
	event_id, event_time, src_ip, event_type,
	anomaly_score, trust_score, should_alert, threat_level,
	techniques, processing_time, result
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// resultRow is the flattened form of a triage result.
type resultRow struct {
	EventID        string
	EventTime      string
	SrcIP          string
	EventType      string
	AnomalyScore   float64
	TrustScore     float64
	ShouldAlert    bool
	ThreatLevel    string
	Techniques     []string
	ProcessingTime float64
	Result         []byte
}

func rowFromResult(res *pipeline.Result) (resultRow, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return resultRow{}, fmt.Errorf("marshaling result %s: %w", res.Event.ID, err)
	}
	techniques := make([]string, 0, len(res.Techniques))
	for _, m := range res.Techniques {
		techniques = append(techniques, m.TechniqueID)
	}
	return resultRow{
		EventID:        res.Event.ID,
		EventTime:      res.Event.Timestamp,
		SrcIP:          res.Event.SrcIP,
		EventType:      res.Event.EventType,
		AnomalyScore:   res.AnomalyScore,
		TrustScore:     res.TrustScore,
		ShouldAlert:    res.Alert(),
		ThreatLevel:    res.ThreatLevel().String(),
		Techniques:     techniques,
		ProcessingTime: res.ProcessingTime,
		Result:         body,
	}, nil
}

// PostgresWriter batches triage results into the triage_results table.
// Enqueue never blocks; results are dropped when the queue is full.
type PostgresWriter struct {
	db     *sql.DB
	queue  chan resultRow
	done   chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.Mutex
	running bool

	written atomic.Uint64
	dropped atomic.Uint64
	batches atomic.Uint64
	failed  atomic.Uint64
}

// NewPostgresWriter connects to databaseURL and verifies the connection.
func NewPostgresWriter(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	w := &PostgresWriter{
		db:     db,
		queue:  make(chan resultRow, queueSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "postgres_writer").Logger(),
	}
	w.logger.Info().Msg("connected to PostgreSQL")
	return w, nil
}

// EnsureSchema creates the results table and its indexes when missing.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating triage_results schema: %w", err)
	}
	return nil
}

// Start launches the background batch loop.
func (w *PostgresWriter) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	w.logger.Info().Int("batch_size", batchSize).Dur("interval", batchInterval).Msg("result writer started")
}

// Stop flushes queued results and closes the database.
func (w *PostgresWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.db.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.db.Close()
	w.logger.Info().
		Uint64("written", w.written.Load()).
		Uint64("dropped", w.dropped.Load()).
		Uint64("batches", w.batches.Load()).
		Msg("result writer stopped")
}

// Enqueue queues a result for the next batch. It has the ResultHandler
// shape so it can be registered on a pipeline directly.
func (w *PostgresWriter) Enqueue(res *pipeline.Result) {
	row, err := rowFromResult(res)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error().Err(err).Str("event_id", res.Event.ID).Msg("result not queued")
		return
	}
	select {
	case w.queue <- row:
	default:
		if n := w.dropped.Add(1); n%1000 == 1 {
			w.logger.Warn().Uint64("dropped", n).Msg("result queue full, dropping")
		}
	}
}

// Stats returns writer counters.
func (w *PostgresWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"results_written": w.written.Load(),
		"results_dropped": w.dropped.Load(),
		"results_failed":  w.failed.Load(),
		"batches_written": w.batches.Load(),
		"queue_len":       len(w.queue),
		"queue_cap":       cap(w.queue),
	}
}

func (w *PostgresWriter) loop() {
	defer w.wg.Done()

	batch := make([]resultRow, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			w.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case row := <-w.queue:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			for {
				select {
				case row := <-w.queue:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *PostgresWriter) writeBatch(batch []resultRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.failed.Add(uint64(len(batch)))
		w.logger.Error().Err(err).Msg("failed to begin transaction")
		return
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertResult)
	if err != nil {
		w.failed.Add(uint64(len(batch)))
		w.logger.Error().Err(err).Msg("failed to prepare insert")
		return
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.EventID, r.EventTime, r.SrcIP, r.EventType,
			r.AnomalyScore, r.TrustScore, r.ShouldAlert, r.ThreatLevel,
			pq.Array(r.Techniques), r.ProcessingTime, r.Result,
		); err != nil {
			w.failed.Add(uint64(len(batch)))
			w.logger.Error().Err(err).Str("event_id", r.EventID).Msg("failed to insert result, batch rolled back")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		w.failed.Add(uint64(len(batch)))
		w.logger.Error().Err(err).Msg("failed to commit batch")
		return
	}
	w.written.Add(uint64(len(batch)))
	w.batches.Add(1)
}
