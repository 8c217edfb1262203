package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/1sec-project/sectriage/internal/anomaly"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/explain"
	"github.com/1sec-project/sectriage/internal/llm"
	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/trust"
)

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	out   llm.Analysis
}

func (f *fakeAnalyzer) AnalyzeSecurityEvent(_ context.Context, _ core.Event) llm.Analysis {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.out
}

// flakyModel wraps a real model and misbehaves on selected calls.
type flakyModel struct {
	inner   anomaly.Model
	calls   int
	failOn  int
	panicOn int
}

func (m *flakyModel) Predict(x []float64) (anomaly.Label, float64, error) {
	m.calls++
	switch m.calls {
	case m.failOn:
		return anomaly.LabelNormal, 0, errors.New("model exploded")
	case m.panicOn:
		panic("index out of range")
	}
	return m.inner.Predict(x)
}

func (m *flakyModel) Dimensions() int { return m.inner.Dimensions() }

func bootstrapped(t *testing.T) anomaly.Model {
	t.Helper()
	m, err := anomaly.Bootstrap()
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return m
}

func newTestPipeline(t *testing.T, model anomaly.Model, analyzer Analyzer, metrics *Metrics) *Pipeline {
	t.Helper()
	logger := zerolog.Nop()
	explainer, err := explain.NewExplainer(nil, 8, logger)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(Components{
		Detector:   anomaly.NewDetector(model, anomaly.KindBootstrapped, nil, logger),
		Calibrator: trust.NewCalibrator(0, 0, 0),
		Mapper:     mitre.NewMapper(mitre.NewKnowledgeBase(mitre.DefaultTechniques(), logger), logger),
		Explainer:  explainer,
		Analyzer:   analyzer,
		Metrics:    metrics,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNew_RequiresStages(t *testing.T) {
	if _, err := New(Components{}, zerolog.Nop()); err == nil {
		t.Error("expected error for missing components")
	}
}

// ─── ProcessEvent ───────────────────────────────────────────────────────────

func TestProcessEvent_RunsAllStages(t *testing.T) {
	analyzer := &fakeAnalyzer{out: llm.Analysis{IsMalicious: true, Confidence: 0.8, Explanation: "MALICIOUS"}}
	p := newTestPipeline(t, bootstrapped(t), analyzer, nil)

	res, err := p.ProcessEvent(context.Background(), SampleEvents()[0])
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	for _, stage := range Stages {
		if res.Stages[stage] != StatusCompleted {
			t.Errorf("stage %s = %q", stage, res.Stages[stage])
		}
	}
	if res.Event.ID == "" {
		t.Error("missing ID should be generated")
	}
	if res.TrustAnalysis.Sources.LLMConfidence != 0.8 {
		t.Errorf("llm confidence not fused: %+v", res.TrustAnalysis.Sources)
	}
	if res.TrustAnalysis.Sources.AnomalyScore != res.AnomalyScore {
		t.Error("anomaly score not fused")
	}
	if res.HeuristicScore <= 0.5 {
		t.Errorf("failed-password message should raise the heuristic, got %v", res.HeuristicScore)
	}
	if len(res.Techniques) == 0 || res.Techniques[0].TechniqueID != "T1110" {
		t.Errorf("techniques = %+v", res.Techniques)
	}
	if res.Explanation.EventID != res.Event.ID {
		t.Errorf("explanation event id = %q", res.Explanation.EventID)
	}
	if res.ThreatLevel() != explain.ThreatLevel(res.TrustScore, res.AnomalyScore) {
		t.Error("threat level mismatch")
	}
	if res.ProcessingTime <= 0 {
		t.Error("processing time not recorded")
	}
}

func TestProcessEvent_KeepsProvidedID(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	ev := SampleEvents()[4]
	ev.ID = "evt_custom"
	res, err := p.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if res.Event.ID != "evt_custom" {
		t.Errorf("id = %q", res.Event.ID)
	}
}

func TestProcessEvent_WithoutAnalyzerDegrades(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	res, err := p.ProcessEvent(context.Background(), SampleEvents()[2])
	if err != nil {
		t.Fatal(err)
	}
	if res.LLMAnalysis.Confidence != 0 || !errors.Is(res.LLMAnalysis.Err, llm.ErrDisabled) {
		t.Errorf("llm analysis = %+v", res.LLMAnalysis)
	}
	if res.Stages[StageLLM] != StatusCompleted {
		t.Error("a degraded LLM stage still completes")
	}
}

func TestProcessEvent_LabeledEventsFeedCalibrator(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	ev := SampleEvents()[0]
	ev.Expected = "malicious"
	if _, err := p.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ProcessEvent(context.Background(), SampleEvents()[4]); err != nil {
		t.Fatal(err)
	}
	samples := p.Calibrator().Samples()
	if len(samples) != 1 || samples[0].GroundTruth != 1 {
		t.Errorf("samples = %+v", samples)
	}
}

func TestProcessEvent_Deterministic(t *testing.T) {
	a := newTestPipeline(t, bootstrapped(t), nil, nil)
	b := newTestPipeline(t, bootstrapped(t), nil, nil)
	for _, ev := range SampleEvents() {
		ev.ID = "fixed"
		ra, err := a.ProcessEvent(context.Background(), ev)
		if err != nil {
			t.Fatal(err)
		}
		rb, err := b.ProcessEvent(context.Background(), ev)
		if err != nil {
			t.Fatal(err)
		}
		if ra.AnomalyScore != rb.AnomalyScore || ra.TrustScore != rb.TrustScore {
			t.Errorf("scores differ: %v/%v vs %v/%v", ra.AnomalyScore, ra.TrustScore, rb.AnomalyScore, rb.TrustScore)
		}
	}
}

// ─── ProcessBatch ───────────────────────────────────────────────────────────

func TestProcessBatch_SampleRun(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	results := p.ProcessBatch(context.Background(), SampleEvents())
	if len(results) != 5 {
		t.Fatalf("results = %d", len(results))
	}

	s := p.Summary()
	if s.TotalEvents != 5 || s.FailedEvents != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.UniqueTechniques != len(s.Techniques) || s.UniqueTechniques == 0 {
		t.Errorf("techniques = %v", s.Techniques)
	}
	for i := 1; i < len(s.Techniques); i++ {
		if s.Techniques[i-1] > s.Techniques[i] {
			t.Errorf("techniques not sorted: %v", s.Techniques)
		}
	}
	if s.AvgProcessingTime <= 0 || s.P95ProcessingTime < 0 {
		t.Errorf("latency stats = %v / %v", s.AvgProcessingTime, s.P95ProcessingTime)
	}

	var alerts, anomalies int
	var perEvent [][]mitre.Match
	for _, r := range results {
		if r.Alert() {
			alerts++
		}
		if r.AnomalyAnalysis.IsAnomaly {
			anomalies++
		}
		perEvent = append(perEvent, r.Techniques)
	}
	if s.AlertsGenerated != alerts || s.AnomaliesDetected != anomalies {
		t.Errorf("summary counts %d/%d, want %d/%d", s.AlertsGenerated, s.AnomaliesDetected, alerts, anomalies)
	}

	matrix := p.Matrix()
	want := mitre.AggregateMatrix(perEvent)
	if len(matrix) != len(want) {
		t.Fatalf("matrix = %+v, want %+v", matrix, want)
	}
	for i := range want {
		if matrix[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, matrix[i], want[i])
		}
	}
}

func TestProcessBatch_FailureIsExcluded(t *testing.T) {
	model := &flakyModel{inner: bootstrapped(t), failOn: 2}
	p := newTestPipeline(t, model, nil, nil)

	results := p.ProcessBatch(context.Background(), SampleEvents()[:3])
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	s := p.Summary()
	if s.TotalEvents != 2 || s.FailedEvents != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestProcessBatch_PanicIsRecovered(t *testing.T) {
	model := &flakyModel{inner: bootstrapped(t), panicOn: 1}
	p := newTestPipeline(t, model, nil, nil)

	results := p.ProcessBatch(context.Background(), SampleEvents()[:2])
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if s := p.Summary(); s.TotalEvents != 1 || s.FailedEvents != 1 {
		t.Errorf("summary = %+v", s)
	}

	// The lock must have been released by the panicking call.
	if _, err := p.ProcessEvent(context.Background(), SampleEvents()[3]); err != nil {
		t.Errorf("pipeline unusable after panic: %v", err)
	}
}

func TestProcessBatch_StopsWhenCancelled(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if results := p.ProcessBatch(ctx, SampleEvents()); len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestProcessEvent_Concurrent(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), &fakeAnalyzer{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ev := range SampleEvents() {
				if _, err := p.ProcessEvent(context.Background(), ev); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if s := p.Summary(); s.TotalEvents != 40 {
		t.Errorf("total = %d, want 40", s.TotalEvents)
	}
	if p.history.Len() != 40 {
		t.Errorf("history = %d, want 40", p.history.Len())
	}
}

// ─── Handlers, metrics, report ──────────────────────────────────────────────

func TestAddHandler(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	var seen []string
	p.AddHandler(func(r *Result) { seen = append(seen, r.Event.EventType) })
	p.AddHandler(func(r *Result) { panic("bad handler") })

	p.ProcessBatch(context.Background(), SampleEvents()[:2])
	if strings.Join(seen, ",") != "ssh_attempt,ssh_attempt" {
		t.Errorf("seen = %v", seen)
	}
	if s := p.Summary(); s.FailedEvents != 0 || s.TotalEvents != 2 {
		t.Errorf("handler panic leaked into stats: %+v", s)
	}
}

// gathered sums every sample of the named family and counts its series.
func gathered(t *testing.T, reg *prometheus.Registry, name string) (sum float64, series int) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			series++
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				sum += float64(h.GetSampleCount())
			}
		}
	}
	return sum, series
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	model := &flakyModel{inner: bootstrapped(t), failOn: 5}
	p := newTestPipeline(t, model, nil, NewMetrics(reg))

	results := p.ProcessBatch(context.Background(), SampleEvents())
	if got, _ := gathered(t, reg, "sectriage_events_processed_total"); got != 4 {
		t.Errorf("processed = %v", got)
	}
	if got, _ := gathered(t, reg, "sectriage_events_failed_total"); got != 1 {
		t.Errorf("failed = %v", got)
	}
	var alerts float64
	for _, r := range results {
		if r.Alert() {
			alerts++
		}
	}
	if got, _ := gathered(t, reg, "sectriage_alerts_total"); got != alerts {
		t.Errorf("alerts = %v, want %v", got, alerts)
	}
	if got, _ := gathered(t, reg, "sectriage_threat_level_total"); got != 4 {
		t.Errorf("threat levels = %v, want 4", got)
	}
	if _, series := gathered(t, reg, "sectriage_stage_duration_seconds"); series != len(Stages) {
		t.Errorf("stage series = %d, want %d", series, len(Stages))
	}
}

func TestReport_JSON(t *testing.T) {
	p := newTestPipeline(t, bootstrapped(t), nil, nil)
	results := p.ProcessBatch(context.Background(), SampleEvents()[:1])

	data, err := json.Marshal(p.Report(results))
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"timestamp", "statistics", "results"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("report missing %q", key)
		}
	}
	for _, want := range []string{`"pipeline_steps"`, `"xai_explanation":"completed"`, `"avg_processing_time"`, `"techniques_list"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("report missing %s", want)
		}
	}

	empty, _ := json.Marshal(p.Report(nil))
	if !strings.Contains(string(empty), `"results":[]`) {
		t.Errorf("empty report = %s", empty)
	}
}

func TestBuild_FromDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.Anomaly.ModelPath = dir + "/missing_model.json"
	cfg.Mitre.DBPath = dir + "/mitre_db.csv"
	cfg.Trust.CalibrationPath = dir + "/calibration.json"
	cfg.LLM.Enabled = false

	p, err := Build(cfg, prometheus.NewRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Detector().Kind() != anomaly.KindBootstrapped {
		t.Error("expected bootstrapped model")
	}
	if p.Mapper().KnowledgeBase().Len() != 12 {
		t.Errorf("kb len = %d", p.Mapper().KnowledgeBase().Len())
	}
	if p.history.Cap() != cfg.Pipeline.HistorySize {
		t.Errorf("history cap = %d", p.history.Cap())
	}
	res, err := p.ProcessEvent(context.Background(), SampleEvents()[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Explanation.Narrative, "automatic explanation unavailable") {
		t.Errorf("narrative = %q", res.Explanation.Narrative)
	}
}
