package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1sec-project/sectriage/internal/collect"
	"github.com/1sec-project/sectriage/internal/core"
	"github.com/1sec-project/sectriage/internal/mitre"
	"github.com/1sec-project/sectriage/internal/pipeline"
	"github.com/1sec-project/sectriage/internal/trust"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"anomaly_model": s.pipeline.Detector().Kind(),
		"timestamp":     time.Now().UTC(),
	})
}

// handleEvent triages a single event synchronously and returns its result.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev core.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event JSON: "+err.Error())
		return
	}
	ev.EnsureID()

	res, err := s.pipeline.ProcessEvent(r.Context(), ev)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":    err.Error(),
			"event_id": ev.ID,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBatch accepts a JSON array, an {"events": [...]} wrapper or JSON lines.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events, err := collect.ReadEvents(io.LimitReader(r.Body, maxBatchBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch: "+err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch contains no events")
		return
	}

	results := s.pipeline.ProcessBatch(r.Context(), events)
	if results == nil {
		results = []*pipeline.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"submitted": len(events),
		"processed": len(results),
		"failed":    len(events) - len(results),
		"results":   results,
	})
}

type falsePositiveRequest struct {
	Event      core.Event `json:"event"`
	Reason     string     `json:"reason"`
	Prediction *float64   `json:"prediction,omitempty"`
}

// handleFalsePositive records an analyst override. When the original
// prediction is supplied it becomes a benign calibration sample.
func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req falsePositiveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.Prediction != nil {
		if *req.Prediction < 0 || *req.Prediction > 1 {
			writeError(w, http.StatusBadRequest, "prediction must be within [0, 1]")
			return
		}
		s.pipeline.Calibrator().AddSample(*req.Prediction, false, time.Now().UTC().Format(time.RFC3339))
	}

	writeJSON(w, http.StatusOK, s.pipeline.Explainer().ExplainFalsePositive(req.Event, req.Reason))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	detector := s.pipeline.Detector()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": s.pipeline.Summary(),
		"mapping": s.pipeline.Mapper().Statistics(),
		"anomaly": map[string]interface{}{
			"model":     detector.Kind(),
			"threshold": detector.Threshold(),
		},
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

// handleMatrix serves the technique matrix as JSON, CSV (?format=csv) or an
// ATT&CK Navigator layer (?format=navigator).
func (s *Server) handleMatrix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rows := s.pipeline.Matrix()
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		if rows == nil {
			rows = []mitre.MatrixRow{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total":      len(rows),
			"techniques": rows,
		})
	case "csv":
		var buf bytes.Buffer
		if err := mitre.WriteMatrixCSV(&buf, rows); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	case "navigator":
		writeJSON(w, http.StatusOK, mitre.BuildNavigatorLayer(rows))
	default:
		writeError(w, http.StatusBadRequest, "unknown format, use json, csv or navigator")
	}
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cal := s.pipeline.Calibrator()
	body := map[string]interface{}{
		"temperature": cal.Temperature(),
		"threshold":   cal.Threshold(),
		"samples":     len(cal.Samples()),
	}
	report, err := cal.Metrics()
	if err != nil {
		body["metrics_error"] = err.Error()
	} else {
		body["metrics"] = report
	}
	writeJSON(w, http.StatusOK, body)
}

type sampleInput struct {
	Prediction float64 `json:"prediction"`
	Malicious  bool    `json:"malicious"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// decodeSamples accepts a bare array, a single sample or {"samples": [...]}.
func decodeSamples(r io.Reader) ([]sampleInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}

	var samples []sampleInput
	if data[0] == '[' {
		err = json.Unmarshal(data, &samples)
		return samples, err
	}

	var wrapper struct {
		Samples []sampleInput `json:"samples"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Samples != nil {
		return wrapper.Samples, nil
	}

	var one sampleInput
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []sampleInput{one}, nil
}

func (s *Server) handleCalibrationSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	samples, err := decodeSamples(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid samples: "+err.Error())
		return
	}
	for i, smp := range samples {
		if smp.Prediction < 0 || smp.Prediction > 1 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "prediction must be within [0, 1]",
				"index": i,
			})
			return
		}
	}

	cal := s.pipeline.Calibrator()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, smp := range samples {
		ts := smp.Timestamp
		if ts == "" {
			ts = now
		}
		cal.AddSample(smp.Prediction, smp.Malicious, ts)
	}

	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": len(samples),
		"buffered": len(cal.Samples()),
	})
}

func (s *Server) handleCalibrationOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cal := s.pipeline.Calibrator()
	previous := cal.Temperature()
	t, err := cal.OptimizeTemperature()
	if err != nil {
		var insufficient *trust.InsufficientDataError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
				"have":  insufficient.Have,
				"need":  insufficient.Need,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Float64("previous", previous).Float64("temperature", t).Msg("calibration temperature optimized")
	writeJSON(w, http.StatusOK, map[string]float64{
		"previous_temperature": previous,
		"temperature":          t,
	})
}
