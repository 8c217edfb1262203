// Package features turns raw events into the fixed-order numeric vectors
// consumed by the anomaly model.
package features

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// NumFeatures is the length of every feature vector.
const NumFeatures = 22

// Names lists the feature keys in the positional order the model expects.
var Names = [NumFeatures]string{
	"hour",
	"day_of_week",
	"is_weekend",
	"is_night",
	"src_is_private",
	"dst_is_private",
	"src_port",
	"dst_port",
	"is_common_port",
	"same_ip_frequency",
	"same_type_frequency",
	"time_since_last_similar",
	"suspicious_keyword_count",
	"message_length",
	"special_char_ratio",
	"has_ip_pattern",
	"has_url_pattern",
	"http_code",
	"is_http_error",
	"event_type_encoded",
	"is_repeated_failure",
	"is_rapid_succession",
}

// Index positions, kept in step with Names.
const (
	Hour = iota
	DayOfWeek
	IsWeekend
	IsNight
	SrcIsPrivate
	DstIsPrivate
	SrcPort
	DstPort
	IsCommonPort
	SameIPFrequency
	SameTypeFrequency
	TimeSinceLastSimilar
	SuspiciousKeywordCount
	MessageLength
	SpecialCharRatio
	HasIPPattern
	HasURLPattern
	HTTPCode
	IsHTTPError
	EventTypeEncoded
	IsRepeatedFailure
	IsRapidSuccession
)

var nameIndex = func() map[string]int {
	m := make(map[string]int, NumFeatures)
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Vector is one event's feature values, positionally aligned with Names.
type Vector [NumFeatures]float64

// Get returns the named feature and whether the name is known.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := nameIndex[name]
	if !ok {
		return 0, false
	}
	return v[i], true
}

// Slice returns a copy of the values as a slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, NumFeatures)
	copy(out, v[:])
	return out
}

// Map returns the values keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, NumFeatures)
	for i, n := range Names {
		m[n] = v[i]
	}
	return m
}

// MarshalJSON encodes the vector as an object whose keys follow Names order.
func (v Vector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range Names {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(n))
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(v[i], 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the object form produced by MarshalJSON. Unknown
// keys are ignored and missing keys stay zero.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*v = Vector{}
	for name, val := range m {
		if i, ok := nameIndex[name]; ok {
			v[i] = val
		}
	}
	return nil
}
