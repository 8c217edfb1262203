package collect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/1sec-project/sectriage/internal/core"
)

// ParseJSONLine decodes one JSON object in the event schema. Objects with
// neither a message nor an event type are rejected.
func ParseJSONLine(line string) (core.Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return core.Event{}, false
	}
	var ev core.Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return core.Event{}, false
	}
	if ev.Message == "" && ev.EventType == "" {
		return core.Event{}, false
	}
	return ev, true
}

// ReadEvents reads events from r in any of three layouts: a JSON array,
// an object with an "events" array, or one JSON object per line.
// Unparseable lines in the line-oriented layout are skipped.
func ReadEvents(r io.Reader) ([]core.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []core.Event{}, nil
	}

	if data[0] == '[' {
		var events []core.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decoding event array: %w", err)
		}
		return events, nil
	}

	if data[0] == '{' {
		var wrapper struct {
			Events *[]core.Event `json:"events"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Events != nil {
			return *wrapper.Events, nil
		}
		var single core.Event
		if !bytes.Contains(data, []byte("\n")) || json.Unmarshal(data, &single) != nil {
			return readJSONLines(data), nil
		}
		return []core.Event{single}, nil
	}

	return readJSONLines(data), nil
}

func readJSONLines(data []byte) []core.Event {
	events := []core.Event{}
	for _, line := range strings.Split(string(data), "\n") {
		if ev, ok := ParseJSONLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// ReadEventsFile is ReadEvents on the file at path.
func ReadEventsFile(path string) ([]core.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadEvents(f)
}
