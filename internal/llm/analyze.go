package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/1sec-project/sectriage/internal/core"
)

const analystSystemPrompt = `You are a cybersecurity analyst working in a SOC.
Analyze security events and decide whether they are malicious.
Answer concisely and factually.
Format: [MALICIOUS/NORMAL] followed by a short justification.`

// Analysis is the LLM's verdict on one event. A failed call yields zero
// confidence, an empty explanation and a non-nil Err.
type Analysis struct {
	IsMalicious bool    `json:"is_malicious"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
	Err         error   `json:"-"`
}

// MarshalJSON adds the error text, if any, under "error".
func (a Analysis) MarshalJSON() ([]byte, error) {
	type plain Analysis
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(a)}
	if a.Err != nil {
		out.Error = a.Err.Error()
	}
	return json.Marshal(out)
}

// AnalyzeSecurityEvent asks the model whether ev is malicious.
func (c *Client) AnalyzeSecurityEvent(ctx context.Context, ev core.Event) Analysis {
	prompt := fmt.Sprintf(`Analyze this event:

Timestamp: %s
Source IP: %s
Type: %s
Message: %s

Is it malicious?`, orNA(ev.Timestamp), orNA(ev.SrcIP), orNA(ev.EventType), orNA(ev.Message))

	res := c.Query(ctx, prompt, analystSystemPrompt, c.opts.Temperature, 0)
	if res.Err != nil {
		return Analysis{Err: res.Err}
	}

	upper := strings.ToUpper(res.Response)
	return Analysis{
		IsMalicious: strings.Contains(upper, "MALICIOUS") || strings.Contains(upper, "MALVEILLANT"),
		Confidence:  res.Confidence,
		Explanation: res.Response,
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
