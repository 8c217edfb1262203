// Package llm talks to an OpenAI-compatible chat-completion endpoint. Calls
// never fail outright: transport and protocol errors come back as degraded
// results with zero confidence.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL     = "http://localhost:1234/v1"
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 500

	maxErrorBody = 512
)

// ErrDisabled is reported by a client built with Enabled false.
var ErrDisabled = errors.New("llm collaborator disabled")

// Options configures a Client.
type Options struct {
	Enabled     bool
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	// Logprobs asks the server for token log-probabilities.
	Logprobs bool
}

// Message is one role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
	Logprobs    bool      `json:"logprobs,omitempty"`
}

type chatLogprobs struct {
	TokenLogprobs []float64 `json:"token_logprobs"`
	Content       []struct {
		Logprob float64 `json:"logprob"`
	} `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Logprobs *chatLogprobs `json:"logprobs"`
	} `json:"choices"`
}

// Result is the outcome of one Query. When Err is set, Confidence is 0 and
// Response carries a readable error string.
type Result struct {
	Response   string          `json:"response"`
	Confidence float64         `json:"confidence"`
	Err        error           `json:"-"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Client is a chat-completion client guarded by a circuit breaker.
type Client struct {
	opts       Options
	endpoint   string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient builds a Client, filling unset options with defaults.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	return &Client{
		opts:       opts,
		endpoint:   strings.TrimRight(opts.BaseURL, "/") + "/chat/completions",
		httpClient: &http.Client{Timeout: opts.Timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "LLM",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		logger: logger.With().Str("component", "llm_client").Logger(),
	}
}

// Enabled reports whether the client performs network calls.
func (c *Client) Enabled() bool {
	return c.opts.Enabled
}

// Query sends prompt, preceded by an optional system instruction. A zero
// temperature or token budget uses the client defaults.
func (c *Client) Query(ctx context.Context, prompt, system string, temperature float64, maxTokens int) Result {
	if !c.opts.Enabled {
		return failed(ErrDisabled)
	}
	if temperature <= 0 {
		temperature = c.opts.Temperature
	}
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}

	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Logprobs:    c.opts.Logprobs,
	})
	if err != nil {
		return failed(fmt.Errorf("marshaling request: %w", err))
	}

	start := time.Now()
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, body)
	})
	if err != nil {
		c.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("LLM call failed")
		return failed(err)
	}

	raw := out.([]byte)
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return failed(fmt.Errorf("decoding response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return failed(errors.New("response has no choices"))
	}

	choice := resp.Choices[0]
	c.logger.Debug().Dur("elapsed", time.Since(start)).Int("chars", len(choice.Message.Content)).Msg("LLM call completed")
	return Result{
		Response:   strings.TrimSpace(choice.Message.Content),
		Confidence: extractConfidence(choice.Message.Content, choice.Logprobs),
		Raw:        raw,
	}
}

func (c *Client) do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling LLM: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := respBody
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("LLM error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return respBody, nil
}

// Ping sends a tiny prompt and reports whether it succeeded.
func (c *Client) Ping(ctx context.Context) bool {
	return c.Query(ctx, "Test", "", 0, 10).Err == nil
}

func failed(err error) Result {
	return Result{
		Response:   "LLM error: " + err.Error(),
		Confidence: 0,
		Err:        err,
	}
}

var (
	certaintyWords   = []string{"certainement", "clairement", "évidemment", "definitely", "clearly", "obviously"}
	uncertaintyWords = []string{"peut-être", "possiblement", "probablement", "maybe", "possibly", "probably"}
)

// extractConfidence derives a confidence in [0,1] for a completion. Token
// log-probabilities, when present, give exp(mean logprob). Otherwise a
// length and wording heuristic is used.
func extractConfidence(content string, lp *chatLogprobs) float64 {
	if lp != nil {
		values := lp.TokenLogprobs
		if len(values) == 0 {
			for _, tok := range lp.Content {
				values = append(values, tok.Logprob)
			}
		}
		if len(values) > 0 {
			var sum float64
			for _, v := range values {
				sum += v
			}
			return clamp(math.Exp(sum / float64(len(values))))
		}
	}
	return HeuristicConfidence(content)
}

// HeuristicConfidence scores a completion without log-probabilities:
// 0.6 + 0.3*min(len/200, 1), plus 0.1 for certainty wording and minus 0.15
// for hedging, in English or French.
func HeuristicConfidence(content string) float64 {
	lengthScore := math.Min(float64(utf8.RuneCountInString(content))/200, 1)
	lower := strings.ToLower(content)

	conf := 0.6 + lengthScore*0.3
	if containsAny(lower, certaintyWords) {
		conf += 0.1
	}
	if containsAny(lower, uncertaintyWords) {
		conf -= 0.15
	}
	return clamp(conf)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func clamp(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}
