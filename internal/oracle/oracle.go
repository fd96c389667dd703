// Package oracle is the thin advisory client the supervisor consults about
// stuck workers. It sends diagnostics to an LLM endpoint, parses the
// response against a strict schema, and caches results per error signature.
// Everything it returns is advice: the supervisor validates and may discard.
package oracle

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jackzampolin/bookherd/internal/patch"
)

// FixType is the oracle's recommended intervention.
type FixType string

const (
	FixRestart   FixType = "restart"
	FixConfig    FixType = "config"
	FixCode      FixType = "code"
	FixScaleDown FixType = "scale_down"
)

// Diagnostics is the evidence bundle sent for analysis.
type Diagnostics struct {
	WorkerID     int
	MinutesStuck int
	LastUpload   string
	KeyRange     string
	ErrorTags    []string
	Status       string
	Logs         string

	DiskUtilization float64
	DiskSaturated   bool

	// TargetLogs is a tail of the target service's container log, when
	// the supervisor can reach the Docker API.
	TargetLogs string

	// RecurrenceCount is how many times a similar root cause appeared in
	// fix history; >= 2 biases the oracle toward a code fix.
	RecurrenceCount int

	// CodeSnippets holds source of functions relevant to recognized
	// patterns (e.g. the catalog iteration function when the same key
	// range repeats).
	CodeSnippets map[string]string
}

// Signature hashes the diagnostic error surface for response caching.
func (d Diagnostics) Signature() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s", d.Status, d.KeyRange)
	for _, t := range d.ErrorTags {
		fmt.Fprintf(h, "|%s", strings.ToLower(t))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Analysis is the oracle's structured recommendation.
type Analysis struct {
	RootCause   string         `json:"root_cause"`
	FixType     FixType        `json:"fix_type"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"fix_description"`
	Params      map[string]any `json:"params,omitempty"`
	Patch       *patch.Patch   `json:"patch,omitempty"`
}

// fallbackAnalysis is returned for unparseable responses.
func fallbackAnalysis(reason string) *Analysis {
	return &Analysis{
		RootCause:   "unknown",
		FixType:     FixRestart,
		Confidence:  0.5,
		Description: "response unparseable, defaulting to restart: " + reason,
	}
}

const (
	defaultModel    = openai.ChatModelGPT4o
	cacheTTL        = 15 * time.Minute
	maxOutputTokens = 2000
	temperature     = 0.3
)

// Config assembles a Client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string // tests
	Logger  *slog.Logger
}

// Client calls the analysis endpoint.
type Client struct {
	client openai.Client
	model  string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAnalysis
}

type cachedAnalysis struct {
	analysis *Analysis
	at       time.Time
}

// NewClient creates an oracle client. An empty API key is allowed; Analyze
// then fails and the supervisor falls back to its own rules.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
		cache:  make(map[string]cachedAnalysis),
	}
}

// Analyze sends diagnostics and returns the parsed recommendation. Results
// are cached by (worker, error signature) for 15 minutes to keep request
// volume down while a worker is repeatedly inspected.
func (c *Client) Analyze(ctx context.Context, d Diagnostics) (*Analysis, error) {
	key := fmt.Sprintf("%d:%s", d.WorkerID, d.Signature())

	c.mu.Lock()
	if hit, ok := c.cache[key]; ok && time.Since(hit.at) < cacheTTL {
		c.mu.Unlock()
		c.logger.Debug("oracle cache hit", "worker", d.WorkerID)
		return hit.analysis, nil
	}
	c.mu.Unlock()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(d)),
		},
		MaxTokens:   openai.Int(maxOutputTokens),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("oracle returned no choices")
	}

	analysis := ParseResponse(resp.Choices[0].Message.Content)

	c.mu.Lock()
	c.cache[key] = cachedAnalysis{analysis: analysis, at: time.Now()}
	c.mu.Unlock()
	return analysis, nil
}
