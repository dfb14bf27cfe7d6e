package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAPIURL is the Groq OpenAI-compatible chat completions endpoint.
	DefaultAPIURL = "https://api.groq.com/openai/v1/chat/completions"

	// DefaultModel is the default chat model.
	DefaultModel = "llama-3.3-70b-versatile"
)

// ErrNoAPIKey is returned when the client has no credentials configured.
var ErrNoAPIKey = errors.New("reasoning engine API key not configured")

// ClientConfig configures the chat completions client.
type ClientConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a reasoning engine client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "reasoning-client").Logger(),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are an expert e-commerce support analyst. Always respond with valid JSON only, no markdown formatting."

const userPromptTemplate = `You are an expert support analyst for an e-commerce platform that is migrating from hosted to headless architecture.

Analyze the following signals and determine:
1. The root cause of the issue
2. The category (migration, platform_bug, documentation_gap, merchant_config, unknown)
3. The confidence level (0-1)
4. Step-by-step reasoning chain

SIGNALS:
%s

Respond ONLY with a JSON object in this exact format:
{
    "title": "Brief issue title",
    "summary": "2-3 sentence summary of the issue",
    "category": "migration|platform_bug|documentation_gap|merchant_config|unknown",
    "subcategory": "more specific category if applicable",
    "root_cause": "Detailed explanation of the root cause",
    "reasoning_chain": [
        {"step_number": 1, "observation": "What was observed", "inference": "What this suggests", "confidence": 0.8},
        {"step_number": 2, "observation": "...", "inference": "...", "confidence": 0.7}
    ],
    "confidence": 0.75,
    "impact": "low|medium|high|critical",
    "suggested_actions": ["action1", "action2"]
}
`

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// Analyze sends the formatted signal context to the engine and decodes the
// answer. Any transport, status or decoding problem is returned as an error.
func (c *Client) Analyze(ctx context.Context, signalContext string) (*Draft, error) {
	if !c.Configured() {
		return nil, ErrNoAPIKey
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(userPromptTemplate, signalContext)},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reasoning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("reasoning engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("reasoning engine returned no choices")
	}

	return parseDraft(chat.Choices[0].Message.Content)
}

// parseDraft extracts the JSON object from a completion, unwrapping a
// markdown code fence when present.
func parseDraft(text string) (*Draft, error) {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var raw rawDraft
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, fmt.Errorf("malformed analysis: %w", err)
	}

	return raw.normalize()
}
