package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sqlrag/sqlrag/internal/httpx"
)

const defaultSystemPrompt = "You translate natural language questions into a single SQL statement. Return ONLY SQL."

type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
	RateLimit    float64
	RateBurst    int
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	client       *http.Client
	limiter      *rate.Limiter
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: timeout},
		limiter:      newLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (c *OpenAIClient) Model() string { return c.model }
func (c *OpenAIClient) Provider() string { return "openai-compatible" }

func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts Options) (Completion, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return Completion{}, err
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": c.systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := httpx.PostJSON(ctx, c.client, c.baseURL+"/v1/chat/completions", headers, payload, &parsed); err != nil {
		return Completion{}, classify(fmt.Errorf("chat completion: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty chat completion choices")
	}
	return Completion{
		Text:     parsed.Choices[0].Message.Content,
		Model:    c.model,
		Provider: c.Provider(),
	}, nil
}
