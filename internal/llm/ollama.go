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

type OllamaConfig struct {
	BaseURL   string
	Model     string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// OllamaClient uses the non-streaming Ollama generate endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "llama3"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		limiter: newLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (c *OllamaClient) Model() string { return c.model }
func (c *OllamaClient) Provider() string { return "ollama" }

func (c *OllamaClient) Complete(ctx context.Context, prompt string, opts Options) (Completion, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return Completion{}, err
	}

	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	payload := map[string]any{
		"model":   c.model,
		"prompt":  prompt,
		"stream":  false,
		"options": options,
	}

	var parsed struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := httpx.PostJSON(ctx, c.client, c.baseURL+"/api/generate", nil, payload, &parsed); err != nil {
		return Completion{}, classify(fmt.Errorf("ollama generate: %w", err))
	}
	if parsed.Error != "" {
		return Completion{}, fmt.Errorf("ollama generate: %s", parsed.Error)
	}
	return Completion{
		Text:     parsed.Response,
		Model:    c.model,
		Provider: c.Provider(),
	}, nil
}
