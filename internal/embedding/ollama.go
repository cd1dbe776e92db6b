package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sqlrag/sqlrag/internal/httpx"
)

type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OllamaEmbedder calls the Ollama embeddings endpoint once per text.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "nomic-embed-text"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (o *OllamaEmbedder) Model() string {
	return o.model
}

func (o *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		payload := map[string]any{"model": o.model, "prompt": text}
		if err := httpx.PostJSON(ctx, o.client, o.baseURL+"/api/embeddings", nil, payload, &parsed); err != nil {
			return nil, fmt.Errorf("ollama embeddings: %w", err)
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}
