// Package llm holds the language-model clients used for SQL generation.
package llm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sqlrag/sqlrag/internal/httpx"
)

// ErrUnavailable marks failures worth retrying: timeouts, transport errors
// and 408/429/5xx answers.
var ErrUnavailable = errors.New("language model unavailable")

type Options struct {
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Text     string
	Model    string
	Provider string
}

type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (Completion, error)
	Model() string
	Provider() string
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if httpx.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: rate limit: %w", ErrUnavailable, err)
	}
	return nil
}
