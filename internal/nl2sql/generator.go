// Package nl2sql asks a language model for SQL and extracts the statement
// from its answer.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sqlrag/sqlrag/internal/llm"
	"github.com/sqlrag/sqlrag/internal/observability"
	"github.com/sqlrag/sqlrag/internal/ragerr"
)

type Config struct {
	Temperature    float64
	MaxTokens      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Result struct {
	SQL      string `json:"sql"`
	Raw      string `json:"-"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
}

type Generator struct {
	completer llm.Completer
	cfg       Config
	logger    *slog.Logger
}

func NewGenerator(completer llm.Completer, cfg Config, logger *slog.Logger) (*Generator, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{completer: completer, cfg: cfg, logger: logger}, nil
}

func (g *Generator) Model() string { return g.completer.Model() }
func (g *Generator) Provider() string { return g.completer.Provider() }

// Generate sends prompt to the model and returns the extracted statement.
// Only unavailable-upstream failures are retried.
func (g *Generator) Generate(ctx context.Context, prompt string) (result Result, err error) {
	ctx, span := observability.StartSpan(ctx, "nl2sql.generate",
		attribute.String("llm.provider", g.completer.Provider()),
		attribute.String("llm.model", g.completer.Model()),
	)
	defer func() { observability.EndSpan(span, err) }()

	opts := llm.Options{Temperature: g.cfg.Temperature, MaxTokens: g.cfg.MaxTokens}
	var completion llm.Completion
	attempts := 0
	operation := func() error {
		attempts++
		c, err := g.completer.Complete(ctx, prompt, opts)
		switch {
		case err == nil:
			observability.ObserveLLMAttempt("ok")
			completion = c
			return nil
		case errors.Is(err, llm.ErrUnavailable) && ctx.Err() == nil:
			observability.ObserveLLMAttempt("unavailable")
			return err
		default:
			observability.ObserveLLMAttempt("error")
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		g.logger.WarnContext(ctx, "language model unavailable, retrying",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.Int("attempt", attempts),
			slog.String("backoff", wait.String()),
			slog.String("error", err.Error()),
		)
	}

	if err := backoff.RetryNotify(operation, g.policy(ctx), notify); err != nil {
		span.SetAttributes(attribute.Int("llm.attempts", attempts))
		return Result{}, g.classify(ctx, err, attempts)
	}
	span.SetAttributes(attribute.Int("llm.attempts", attempts))

	sql, ok := ExtractSQL(completion.Text)
	if !ok {
		return Result{}, ragerr.Generation(ragerr.ReasonNoSQLFound, nil, "model answer contains no SQL statement")
	}
	return Result{
		SQL:      sql,
		Raw:      completion.Text,
		Provider: completion.Provider,
		Model:    completion.Model,
		Attempts: attempts,
	}, nil
}

func (g *Generator) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.InitialBackoff
	exp.MaxInterval = g.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.cfg.MaxRetries)), ctx)
}

func (g *Generator) classify(ctx context.Context, err error, attempts int) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ragerr.Generation(ragerr.ReasonCanceled, err, "generation canceled")
	}
	if errors.Is(err, llm.ErrUnavailable) {
		return ragerr.Generation(ragerr.ReasonUpstreamUnavailable, err,
			fmt.Sprintf("language model unavailable after %d attempts", attempts))
	}
	return ragerr.Generation(ragerr.ReasonUpstreamError, err, "language model request failed")
}
