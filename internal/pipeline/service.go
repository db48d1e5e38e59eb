// Package pipeline runs one natural-language question through generation,
// execution, normalization and, for relational failures, explanation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calldataai/calldata/internal/llm"
	"github.com/calldataai/calldata/internal/observability"
	"github.com/calldataai/calldata/internal/prompt"
	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/result"
)

type Request struct {
	Question   string
	DataSource string
}

// Failure describes a generated query that did not execute. Explanation is
// only set for relational failures.
type Failure struct {
	Dialect     query.Dialect
	Error       string
	Explanation string
}

type Response struct {
	Dialect query.Dialect
	Query   string
	// Result is the normalized, JSON-safe result; nil when Failure is set.
	Result  any
	Columns []string
	Failure *Failure
}

type Engines struct {
	Relational query.Engine
	Tabular    query.Engine
}

type Options struct {
	GenerateTimeout   time.Duration
	RelationalTimeout time.Duration
	TabularTimeout    time.Duration
	Logger            *slog.Logger
}

type Service struct {
	composer  *prompt.Composer
	generator llm.Generator
	engines   Engines
	explainer *Explainer
	opts      Options
	logger    *slog.Logger
}

func NewService(composer *prompt.Composer, generator llm.Generator, engines Engines, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		composer:  composer,
		generator: generator,
		engines:   engines,
		explainer: newExplainer(generator, composer, opts.GenerateTimeout),
		opts:      opts,
		logger:    logger,
	}
}

// Ask answers one request. Execution failures are reported in
// Response.Failure with a nil error. Validation, generation and interruption
// failures are returned as errors, together with whatever part of the
// response was already known.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, &query.ValidationError{Field: "question", Message: "question is required"}
	}
	dialect, err := query.ParseDialect(req.DataSource)
	if err != nil {
		return Response{}, err
	}
	engine := s.engine(dialect)
	if engine == nil {
		return Response{}, &query.ValidationError{Field: "data_source", Message: fmt.Sprintf("data source %q is not available", dialect.Label())}
	}
	instructions, err := s.composer.Compose(dialect)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Dialect: dialect}
	text, err := s.generate(ctx, instructions, question)
	if err != nil {
		s.logger.Warn("query_generation_failed", observability.TraceAttr(ctx), slog.String("dialect", string(dialect)), slog.String("error", err.Error()))
		return resp, err
	}
	resp.Query = text
	s.logger.Info("query_generated", observability.TraceAttr(ctx), slog.String("dialect", string(dialect)), slog.Int("query_bytes", len(text)))

	start := time.Now()
	value, err := s.execute(ctx, engine, dialect, text)
	elapsed := time.Since(start)
	if err != nil {
		var interrupted *query.InterruptedError
		if errors.As(err, &interrupted) {
			observability.ObserveExecution(string(dialect), observability.OutcomeInterrupted, elapsed)
			s.logger.Warn("query_interrupted", observability.TraceAttr(ctx), slog.String("dialect", string(dialect)), slog.Duration("duration", elapsed))
			return resp, err
		}
		observability.ObserveExecution(string(dialect), observability.OutcomeError, elapsed)

		var execErr *query.ExecutionError
		if !errors.As(err, &execErr) {
			execErr = &query.ExecutionError{Dialect: dialect, Query: text, Message: err.Error(), Err: err}
		}
		resp.Failure = &Failure{Dialect: dialect, Error: execErr.Message}
		s.logger.Info("query_failed", observability.TraceAttr(ctx), slog.String("dialect", string(dialect)), slog.String("error", execErr.Message), slog.Duration("duration", elapsed))

		if dialect != query.DialectRelational {
			return resp, nil
		}
		explanation, err := s.explainer.Explain(ctx, text, execErr.Message)
		if err != nil {
			s.logger.Warn("explanation_failed", observability.TraceAttr(ctx), slog.String("error", err.Error()))
			return resp, err
		}
		resp.Failure.Explanation = explanation
		return resp, nil
	}

	observability.ObserveExecution(string(dialect), observability.OutcomeSuccess, elapsed)
	resp.Result = result.Normalize(value)
	if dialect == query.DialectTabular {
		resp.Columns = s.composer.Columns()
	} else {
		resp.Columns = result.ColumnNames(value)
	}
	s.logger.Info("query_succeeded", observability.TraceAttr(ctx), slog.String("dialect", string(dialect)), slog.Duration("duration", elapsed))
	return resp, nil
}

func (s *Service) engine(dialect query.Dialect) query.Engine {
	switch dialect {
	case query.DialectRelational:
		return s.engines.Relational
	case query.DialectTabular:
		return s.engines.Tabular
	default:
		return nil
	}
}

func (s *Service) generate(ctx context.Context, instructions, question string) (string, error) {
	if s.opts.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.GenerateTimeout)
		defer cancel()
	}
	start := time.Now()
	text, err := s.generator.Generate(ctx, instructions, question)
	if err != nil {
		if query.IsInterruption(err) || ctx.Err() != nil {
			observability.ObserveGeneration(query.StageGenerate, observability.OutcomeInterrupted, time.Since(start))
			return "", &query.InterruptedError{Stage: query.StageGenerate, Err: interruptionCause(ctx, err)}
		}
		observability.ObserveGeneration(query.StageGenerate, observability.OutcomeError, time.Since(start))
		return "", &query.GenerationError{Stage: query.StageGenerate, Err: err}
	}
	observability.ObserveGeneration(query.StageGenerate, observability.OutcomeSuccess, time.Since(start))
	return text, nil
}

func (s *Service) execute(ctx context.Context, engine query.Engine, dialect query.Dialect, text string) (result.Value, error) {
	timeout := s.opts.RelationalTimeout
	if dialect == query.DialectTabular {
		timeout = s.opts.TabularTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return engine.Execute(ctx, text)
}
