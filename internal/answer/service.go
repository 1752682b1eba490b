// Package answer orchestrates the question-to-result pipeline: admission,
// cache, generation, validation, execution, and the audit trail. Every
// decision point refuses with a typed code so the API layer can map refusals
// to statuses without inspecting messages.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datapulse/datapulse/internal/archive"
	"github.com/datapulse/datapulse/internal/cache"
	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/generate"
	"github.com/datapulse/datapulse/internal/history"
	"github.com/datapulse/datapulse/internal/observability"
	"github.com/datapulse/datapulse/internal/query"
	"github.com/datapulse/datapulse/internal/ratelimit"
	"github.com/datapulse/datapulse/internal/session"
	"github.com/datapulse/datapulse/internal/validate"
)

const (
	OutcomeAnswered              = "answered"
	OutcomeCached                = "cached"
	OutcomeRateLimited           = "rate_limited"
	OutcomeValidationRejected    = "validation_rejected"
	OutcomeGenerationUnavailable = "generation_unavailable"
	OutcomeGenerationUnmatched   = "generation_unmatched"
	OutcomeExecutionTimeout      = "execution_timeout"
	OutcomeExecutionFailed       = "execution_failed"
)

type Request struct {
	CallerID  string
	SessionID string
	Question  string
}

type Response struct {
	SQL      string
	Columns  []string
	Rows     [][]any
	RowCount int
	Cached   bool
	Provider string
	Duration time.Duration
}

// Recorder persists answered questions; Archiver batches them for offline
// analysis. Both are optional and best-effort.
type Recorder interface {
	Record(ctx context.Context, entry history.Entry) (int64, error)
}

type Archiver interface {
	Append(ctx context.Context, record archive.Record)
}

type Config struct {
	RowLimit        int
	StrictValidator bool
}

type Service struct {
	logger   *slog.Logger
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	sessions *session.Registry
	engine   query.Engine

	model    generate.Generator
	fallback generate.Generator

	demoCatalog catalog.Catalog
	demoHandle  *query.Handle

	recorder Recorder
	archiver Archiver

	cfg Config
}

func NewService(
	logger *slog.Logger,
	resultCache *cache.Cache,
	limiter *ratelimit.Limiter,
	sessions *session.Registry,
	engine query.Engine,
	model generate.Generator,
	fallback generate.Generator,
	demoHandle *query.Handle,
	cfg Config,
) (*Service, error) {
	if resultCache == nil || limiter == nil || sessions == nil || engine == nil {
		return nil, fmt.Errorf("cache, limiter, sessions and engine are required")
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback generator is required")
	}
	if demoHandle == nil {
		return nil, fmt.Errorf("demo handle is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = 1000
	}
	return &Service{
		logger:      logger,
		cache:       resultCache,
		limiter:     limiter,
		sessions:    sessions,
		engine:      engine,
		model:       model,
		fallback:    fallback,
		demoCatalog: catalog.Demo(),
		demoHandle:  demoHandle,
		cfg:         cfg,
	}, nil
}

// SetRecorder wires the optional history store.
func (s *Service) SetRecorder(recorder Recorder) { s.recorder = recorder }

// SetArchiver wires the optional parquet archiver.
func (s *Service) SetArchiver(archiver Archiver) { s.archiver = archiver }

// Answer runs the full pipeline for one question.
func (s *Service) Answer(ctx context.Context, req Request) (Response, error) {
	started := time.Now()

	cat, handle, validateOpts, err := s.resolveScope(req.SessionID)
	if err != nil {
		return Response{}, err
	}

	if decision := s.limiter.Admit(req.CallerID); !decision.Allowed {
		observability.IncrementRateLimitDenial()
		s.finish(ctx, req, OutcomeRateLimited, string(CodeRateLimited), "", nil, started)
		refuse := refusal(CodeRateLimited, "too many requests, slow down")
		refuse.Retryable = true
		refuse.RetryAfter = decision.RetryAfter
		return Response{}, refuse
	}

	normalized := generate.NormalizeQuestion(req.Question)
	if normalized == "" {
		s.finish(ctx, req, OutcomeValidationRejected, string(CodeValidationFailed), "", nil, started)
		return Response{}, refusal(CodeValidationFailed, "question is empty")
	}

	cacheKey := cache.Key(normalized, cat.Fingerprint())
	if entry, ok := s.cache.Get(cacheKey); ok {
		observability.ObserveCacheLookup(true)
		response := Response{
			SQL:      entry.SQL,
			Columns:  entry.Columns,
			Rows:     entry.Rows,
			RowCount: len(entry.Rows),
			Cached:   true,
			Provider: "cache",
			Duration: time.Since(started),
		}
		s.finish(ctx, req, OutcomeCached, "", entry.SQL, &response, started)
		return response, nil
	}
	observability.ObserveCacheLookup(false)

	result, genErr := s.generate(ctx, generate.Request{Question: normalized, Catalog: cat})
	if genErr != nil {
		var code ErrorCode
		var outcome string
		if errors.Is(genErr, generate.ErrNoMatch) {
			code, outcome = CodeGenerationUnmatched, OutcomeGenerationUnmatched
		} else {
			code, outcome = CodeGenerationUnavailable, OutcomeGenerationUnavailable
		}
		s.finish(ctx, req, outcome, string(code), "", nil, started)
		refuse := refusal(code, "could not produce a query for this question")
		refuse.Retryable = code == CodeGenerationUnavailable
		return Response{}, refuse
	}

	if verdict := validate.Validate(result.SQL, cat, validateOpts); !verdict.Approved {
		observability.IncrementValidationRejection(string(verdict.Kind))
		s.logger.WarnContext(ctx, "generated statement rejected",
			"kind", string(verdict.Kind),
			"fragment", verdict.Fragment,
			"provider", result.Provider,
		)
		s.finish(ctx, req, OutcomeValidationRejected, string(CodeValidationFailed), "", nil, started)
		refuse := refusal(CodeValidationFailed, "generated query failed safety validation")
		refuse.Context = map[string]string{"rule": string(verdict.Kind)}
		return Response{}, refuse
	}

	execResult, execErr := s.engine.Execute(ctx, handle, query.Request{
		SQL:                result.SQL,
		CatalogFingerprint: cat.Fingerprint(),
		RowLimit:           s.cfg.RowLimit,
	})
	if execErr != nil {
		if errors.Is(execErr, query.ErrTimeout) {
			s.finish(ctx, req, OutcomeExecutionTimeout, string(CodeExecutionTimeout), result.SQL, nil, started)
			refuse := refusal(CodeExecutionTimeout, "query exceeded the execution time limit")
			refuse.Retryable = true
			return Response{}, refuse
		}
		s.logger.ErrorContext(ctx, "query execution failed", "error", execErr)
		s.finish(ctx, req, OutcomeExecutionFailed, string(CodeExecutionFailed), result.SQL, nil, started)
		return Response{}, refusal(CodeExecutionFailed, "query could not be executed")
	}

	s.cache.Put(cacheKey, cache.Entry{SQL: result.SQL, Columns: execResult.Columns, Rows: execResult.Rows})

	response := Response{
		SQL:      result.SQL,
		Columns:  execResult.Columns,
		Rows:     execResult.Rows,
		RowCount: execResult.RowCount,
		Provider: result.Provider,
		Duration: time.Since(started),
	}
	s.finish(ctx, req, OutcomeAnswered, "", result.SQL, &response, started)
	return response, nil
}

// resolveScope picks the catalog, handle and validator options for the
// request: the shared demo dataset when no session is named, the session's
// own dataset otherwise.
func (s *Service) resolveScope(sessionID string) (catalog.Catalog, *query.Handle, validate.Options, error) {
	if sessionID == "" {
		opts := validate.Options{Strictness: validate.StrictnessLenient, Aliases: catalog.DemoAliases()}
		return s.demoCatalog, s.demoHandle, opts, nil
	}

	sess, err := s.sessions.Lookup(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return catalog.Catalog{}, nil, validate.Options{}, refusal(CodeSessionExpired, "session has expired")
		}
		return catalog.Catalog{}, nil, validate.Options{}, refusal(CodeSessionNotFound, "session not found")
	}
	if sess.Kind == session.KindDemo {
		opts := validate.Options{Strictness: validate.StrictnessLenient, Aliases: catalog.DemoAliases()}
		return s.demoCatalog, s.demoHandle, opts, nil
	}

	strictness := validate.StrictnessLenient
	if s.cfg.StrictValidator {
		strictness = validate.StrictnessStrict
	}
	return sess.Catalog, sess.Handle, validate.Options{Strictness: strictness}, nil
}

// generate runs the model strategy first and falls back to the deterministic
// templates. A model failure is soft: it only surfaces if the fallback also
// has nothing to offer.
func (s *Service) generate(ctx context.Context, req generate.Request) (generate.Result, error) {
	var modelErr error
	if s.model != nil {
		result, err := s.model.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		modelErr = err
		s.logger.WarnContext(ctx, "model generation failed, trying fallback", "error", err)
	}

	result, err := s.fallback.Generate(ctx, req)
	if err == nil {
		observability.IncrementGenerationFallback()
		return result, nil
	}
	if errors.Is(err, generate.ErrNoMatch) && modelErr != nil {
		return generate.Result{}, fmt.Errorf("model unavailable and no fallback match: %w", generate.ErrUnavailable)
	}
	return generate.Result{}, err
}

// finish records the outcome in metrics, history and the archive. History
// and archive failures are logged and swallowed.
func (s *Service) finish(ctx context.Context, req Request, outcome, errorCode, sqlText string, response *Response, started time.Time) {
	elapsed := time.Since(started)
	observability.ObserveAnswer(outcome, elapsed)
	observability.SetActiveSessions(s.sessions.Len())

	rowCount := 0
	cached := false
	if response != nil {
		rowCount = response.RowCount
		cached = response.Cached
	}

	if s.recorder != nil {
		if _, err := s.recorder.Record(ctx, history.Entry{
			CallerID:   req.CallerID,
			SessionID:  req.SessionID,
			Question:   req.Question,
			SQL:        sqlText,
			Outcome:    outcome,
			ErrorCode:  errorCode,
			Cached:     cached,
			RowCount:   rowCount,
			DurationMS: elapsed.Milliseconds(),
		}); err != nil {
			s.logger.WarnContext(ctx, "record answer history", "error", err)
		}
	}
	if s.archiver != nil {
		s.archiver.Append(ctx, archive.Record{
			CallerID:   req.CallerID,
			SessionID:  req.SessionID,
			Question:   req.Question,
			SQL:        sqlText,
			Outcome:    outcome,
			Cached:     cached,
			RowCount:   rowCount,
			DurationMS: elapsed.Milliseconds(),
			AskedAt:    started,
		})
	}
}
