package answer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/datapulse/datapulse/internal/cache"
	"github.com/datapulse/datapulse/internal/catalog"
	"github.com/datapulse/datapulse/internal/generate"
	"github.com/datapulse/datapulse/internal/history"
	"github.com/datapulse/datapulse/internal/query"
	"github.com/datapulse/datapulse/internal/ratelimit"
	"github.com/datapulse/datapulse/internal/session"
)

type stubGenerator struct {
	sql   string
	err   error
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, _ generate.Request) (generate.Result, error) {
	g.calls++
	if g.err != nil {
		return generate.Result{}, g.err
	}
	return generate.Result{SQL: g.sql, Provider: "stub"}, nil
}

type stubEngine struct {
	result query.Result
	err    error
	calls  int
}

func (e *stubEngine) Execute(_ context.Context, _ *query.Handle, _ query.Request) (query.Result, error) {
	e.calls++
	if e.err != nil {
		return query.Result{}, e.err
	}
	return e.result, nil
}

type stubRecorder struct {
	entries []history.Entry
}

func (r *stubRecorder) Record(_ context.Context, entry history.Entry) (int64, error) {
	r.entries = append(r.entries, entry)
	return int64(len(r.entries)), nil
}

func newTestService(t *testing.T, model, fallback generate.Generator, engine query.Engine) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(time.Hour, logger)
	demoHandle := &query.Handle{Fingerprint: catalog.Demo().Fingerprint()}

	service, err := NewService(
		logger,
		cache.New(10, time.Hour),
		ratelimit.New(100, time.Minute),
		registry,
		engine,
		model,
		fallback,
		demoHandle,
		Config{RowLimit: 100},
	)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return service
}

func TestAnswerExecutesAndCaches(t *testing.T) {
	engine := &stubEngine{result: query.Result{
		Columns:  []string{"count"},
		Rows:     [][]any{{int64(42)}},
		RowCount: 1,
	}}
	fallback := &stubGenerator{sql: "SELECT COUNT(*) AS count FROM customers"}
	service := newTestService(t, nil, fallback, engine)
	recorder := &stubRecorder{}
	service.SetRecorder(recorder)

	req := Request{CallerID: "caller-1", Question: "How many customers are there?"}
	response, err := service.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if response.Cached || response.RowCount != 1 || response.SQL == "" {
		t.Fatalf("response = %+v", response)
	}

	// Second ask is served from cache without touching generation or engine.
	second, err := service.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("second Answer() error = %v", err)
	}
	if !second.Cached {
		t.Fatal("second answer should be cached")
	}
	if engine.calls != 1 || fallback.calls != 1 {
		t.Fatalf("engine calls = %d, generator calls = %d", engine.calls, fallback.calls)
	}
	if len(recorder.entries) != 2 {
		t.Fatalf("history entries = %d", len(recorder.entries))
	}
	if recorder.entries[0].Outcome != OutcomeAnswered || recorder.entries[1].Outcome != OutcomeCached {
		t.Fatalf("outcomes = %s, %s", recorder.entries[0].Outcome, recorder.entries[1].Outcome)
	}
}

func TestAnswerRateLimited(t *testing.T) {
	engine := &stubEngine{result: query.Result{Columns: []string{"c"}, Rows: [][]any{}}}
	fallback := &stubGenerator{sql: "SELECT COUNT(*) AS count FROM customers"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(time.Hour, logger)

	service, err := NewService(
		logger,
		cache.New(10, time.Hour),
		ratelimit.New(1, time.Minute),
		registry,
		engine,
		nil,
		fallback,
		&query.Handle{Fingerprint: catalog.Demo().Fingerprint()},
		Config{RowLimit: 100},
	)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "how many customers"}); err != nil {
		t.Fatalf("first Answer() error = %v", err)
	}
	_, err = service.Answer(context.Background(), Request{CallerID: "c1", Question: "list products"})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeRateLimited {
		t.Fatalf("err = %v, want RATE_LIMITED", err)
	}
	if !refuse.Retryable || refuse.RetryAfter <= 0 {
		t.Fatalf("refusal = %+v", refuse)
	}
}

func TestAnswerRejectsUnsafeGeneration(t *testing.T) {
	engine := &stubEngine{}
	fallback := &stubGenerator{sql: "DROP TABLE customers"}
	service := newTestService(t, nil, fallback, engine)

	_, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "drop everything"})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeValidationFailed {
		t.Fatalf("err = %v, want VALIDATION_FAILED", err)
	}
	if refuse.Context["rule"] == "" {
		t.Fatalf("refusal context = %+v", refuse.Context)
	}
	if engine.calls != 0 {
		t.Fatal("rejected statement must not reach the engine")
	}
}

func TestAnswerGenerationUnmatched(t *testing.T) {
	service := newTestService(t, nil, &stubGenerator{err: generate.ErrNoMatch}, &stubEngine{})

	_, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "what is the meaning of life"})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeGenerationUnmatched {
		t.Fatalf("err = %v, want GENERATION_UNMATCHED", err)
	}
	if refuse.Retryable {
		t.Fatal("unmatched questions are not retryable")
	}
}

func TestAnswerModelFailureSurfacesAsUnavailable(t *testing.T) {
	model := &stubGenerator{err: generate.ErrUnavailable}
	fallback := &stubGenerator{err: generate.ErrNoMatch}
	service := newTestService(t, model, fallback, &stubEngine{})

	_, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "something exotic"})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeGenerationUnavailable {
		t.Fatalf("err = %v, want GENERATION_UNAVAILABLE", err)
	}
	if !refuse.Retryable {
		t.Fatal("unavailable generation should be retryable")
	}
}

func TestAnswerModelFailureFallsBack(t *testing.T) {
	model := &stubGenerator{err: generate.ErrUnavailable}
	fallback := &stubGenerator{sql: "SELECT COUNT(*) AS count FROM customers"}
	engine := &stubEngine{result: query.Result{Columns: []string{"count"}, Rows: [][]any{{int64(1)}}, RowCount: 1}}
	service := newTestService(t, model, fallback, engine)

	response, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "how many customers"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if response.Provider != "stub" || model.calls != 1 || fallback.calls != 1 {
		t.Fatalf("response = %+v, model calls = %d, fallback calls = %d", response, model.calls, fallback.calls)
	}
}

func TestAnswerExecutionTimeout(t *testing.T) {
	engine := &stubEngine{err: query.ErrTimeout}
	fallback := &stubGenerator{sql: "SELECT COUNT(*) AS count FROM customers"}
	service := newTestService(t, nil, fallback, engine)

	_, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "how many customers"})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeExecutionTimeout {
		t.Fatalf("err = %v, want EXECUTION_TIMEOUT", err)
	}
	if !refuse.Retryable {
		t.Fatal("timeouts should be retryable")
	}
}

// Two live sessions: a query generated against one session's catalog can
// never execute, or be served from cache, through the other session's id.
func TestAnswerSessionIsolation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(time.Hour, logger)
	engine := &stubEngine{result: query.Result{
		Columns:  []string{"id"},
		Rows:     [][]any{{int64(1)}},
		RowCount: 1,
	}}
	generator := &stubGenerator{sql: "SELECT * FROM beta"}

	service, err := NewService(
		logger,
		cache.New(10, time.Hour),
		ratelimit.New(100, time.Minute),
		registry,
		engine,
		nil,
		generator,
		&query.Handle{Fingerprint: catalog.Demo().Fingerprint()},
		Config{RowLimit: 100},
	)
	if err != nil {
		t.Fatal(err)
	}

	catA := catalog.New([]catalog.Table{{Name: "alpha", Columns: []string{"id", "note"}}})
	catB := catalog.New([]catalog.Table{{Name: "beta", Columns: []string{"id"}}})
	sessionA := registry.Create(session.KindCustom, catA, &query.Handle{Fingerprint: catA.Fingerprint()}, "")
	sessionB := registry.Create(session.KindCustom, catB, &query.Handle{Fingerprint: catB.Fingerprint()}, "")

	// The owning session answers normally.
	response, err := service.Answer(context.Background(), Request{
		CallerID:  "c1",
		SessionID: sessionB.ID,
		Question:  "list the beta rows",
	})
	if err != nil {
		t.Fatalf("Answer() via owning session error = %v", err)
	}
	if response.RowCount != 1 {
		t.Fatalf("response = %+v", response)
	}

	// The same question through the other session is rejected, not served
	// from the first session's cache.
	_, err = service.Answer(context.Background(), Request{
		CallerID:  "c1",
		SessionID: sessionA.ID,
		Question:  "list the beta rows",
	})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeValidationFailed {
		t.Fatalf("err = %v, want VALIDATION_FAILED", err)
	}
	if refuse.Context["rule"] != "unknown-table" {
		t.Fatalf("refusal context = %+v", refuse.Context)
	}
	if engine.calls != 1 {
		t.Fatalf("engine calls = %d, want 1", engine.calls)
	}
}

func TestAnswerUnknownSession(t *testing.T) {
	service := newTestService(t, nil, &stubGenerator{sql: "SELECT 1"}, &stubEngine{})

	_, err := service.Answer(context.Background(), Request{
		CallerID:  "c1",
		SessionID: "11111111-1111-4111-8111-111111111111",
		Question:  "how many rows",
	})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeSessionNotFound {
		t.Fatalf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestAnswerEmptyQuestion(t *testing.T) {
	service := newTestService(t, nil, &stubGenerator{sql: "SELECT 1"}, &stubEngine{})

	_, err := service.Answer(context.Background(), Request{CallerID: "c1", Question: "  ;;  "})
	var refuse *Error
	if !errors.As(err, &refuse) || refuse.Code != CodeValidationFailed {
		t.Fatalf("err = %v, want VALIDATION_FAILED", err)
	}
}
