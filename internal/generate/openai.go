package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIGenerator is the model-backed strategy, speaking the chat-completions
// protocol of OpenAI-compatible services. Failures are soft: callers fall
// back to the deterministic generator on any error.
type OpenAIGenerator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
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
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAIGenerator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(g.buildPayload(req))
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read chat response: %w", ErrUnavailable)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d: %w", resp.StatusCode, ErrUnavailable)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat completion: %w", ErrUnavailable)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("empty chat completion choices: %w", ErrUnavailable)
	}

	sqlText := stripMarkdownSQL(parsed.Choices[0].Message.Content)
	sqlText = strings.Join(strings.Fields(sqlText), " ")
	if sqlText == "" {
		return Result{}, fmt.Errorf("model returned empty SQL: %w", ErrUnavailable)
	}
	return Result{SQL: sqlText, Provider: "openai-compatible", Model: g.model}, nil
}

func (g *OpenAIGenerator) buildPayload(req Request) map[string]any {
	systemPrompt := "You convert natural language questions into a single SQLite SELECT query. " +
		"Return ONLY SQL. No markdown, no explanation."
	userPrompt := fmt.Sprintf(
		"Database schema:\n%s\nQuestion:\n%s\n\nRules:\n"+
			"- Generate ONLY a SELECT query, never INSERT/UPDATE/DELETE/DROP/ALTER/CREATE.\n"+
			"- Use only listed tables and columns.\n"+
			"- Use SQLite syntax; for dates use strftime and date functions.\n"+
			"- Use explicit JOIN syntax.\n"+
			"- Output a single SQL query only.",
		req.Catalog.Describe(),
		strings.TrimSpace(req.Question),
	)
	return map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": g.temperature,
	}
}
