package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/datapulse/datapulse/internal/answer"
)

type answerRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type answerResponse struct {
	SQL        string   `json:"sql"`
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Cached     bool     `json:"cached"`
	Provider   string   `json:"provider"`
	DurationMS int64    `json:"duration_ms"`
}

func handleAnswer(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWERS_NOT_CONFIGURED", "answering service is not configured", false, nil)
		return
	}

	var request answerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid answer request body", false, map[string]any{"details": err.Error()})
		return
	}

	response, err := deps.Answers.Answer(r.Context(), answer.Request{
		CallerID:  callerFromRequest(r),
		SessionID: request.SessionID,
		Question:  request.Question,
	})
	if err != nil {
		writeRefusal(w, r, err)
		return
	}

	rows := response.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, answerResponse{
		SQL:        response.SQL,
		Columns:    response.Columns,
		Rows:       rows,
		RowCount:   response.RowCount,
		Cached:     response.Cached,
		Provider:   response.Provider,
		DurationMS: response.Duration.Milliseconds(),
	})
}

// writeRefusal maps a pipeline refusal onto an HTTP status. Unknown errors
// are reported as internal without detail.
func writeRefusal(w http.ResponseWriter, r *http.Request, err error) {
	var refuse *answer.Error
	if !errors.As(err, &refuse) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "internal error", false, nil)
		return
	}

	status := http.StatusInternalServerError
	switch refuse.Code {
	case answer.CodeRateLimited:
		status = http.StatusTooManyRequests
		seconds := int(refuse.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	case answer.CodeValidationFailed, answer.CodeGenerationUnmatched:
		status = http.StatusUnprocessableEntity
	case answer.CodeGenerationUnavailable:
		status = http.StatusBadGateway
	case answer.CodeExecutionTimeout:
		status = http.StatusGatewayTimeout
	case answer.CodeExecutionFailed:
		status = http.StatusInternalServerError
	case answer.CodeSessionNotFound:
		status = http.StatusNotFound
	case answer.CodeSessionExpired:
		status = http.StatusGone
	}

	var extra map[string]any
	if len(refuse.Context) > 0 {
		extra = make(map[string]any, len(refuse.Context))
		for key, value := range refuse.Context {
			extra[key] = value
		}
	}
	writeError(r.Context(), w, status, string(refuse.Code), refuse.Message, refuse.Retryable, extra)
}
