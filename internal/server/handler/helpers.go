package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const maxBody = 1 << 20

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string                   `json:"error"`
	Issues []domain.ValidationIssue `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps a service error onto a status code. Only
// unclassified errors are logged; their text is not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	var (
		qe *domain.QuoteError
		ve *domain.ValidationError
		ce *domain.CoordinationError
	)
	switch {
	case errors.As(err, &qe):
		writeError(w, http.StatusBadGateway, qe.Error())
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Issues: ve.Issues})
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ce.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "wallet does not own this resource")
	case errors.Is(err, domain.ErrUnsupported):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	default:
		logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts reads limit, offset, since and until from the query string.
// Defaults: limit=50 (max 500), offset=0. Times are RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("limit must be a positive integer")
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, fmt.Errorf("%s must be RFC 3339", name)
			}
			*dst = &t
		}
	}
	return opts, nil
}
