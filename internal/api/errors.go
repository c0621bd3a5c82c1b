// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/telemetry"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps the typed store errors onto HTTP statuses and marks
// the request span. Unknown errors become opaque 500s; callers never see
// internals.
func writeStoreError(ctx context.Context, w http.ResponseWriter, err error) {
	status, label := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrForbidden):
		status, label = http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotMember):
		status, label = http.StatusUnprocessableEntity, "not_a_member"
	case errors.Is(err, store.ErrFull):
		status, label = http.StatusConflict, "session_full"
	case errors.Is(err, store.ErrTerminal):
		status, label = http.StatusGone, "session_ended"
	case errors.Is(err, store.ErrIllegalTransition):
		status, label = http.StatusConflict, "illegal_transition"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrExhausted):
		status, label = http.StatusConflict, "conflict"
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.ErrorAttributes(label)...)
	writeJSON(w, status, errorBody{Error: label})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}
