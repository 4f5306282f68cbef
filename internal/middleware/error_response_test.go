package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/worknest/internal/model"
)

func TestWriteErrorResponse_Format(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("email", "形式が不正"))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeValidation || body.Category != model.CategoryValidation || body.Action == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", model.NewValidationError("f", "r"), http.StatusBadRequest},
		{"not logged in", model.NewNotLoggedInError(), http.StatusUnauthorized},
		{"auth", model.NewAuthError(nil), http.StatusUnauthorized},
		{"not found", model.NewNotFoundError("ユーザー", "x"), http.StatusNotFound},
		{"already exists", model.NewAlreadyExistsError("友達関係", "x"), http.StatusConflict},
		{"transient", model.NewTransientRemoteError("op", errors.New("down")), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteError_HidesUnexpectedDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	w := httptest.NewRecorder()
	WriteError(w, logger, errors.New("pq: secret detail"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("secret detail")) {
		t.Error("response leaked internal error detail")
	}
	if !bytes.Contains(buf.Bytes(), []byte("secret detail")) {
		t.Error("internal error detail was not logged")
	}
}

func TestWriteError_WrappedAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	err := errors.Join(errors.New("context"), model.NewNotFoundError("メモ", "n1"))
	WriteError(w, slog.Default(), err)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
