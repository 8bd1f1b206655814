package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/jornada/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNotFoundError("instance not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
	if resp.Error.Message != "instance not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("advance: %w", model.NewStateConflictError(model.ConflictInstanceNotActive, "instance is not active"))
	WriteError(w, httptest.NewRequest("GET", "/", nil), err)

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for wrapped conflict", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), fmt.Errorf("connection reset"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Error("internal error details leaked into the response")
	}
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, httptest.NewRequest("GET", "/", nil), []model.FieldError{
		{Field: "client_id", Code: "required", Message: "client_id is required"},
	})
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "client_id" {
		t.Errorf("details = %+v", resp.Error.Details)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrPayloadTooLarge, 413},
		{model.ErrUnauthorized, 401},
		{model.ErrNotFound, 404},
		{model.ErrStateConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrBillingRule, 422},
		{model.ErrExternalDispatch, 502},
		{model.ErrInternalError, 500},
		{"SOMETHING_ELSE", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest("GET", "/", nil), &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

// --- Request parsing ---

func TestDecodeBody_emptyBodyIsNoop(t *testing.T) {
	var dst struct{ Name string }
	dst.Name = "kept"
	if err := decodeBody(httptest.NewRequest("POST", "/", nil), &dst); err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if dst.Name != "kept" {
		t.Errorf("Name = %q, want kept", dst.Name)
	}
}

func TestDecodeBody_invalidJSON(t *testing.T) {
	var dst map[string]any
	err := decodeBody(httptest.NewRequest("POST", "/", strings.NewReader("{not json")), &dst)
	ee, ok := model.AsEnvelope(err)
	if !ok || ee.Code != model.ErrBadRequest {
		t.Errorf("err = %v, want BAD_REQUEST envelope", err)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 50, false},
		{"?page_size=10", 10, false},
		{"?page_size=0", 0, true},
		{"?page_size=-3", 0, true},
		{"?page_size=abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := queryInt(httptest.NewRequest("GET", "/"+tt.query, nil), "page_size", 50)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueryTime(t *testing.T) {
	got, err := queryTime(httptest.NewRequest("GET", "/?from=2026-03-01", nil), "from")
	if err != nil {
		t.Fatalf("queryTime: %v", err)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = queryTime(httptest.NewRequest("GET", "/?from=2026-03-01T10:30:00Z", nil), "from")
	if err != nil || got.Hour() != 10 {
		t.Errorf("got %v, %v; want 10:30 timestamp", got, err)
	}

	got, err = queryTime(httptest.NewRequest("GET", "/", nil), "from")
	if err != nil || got != nil {
		t.Errorf("absent parameter = %v, %v; want nil, nil", got, err)
	}

	if _, err := queryTime(httptest.NewRequest("GET", "/?from=yesterday", nil), "from"); err == nil {
		t.Error("expected error for unparseable date")
	}
}
