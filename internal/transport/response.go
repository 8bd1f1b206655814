// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the journey and billing API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/observability"
	"github.com/pitabwire/jornada/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrPayloadTooLarge:  http.StatusRequestEntityTooLarge,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrStateConflict:    http.StatusConflict,
	model.ErrValidationError:  http.StatusUnprocessableEntity,
	model.ErrBillingRule:      http.StatusUnprocessableEntity,
	model.ErrExternalDispatch: http.StatusBadGateway,
	model.ErrInternalError:    http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that carry no envelope are logged and answered
// with a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		requestLogger(r.Context()).Error("request failed", zap.Error(err))
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// untouched. A body cut off by BodyLimit is PAYLOAD_TOO_LARGE.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if tooLarge, ok := asMaxBytesError(err); ok {
			return tooLarge
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}

func asMaxBytesError(err error) (*model.ErrorEnvelope, bool) {
	var mbe *http.MaxBytesError
	if !errors.As(err, &mbe) {
		return nil, false
	}
	return model.NewPayloadTooLargeError(mbe.Limit), true
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, model.NewBadRequestError(name + " must be a positive integer")
	}
	return n, nil
}

// queryTime parses an optional RFC 3339 timestamp or YYYY-MM-DD date query
// parameter. Dates are taken as midnight UTC.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, model.NewBadRequestError(name + " must be an RFC 3339 timestamp or a YYYY-MM-DD date")
}
