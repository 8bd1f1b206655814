package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/jornada/internal/idempotency"
	"github.com/pitabwire/jornada/model"
)

// IdempotencyKeyHeader carries the client-chosen key of a retryable POST.
const IdempotencyKeyHeader = "Idempotency-Key"

// reservationTTL bounds how long a crashed request can hold its key. It
// outlives the default handler timeout.
const reservationTTL = 2 * time.Minute

// Idempotency returns middleware that replays the stored response of a POST
// carrying an Idempotency-Key already seen from the same actor on the same
// path.
//
// The key is reserved before the handler runs, so of two concurrent requests
// with one key only the first executes; the other gets STATE_CONFLICT
// IdempotencyKeyInFlight and may retry. Reusing a key with a different body is
// STATE_CONFLICT IdempotencyKeyReused. Server errors release the key so the
// client can retry them. A store that cannot reserve is logged and the request
// proceeds unguarded.
func Idempotency(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				if tooLarge, ok := asMaxBytesError(err); ok {
					WriteError(w, r, tooLarge)
					return
				}
				WriteError(w, r, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			logger := requestLogger(ctx).With(zap.String("idempotency_key", clientKey))
			key := model.ActorFrom(ctx) + ":" + r.URL.Path + ":" + clientKey
			hash := idempotency.Hash(body)

			reserved, err := store.Reserve(ctx, key, hash, reservationTTL)
			if err != nil {
				logger.Warn("idempotency reservation failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				replay(w, r, store, key, clientKey, hash, logger)
				return
			}

			// The store outlives the request; a cancelled request must still
			// record or release its key.
			bg := context.WithoutCancel(ctx)
			settled := false
			defer func() {
				if !settled {
					if err := store.Release(bg, key); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}()

			cw := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status >= 500 {
				return
			}
			if err := store.Put(bg, key, idempotency.Record{
				RequestHash: hash,
				Status:      cw.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        cw.buf.Bytes(),
			}, ttl); err != nil {
				logger.Warn("idempotency store failed", zap.Error(err))
				return
			}
			settled = true
		})
	}
}

// replay answers a request whose key is already taken, by a finished request
// or one still running.
func replay(w http.ResponseWriter, r *http.Request, store idempotency.Store, key, clientKey, hash string, logger *zap.Logger) {
	rec, found, err := store.Get(r.Context(), key)
	switch {
	case err != nil:
		logger.Warn("idempotency lookup failed", zap.Error(err))
		WriteError(w, r, model.NewInternalError())
	case !found || rec.Pending && rec.RequestHash == hash:
		// Not found means the holder released between Reserve and Get.
		WriteError(w, r, model.NewStateConflictError(model.ConflictIdempotencyInFlight,
			"a request with Idempotency-Key "+clientKey+" is still in progress; retry shortly"))
	case rec.RequestHash != hash:
		WriteError(w, r, model.NewStateConflictError(model.ConflictIdempotencyKeyReused,
			"Idempotency-Key "+clientKey+" was already used with a different request body"))
	default:
		if rec.ContentType != "" {
			w.Header().Set("Content-Type", rec.ContentType)
		}
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(rec.Status)
		w.Write(rec.Body)
	}
}

// capturingWriter passes the response through and keeps a copy of it.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
