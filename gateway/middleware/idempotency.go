package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"settld/core/store"
)

// HeaderIdempotencyKey is the header side-effecting requests must carry.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// IdempotentMethods are the HTTP methods the Idempotency middleware
// enforces a key on. Reads never need one.
var IdempotentMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: message})
}

// Idempotency enforces spec's (tenantId, key) -> {requestFingerprint,
// response} replay semantics for every side-effecting request: a repeat of
// the same key with the same body replays the stored response verbatim; a
// repeat with a different body is rejected as a conflict.
func Idempotency(st store.Store, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IdempotentMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			tenantID, _ := TenantIDFromContext(r.Context())
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				writeAPIError(w, http.StatusBadRequest, "IDEMPOTENCY_KEY_REQUIRED", "X-Idempotency-Key header is required")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeAPIError(w, http.StatusBadRequest, "REQUEST_BODY_UNREADABLE", "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := fingerprintRequest(r.Method, r.URL.Path, body)

			existing, err := st.GetIdempotencyRecord(r.Context(), tenantID, key)
			var notFound *store.NotFoundError
			switch {
			case err == nil:
				if existing.RequestFingerprint != fingerprint {
					writeAPIError(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", "idempotency key reused with a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(existing.ResponseStatus)
				_, _ = w.Write(existing.ResponseBody)
				return
			case errors.As(err, &notFound):
				// first use of this key, fall through to execute the handler
			default:
				writeAPIError(w, http.StatusInternalServerError, "IDEMPOTENCY_STORE_ERROR", "failed to check idempotency record")
				return
			}

			recorder := &idempotencyRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			record := store.IdempotencyRecord{
				TenantID:           tenantID,
				Key:                key,
				RequestFingerprint: fingerprint,
				ResponseStatus:     recorder.status,
				ResponseBody:       recorder.buf.Bytes(),
				CreatedAt:          now().UTC().Format(time.RFC3339),
			}
			_ = st.CommitTx(context.Background(), store.Batch{
				At:  record.CreatedAt,
				Ops: []store.Op{store.IdempotencyPutOp{Record: record}},
			})
		})
	}
}

func fingerprintRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// idempotencyRecorder buffers the response so it can be persisted as the
// replay payload for future requests with the same key.
type idempotencyRecorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rr *idempotencyRecorder) WriteHeader(status int) {
	rr.status = status
	rr.wroteHeader = true
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *idempotencyRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
