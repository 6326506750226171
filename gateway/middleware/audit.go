package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditConfig controls the Auditor's rotating file sink. Enabled false
// disables the middleware entirely, matching the nil-disables-a-layer
// convention the rest of gateway/httpapi follows.
type AuditConfig struct {
	Enabled    bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditEntry is one persisted request/response record, the same fields
// services/escrow-gateway/server.go's audit helper captures per call.
type AuditEntry struct {
	Timestamp      string `json:"timestamp"`
	TenantID       string `json:"tenantId,omitempty"`
	KeyID          string `json:"keyId,omitempty"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	Status         int    `json:"status"`
	DurationMillis int64  `json:"durationMillis"`
	RequestBytes   int    `json:"requestBytes"`
	ResponseBytes  int    `json:"responseBytes"`
}

// Auditor writes newline-delimited JSON audit entries to a rotating log
// file via lumberjack, so a long-running settld-api never needs an
// external log shipper just to retain a request trail.
type Auditor struct {
	cfg    AuditConfig
	writer io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewAuditor constructs an Auditor over cfg. When cfg.Enabled is false the
// returned Auditor's Middleware is a no-op passthrough.
func NewAuditor(cfg AuditConfig) *Auditor {
	a := &Auditor{cfg: cfg, now: time.Now}
	if !cfg.Enabled {
		return a
	}
	logger := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	a.writer = logger
	a.closer = logger
	return a
}

// Close flushes and closes the underlying rotating log file.
func (a *Auditor) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Middleware records one AuditEntry per request, after the handler chain
// has written its response, so it always observes the final status code.
func (a *Auditor) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := a.now()
			var requestBody bytes.Buffer
			if r.Body != nil {
				_, _ = requestBody.ReadFrom(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(requestBody.Bytes()))
			}
			rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			tenantID, _ := TenantIDFromContext(r.Context())
			keyID, _ := KeyIDFromContext(r.Context())
			entry := AuditEntry{
				Timestamp:      a.now().UTC().Format(time.RFC3339Nano),
				TenantID:       tenantID,
				KeyID:          keyID,
				Method:         r.Method,
				Path:           r.URL.Path,
				Status:         rec.status,
				DurationMillis: a.now().Sub(start).Milliseconds(),
				RequestBytes:   requestBody.Len(),
				ResponseBytes:  rec.bytesWritten,
			}
			a.write(entry)
		})
	}
}

func (a *Auditor) write(entry AuditEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = a.writer.Write(line)
}

// auditRecorder tracks both the final status code and the number of
// response bytes written, distinct from observability.go's statusRecorder
// which only needs the status.
type auditRecorder struct {
	http.ResponseWriter
	status       int
	bytesWritten int
}

func (r *auditRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *auditRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytesWritten += n
	return n, err
}
