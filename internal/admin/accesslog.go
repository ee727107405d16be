package admin

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

const requestIDHeader = "X-Request-ID"

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// AccessLogMiddleware tags each admin request with a request id (reusing an
// incoming X-Request-ID) and logs it once the response is written.
func AccessLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	accessLogger := logger.With("component", "admin_access")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelDebug
		if sw.statusCode >= http.StatusBadRequest {
			level = slog.LevelInfo
		}
		accessLogger.Log(r.Context(), level, "admin API request",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"response_status", sw.statusCode,
			"response_bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}
