package middleware

import (
	"net/http"
	"strings"
	"time"
)

type requestObserver interface {
	ObserveRequest(method string, path string, status int, duration time.Duration)
}

// Count requests and their duration, route pattern is used as path label to keep cardinality low
// Method part of the pattern ("POST /register") is dropped, request method has its own label
func Metrics(m requestObserver, pattern string) func(http.Handler) http.Handler {
	path := pattern
	if _, p, found := strings.Cut(pattern, " "); found {
		path = strings.TrimSpace(p)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lw := &logWriter{
				ResponseWriter: w,
				data:           logData{responseStatus: http.StatusOK},
			}

			next.ServeHTTP(lw, r)

			m.ObserveRequest(r.Method, path, lw.data.responseStatus, time.Since(start))
		})
	}
}
