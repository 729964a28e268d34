package httpserver

import (
	"net/http"
	"time"
)

// New builds the HTTP server for the ops surface. The surface only serves
// health probes, the status snapshot, and metrics scrapes, so every request
// is small and read-only; the timeouts are sized for scrape traffic, not for
// long-lived client work.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
