package health

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/metrics"
)

// ReadyFunc reports whether the service can accept work. A nil error means ready.
type ReadyFunc func() error

// Handler serves liveness, readiness and Prometheus metrics.
func Handler(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// StartHealthServer listens on addr and serves Handler in the background.
// The caller owns shutdown of the returned server.
func StartHealthServer(addr string, ready ReadyFunc, log *zap.SugaredLogger) (*http.Server, net.Listener, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           Handler(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Health server stopped", "error", err)
		}
	}()
	log.Infow("Health server listening", "addr", ln.Addr().String())
	return srv, ln, nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
