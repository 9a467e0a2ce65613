package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/safewalk/internal/logging"
)

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func(ctx context.Context) error

// NewAdminRouter serves /metrics, /healthz (always ok once running) and
// /readyz (ready reports the dependency state).
func NewAdminRouter(metrics http.Handler, ready ReadyFunc) *mux.Router {
	r := mux.NewRouter()
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet)
	return r
}

// ServeAdmin starts the admin router on addr in the background. An empty
// addr disables it and returns nil.
func ServeAdmin(addr string, metrics http.Handler, ready ReadyFunc, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	if log == nil {
		log = logging.Noop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewAdminRouter(metrics, ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "admin server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving metrics and health", logging.String("addr", addr))
	return srv
}
