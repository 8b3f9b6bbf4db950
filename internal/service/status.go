package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/ipc"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/websocket"
)

// StatusServer exposes health, metrics and read-only bundle state over HTTP.
type StatusServer struct {
	manager *Manager
	health  *health.Monitor
	metrics http.Handler
	router  *mux.Router
}

// NewStatusServer builds the router. metrics may be nil.
func NewStatusServer(m *Manager, h *health.Monitor, metrics http.Handler) *StatusServer {
	s := &StatusServer{manager: m, health: h, metrics: metrics}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/bundles", s.listBundles).Methods(http.MethodGet)
	v1.HandleFunc("/bundles/{id}", s.getBundle).Methods(http.MethodGet)
	v1.HandleFunc("/bundles/{id}/watch", s.watchBundle).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on addr until ctx ends.
func (s *StatusServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("status server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *StatusServer) healthz(w http.ResponseWriter, r *http.Request) {
	s.health.Poll(r.Context())
	rep := s.health.Report()
	code := http.StatusOK
	if rep.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *StatusServer) listBundles(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.List()
	infos := make([]ipc.BundleInfo, len(snaps))
	for i, snap := range snaps {
		infos[i] = BundleInfo(snap)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *StatusServer) getBundle(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.QueryState(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *StatusServer) watchBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	websocket.Stream(w, r, b)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("writing status response", logging.KeyError, err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, ErrUnknownBundle) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
