package console

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"

	"homebgp/internal/bgp"
)

const maxRunsLimit = 200

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	auth := requireToken(s.token)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	// Everything but /healthz sits behind the token.
	mux.Handle("GET /api/bgp", auth(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /api/bgp/{id}", auth(http.HandlerFunc(s.handleGet)))
	mux.Handle("GET /api/bgp/{id}/runs", auth(http.HandlerFunc(s.handleRuns)))
	mux.Handle("POST /api/bgp/{id}/stop", auth(http.HandlerFunc(s.handleStop)))
	mux.Handle("POST /api/bgp/{id}/restart", auth(http.HandlerFunc(s.handleRestart)))
	mux.Handle("GET /api/runtime", auth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.sup.Runtime())
	})))
	mux.Handle("GET /ws/bgp", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hub.serve(w, r, s.sup.List())
	})))
	if s.metrics != nil {
		mux.Handle("GET /metrics", auth(s.metrics))
	}

	pp := http.NewServeMux()
	pp.HandleFunc("/debug/pprof/", hpprof.Index)
	pp.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	pp.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	pp.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	pp.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	mux.Handle("/debug/pprof/", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.pprof.Load() {
			http.NotFound(w, r)
			return
		}
		pp.ServeHTTP(w, r)
	})))

	return chain(mux, withRecover(s.log), withRequestLog(s.log))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sup.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.Restart(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.writeSnapshot(w, id)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("storage disabled"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.store.RecentRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// writeSnapshot answers a mutating call with the task's state after it.
func (s *Server) writeSnapshot(w http.ResponseWriter, id string) {
	snap, err := s.sup.Get(id)
	if err != nil {
		// Removed meanwhile.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bgp.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bgp.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, bgp.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
