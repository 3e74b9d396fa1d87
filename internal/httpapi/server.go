package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	dockerengine "codearena/internal/engine"
	"codearena/internal/enum"
	"codearena/internal/lifecycle"
	"codearena/internal/logger"
	"codearena/internal/registry"
	"codearena/internal/store"
)

// createSessionRateLimit bounds how often one client IP may spin up a new
// session; each session starts up to six containers, so unbounded creation
// is a resource-exhaustion risk this daemon has to guard against itself
// given authentication is an explicit non-goal.
const (
	createSessionRateLimit  = 10
	createSessionRateWindow = time.Minute
)

// Server holds the Run State Store, Container Runtime Adapter and Gateway
// Registry plus the Lifecycle Engine, and exposes the JSON HTTP surface over
// them.
type Server struct {
	store         *store.Store
	engine        *lifecycle.Engine
	adapter       dockerengine.Adapter
	registry      *registry.Registry
	previewDomain string
}

// New constructs a Server. adapter is used only by the logs endpoint, to
// fetch a live tail for runs still holding a container.
func New(st *store.Store, eng *lifecycle.Engine, adapter dockerengine.Adapter, reg *registry.Registry, previewDomain string) *Server {
	return &Server{store: st, engine: eng, adapter: adapter, registry: reg, previewDomain: previewDomain}
}

// Router builds the chi router for the whole HTTP surface, wired with the
// same middleware stack as the teacher's cmd/server/main.go (Logger,
// Recoverer, RequestID, RealIP, Compress) plus CORS.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/sessions", func(r chi.Router) {
		r.With(httprate.LimitByIP(createSessionRateLimit, createSessionRateWindow)).Post("/", s.createSession)
		r.Get("/{id}", s.getSession)
		r.Post("/{id}/start", s.startSession)
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/{id}", s.getRun)
		r.Patch("/{id}", s.patchRun)
		r.Delete("/{id}", s.killRun)
		r.Post("/{id}/start", s.startRun)
		r.Get("/{id}/logs", s.getRunLogs)
	})

	r.Get("/gateway/resolve/{id}", s.resolve)
	r.Get("/health", s.health)
	r.Get("/stats", s.stats)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func statusForStoreError(err error) int {
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var precondition *store.PreconditionFailedError
	if errors.As(err, &precondition) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// createSession validates the body, mints session and run identifiers, and
// inserts the queued records; it does not itself start any run (spec.md
// section 6: runs are started by a separate /start call).
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := uuid.NewString()
	runs := make([]store.Run, 0, len(req.Models))
	runIDs := make([]string, 0, len(req.Models))
	for _, m := range req.Models {
		runID := uuid.NewString()
		runIDs = append(runIDs, runID)
		runs = append(runs, store.Run{
			ID:       runID,
			Provider: enum.Provider(m.Provider),
			Model:    m.Model,
			Status:   enum.RunStatusQueued,
		})
	}

	session := store.Session{ID: sessionID, Prompt: req.Prompt}
	if err := s.store.CreateSession(session, runs, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sessionID, RunIDs: runIDs})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sv, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(*sv, s.previewDomain))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRunView(*run, s.previewDomain))
}

func (s *Server) patchRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch runPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	run, err := s.store.UpdateRun(id, patch.toStoreUpdate(), time.Now())
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRunView(*run, s.previewDomain))
}

// startSession kicks off every queued run in a session. A run that is not
// (or no longer) queued is skipped rather than erroring the whole request,
// so retrying /start after a partial start is harmless.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sv, err := s.store.GetSession(id)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}

	for _, run := range sv.Runs {
		if run.Status != enum.RunStatusQueued {
			continue
		}
		s.engine.StartRun(lifecycle.RunSpec{
			RunID:     run.ID,
			SessionID: sv.ID,
			Prompt:    sv.Prompt,
			Provider:  run.Provider,
			Model:     run.Model,
		})
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	if run.Status != enum.RunStatusQueued {
		writeError(w, http.StatusConflict, "run is not queued")
		return
	}

	sv, err := s.store.GetSession(run.SessionID)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}

	s.engine.StartRun(lifecycle.RunSpec{
		RunID:     run.ID,
		SessionID: sv.ID,
		Prompt:    sv.Prompt,
		Provider:  run.Provider,
		Model:     run.Model,
	})

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) killRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Kill(id); err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.GetLogger(r.Context()).Warn("kill run cleanup error", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// getRunLogs concatenates the install and build logs captured from the
// build container with a live tail of the runtime container when one is
// still held, matching spec.md's "concatenated logs of the runtime
// container" while surfacing the earlier phases too.
func (s *Server) getRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}

	logs := run.InstallLog
	if run.BuildLog != "" {
		logs += "\n" + run.BuildLog
	}

	runtimeLog := run.StartLog
	if run.ContainerID != "" && s.adapter != nil {
		if live, err := s.adapter.Logs(r.Context(), &dockerengine.Handle{ContainerID: run.ContainerID}); err == nil {
			runtimeLog = live
		} else {
			logger.GetLogger(r.Context()).Debug("live log fetch failed, using stored snapshot", zap.String("run_id", id), zap.Error(err))
		}
	}
	if runtimeLog != "" {
		logs += "\n" + runtimeLog
	}
	if run.ErrorLog != "" {
		logs += "\n" + run.ErrorLog
	}

	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	url, ok := s.registry.Resolve(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not registered")
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{URL: url})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, status := range []enum.RunStatus{enum.RunStatusStarting, enum.RunStatusHealthy, enum.RunStatusReady} {
		active += s.store.CountByStatus(status)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ActiveContainers: active,
		RegisteredRuns:   s.registry.Size(),
	})
}
