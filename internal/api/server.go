package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"engine-broker/internal/bus"
	"engine-broker/internal/config"
	"engine-broker/internal/jobs"
	"engine-broker/internal/queue"
	"engine-broker/internal/telemetry"
	"engine-broker/internal/transport"
	"engine-broker/internal/worldspec"
)

// Server wires the broker's HTTP surface: world submission, job inspection,
// telemetry read-back, and the websocket endpoints.
type Server struct {
	cfg      config.Config
	engine   *queue.Engine
	recorder *telemetry.Recorder
	actions  *bus.Bus
	users    *transport.UserServer
	engines  *transport.EngineServer
}

// New constructs the API server.
func New(cfg config.Config, engine *queue.Engine, recorder *telemetry.Recorder, actions *bus.Bus, users *transport.UserServer, engines *transport.EngineServer) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		recorder: recorder,
		actions:  actions,
		users:    users,
		engines:  engines,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/worlds", s.handleSubmitWorld)
	r.Post("/games/end", s.handleEndGame)
	r.Get("/jobs/failed", s.handleFailedJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/telemetry", s.handleTelemetry)
	r.Get("/actions", s.handleActions)

	if s.users != nil {
		r.Get("/ws/user", s.users.Handler())
	}
	if s.engines != nil {
		r.Get("/ws/engine", s.engines.Handler())
	}
	return r
}

type submitWorldRequest struct {
	UserID     string          `json:"userId"`
	Config     json.RawMessage `json:"config"`
	GameParams map[string]any  `json:"gameParams,omitempty"`
}

type submitWorldResponse struct {
	BatchID  string   `json:"batchId"`
	JobIDs   []string `json:"jobIds"`
	JobCount int      `json:"jobCount"`
}

// handleSubmitWorld validates a world spec and enqueues its job batch.
func (s *Server) handleSubmitWorld(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var req submitWorldRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = "system"
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "missing_config", "config is required")
		return
	}

	spec, err := worldspec.Parse(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "schema_validation_failed", err.Error())
		return
	}

	batch, err := jobs.BuildJobs(spec, req.GameParams, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "build_failed", err.Error())
		return
	}

	batchID, err := s.engine.EnqueueBatch(batch, req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}

	ids := make([]string, len(batch))
	for i, job := range batch {
		ids[i] = job.ID
	}
	writeJSON(w, http.StatusAccepted, submitWorldResponse{BatchID: batchID, JobIDs: ids, JobCount: len(batch)})
}

type endGameRequest struct {
	UserID     string `json:"userId"`
	Reason     string `json:"reason"`
	FinalScore int    `json:"finalScore"`
	Duration   int64  `json:"duration"`
}

// handleEndGame enqueues a standalone END_GAME job.
func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	var req endGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	job, err := jobs.CreateEndGameJob(req.Reason, req.FinalScore, req.Duration, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "build_failed", err.Error())
		return
	}
	job.UserID = req.UserID
	if err := s.engine.Enqueue(job); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.engine.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_job", "no job with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.engine.FailedJobs()})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": s.recorder.Tail(100)})
}

func (s *Server) handleActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.actions.Log()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, reason, message string) {
	writeJSON(w, code, map[string]string{"error": reason, "message": message})
}
