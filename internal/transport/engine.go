package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"engine-broker/internal/config"
	"engine-broker/internal/models"
	"engine-broker/internal/queue"
	"engine-broker/internal/security"
)

const (
	heartbeatTimeout = 10 * time.Second
	heartbeatCheck   = 5 * time.Second
)

// EngineServer terminates the engine channel. A connection flips the queue
// to connected, job reports are verified and translated into transitions,
// and a lost heartbeat or socket drop fails over the queue.
type EngineServer struct {
	cfg    config.Config
	engine *queue.Engine
	nonces *security.NonceStore
	log    *log.Logger

	mu      sync.Mutex
	current *engineConn

	upgrader websocket.Upgrader
}

type engineConn struct {
	id   string
	send chan []byte
	once sync.Once
}

func (c *engineConn) close() {
	c.once.Do(func() { close(c.send) })
}

// NewEngineServer wires the engine-channel handler.
func NewEngineServer(cfg config.Config, engine *queue.Engine, nonces *security.NonceStore, logger *log.Logger) *EngineServer {
	return &EngineServer{
		cfg:    cfg,
		engine: engine,
		nonces: nonces,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// DispatchJob sends one job to the connected engine. It is the queue's
// dispatch callback.
func (s *EngineServer) DispatchJob(job models.Job) {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		s.log.Printf("[ENGINE] dispatch of job %s with no engine attached", job.ID)
		return
	}
	b, ok := encodeEvent("engine_job", job)
	if !ok {
		return
	}
	select {
	case c.send <- b:
	default:
		s.log.Printf("[ENGINE] send buffer full, dropping dispatch of job %s", job.ID)
	}
}

// engineReport is the payload carried by a verified job report envelope.
type engineReport struct {
	JobID    string         `json:"job_id"`
	Error    string         `json:"error,omitempty"`
	Progress map[string]any `json:"progress,omitempty"`
}

// reportTransitions maps the engine's report surface onto target statuses.
var reportTransitions = map[string]models.Status{
	"job_started":   models.StatusRunning,
	"job_completed": models.StatusCompleted,
	"job_failed":    models.StatusFailed,
}

// Handler upgrades and serves the engine connection.
func (s *EngineServer) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != s.cfg.EngineToken {
			http.Error(rw, "engine token rejected", http.StatusUnauthorized)
			return
		}
		engineID := r.URL.Query().Get("engineId")
		if engineID == "" {
			engineID = "engine-" + uuid.New().String()[:8]
		}

		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		c := &engineConn{id: engineID, send: make(chan []byte, 256)}
		s.mu.Lock()
		if s.current != nil {
			s.current.close()
		}
		s.current = c
		s.mu.Unlock()

		s.log.Printf("[ENGINE] connected engineId=%s", engineID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.send:
					if !ok {
						return
					}
					_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Connecting the engine rebuilds the pending queue and resumes
		// dispatch through DispatchJob.
		s.engine.SetEngineConnected(true, engineID)

		var hbMu sync.Mutex
		lastHeartbeat := time.Now()
		hbTicker := time.NewTicker(heartbeatCheck)
		defer hbTicker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hbTicker.C:
					hbMu.Lock()
					stale := time.Since(lastHeartbeat) > heartbeatTimeout
					hbMu.Unlock()
					if stale {
						s.log.Printf("[ENGINE] heartbeat lost engineId=%s", engineID)
						cancel()
						_ = ws.Close()
						return
					}
				}
			}
		}()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				break
			}
			var msg clientMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg.Event {
			case "engine_heartbeat":
				hbMu.Lock()
				lastHeartbeat = time.Now()
				hbMu.Unlock()
			case "engine_status":
				s.handleReport(r.Context(), engineID, msg.Data)
			default:
				s.log.Printf("[ENGINE] unknown event %q", msg.Event)
			}
		}

		s.mu.Lock()
		wasCurrent := s.current == c
		if wasCurrent {
			s.current = nil
		}
		s.mu.Unlock()
		c.close()
		if !wasCurrent {
			// A replacement engine already took over this channel; tearing
			// down the superseded socket must not fail over the queue.
			s.log.Printf("[ENGINE] superseded connection closed engineId=%s", engineID)
			return
		}
		s.log.Printf("[ENGINE] disconnected engineId=%s", engineID)
		s.engine.SetEngineConnected(false, "")
	}
}

// handleReport verifies a signed job report and applies it as a transition.
// Illegal transitions and unknown job ids are operator-log-only.
func (s *EngineServer) handleReport(ctx context.Context, engineID string, data json.RawMessage) {
	var env security.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Printf("[ENGINE] malformed report from %s", engineID)
		return
	}
	if err := s.nonces.VerifyEnvelope(ctx, []byte(s.cfg.EngineSecret), engineID, env, time.Now(), s.cfg.EngineFreshness); err != nil {
		s.log.Printf("[ENGINE] report rejected from %s: %v", engineID, err)
		return
	}

	var report engineReport
	if err := json.Unmarshal(env.Payload, &report); err != nil || report.JobID == "" {
		s.log.Printf("[ENGINE] report missing job_id from %s", engineID)
		return
	}

	if env.Type == "job_progress" {
		if err := s.engine.RecordProgress(report.JobID, report.Progress); err != nil {
			s.log.Printf("[ENGINE] progress for unknown job %s", report.JobID)
		}
		return
	}

	to, ok := reportTransitions[env.Type]
	if !ok {
		s.log.Printf("[ENGINE] unknown report type %q from %s", env.Type, engineID)
		return
	}
	if err := s.engine.ReportStatus(report.JobID, to, report.Error); err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownJob):
			s.log.Printf("[ENGINE] report for unknown job %s ignored", report.JobID)
		case errors.Is(err, queue.ErrInvalidTransition):
			s.log.Printf("[ENGINE] illegal report for job %s: %v", report.JobID, err)
		default:
			s.log.Printf("[ENGINE] report error for job %s: %v", report.JobID, err)
		}
	}
}
