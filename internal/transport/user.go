package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"engine-broker/internal/bus"
	"engine-broker/internal/config"
	"engine-broker/internal/jobs"
	"engine-broker/internal/models"
	"engine-broker/internal/queue"
	"engine-broker/internal/ratelimit"
	"engine-broker/internal/security"
	"engine-broker/internal/session"
	"engine-broker/internal/telemetry"
	"engine-broker/internal/worldspec"
)

// UserServer terminates per-user websocket channels: it verifies action
// envelopes, updates session state, publishes accepted actions on the bus,
// and accepts world-build submissions.
type UserServer struct {
	cfg      config.Config
	hub      *Hub
	sessions *session.Manager
	actions  *bus.Bus
	engine   *queue.Engine
	nonces   *security.NonceStore
	limiter  *ratelimit.ActionLimiter
	log      *log.Logger

	upgrader websocket.Upgrader
}

// NewUserServer wires the user-channel handler.
func NewUserServer(cfg config.Config, hub *Hub, sessions *session.Manager, actions *bus.Bus, engine *queue.Engine, nonces *security.NonceStore, limiter *ratelimit.ActionLimiter, logger *log.Logger) *UserServer {
	return &UserServer{
		cfg:      cfg,
		hub:      hub,
		sessions: sessions,
		actions:  actions,
		engine:   engine,
		nonces:   nonces,
		limiter:  limiter,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type presencePayload struct {
	State string `json:"state"`
}

type generateWorldPayload struct {
	Config     json.RawMessage `json:"config"`
	GameParams map[string]any  `json:"gameParams,omitempty"`
}

// Handler upgrades and serves one user connection. Authentication itself is
// a trusted upstream concern; the handler only requires a userId.
func (s *UserServer) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(rw, "userId is required", http.StatusUnauthorized)
			return
		}

		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		sessionID := userID + ":" + uuid.New().String()
		c := &conn{userID: userID, send: make(chan []byte, 64)}
		s.hub.add(c)
		defer s.hub.remove(c)

		s.sessions.Touch(userID)
		s.log.Printf("[USER] connected user=%s session=%s", userID, sessionID)

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

		s.hub.SendToUser(userID, "auth_context", map[string]any{
			"userId":    userID,
			"sessionId": sessionID,
		})
		s.hub.SendToUser(userID, "engine_status", map[string]any{
			"connected": s.engine.Connected(),
		})

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
			case "action":
				s.handleAction(ctx, userID, sessionID, msg.Data)
			case "presence":
				s.handlePresence(userID, msg.Data)
			case "generate_world":
				s.handleGenerateWorld(userID, msg.Data)
			default:
				s.log.Printf("[USER] unknown event %q user=%s", msg.Event, userID)
			}
		}
		s.log.Printf("[USER] disconnected user=%s", userID)
	}
}

// handleAction runs the full boundary gauntlet before admitting the action:
// rate limit, freshness, signature, nonce.
func (s *UserServer) handleAction(ctx context.Context, userID, sessionID string, data json.RawMessage) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, userID)
		if err != nil {
			s.log.Printf("[USER] rate limiter error user=%s: %v", userID, err)
		} else if !allowed {
			telemetry.RateLimitHits.Inc()
			s.hub.SendToUser(userID, "action_error", map[string]string{"error": "rate_limited"})
			return
		}
	}

	var env security.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		telemetry.ActionsRejected.Inc()
		s.hub.SendToUser(userID, "action_error", map[string]string{"error": "malformed_envelope"})
		return
	}

	err := s.nonces.VerifyEnvelope(ctx, []byte(s.cfg.ActionSecret), userID, env, time.Now(), s.cfg.ActionFreshness)
	if err != nil {
		telemetry.ActionsRejected.Inc()
		reason := "verification_failed"
		switch {
		case errors.Is(err, security.ErrTimestampExpired):
			reason = "timestamp_expired"
		case errors.Is(err, security.ErrInvalidSignature):
			reason = "invalid_signature"
			s.log.Printf("[SECURITY] signature invalid user=%s", userID)
		case errors.Is(err, security.ErrReplayDetected):
			reason = "replay_detected"
			s.log.Printf("[SECURITY] nonce replay user=%s", userID)
		default:
			s.log.Printf("[SECURITY] verify error user=%s: %v", userID, err)
		}
		s.hub.SendToUser(userID, "action_error", map[string]string{"error": reason})
		return
	}

	action := models.Action{
		UserID:    userID,
		SessionID: sessionID,
		Type:      env.Type,
		Payload:   env.Payload,
		ClientTs:  env.Ts,
		Timestamp: time.Now(),
	}
	s.sessions.RecordAction(action)
	telemetry.ActionsAccepted.Inc()
	s.actions.Publish(action)
}

func (s *UserServer) handlePresence(userID string, data json.RawMessage) {
	var p presencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.State == "idle" {
		st := s.sessions.Get(userID)
		if st != nil && st.IsIdle {
			return
		}
		s.sessions.MarkIdle(userID)
		s.actions.Publish(models.Action{UserID: userID, Type: models.ActionIdle, Timestamp: time.Now()})
		return
	}
	s.sessions.Touch(userID)
}

// handleGenerateWorld validates the world spec, builds the job batch, and hands it
// to the queue. Validation failures never enter the state machine.
func (s *UserServer) handleGenerateWorld(userID string, data json.RawMessage) {
	var req generateWorldPayload
	if err := json.Unmarshal(data, &req); err != nil || len(req.Config) == 0 {
		s.hub.SendToUser(userID, "job_error", map[string]string{"error": "missing_config"})
		return
	}

	spec, err := worldspec.Parse(req.Config)
	if err != nil {
		s.log.Printf("[WORLD] validation failed user=%s: %v", userID, err)
		s.hub.SendToUser(userID, "job_error", map[string]string{
			"error":   "schema_validation_failed",
			"message": err.Error(),
		})
		return
	}

	batch, err := jobs.BuildJobs(spec, req.GameParams, time.Now())
	if err != nil {
		s.hub.SendToUser(userID, "job_error", map[string]string{
			"error":   "build_failed",
			"message": err.Error(),
		})
		return
	}

	batchID, err := s.engine.EnqueueBatch(batch, userID)
	if err != nil {
		s.hub.SendToUser(userID, "job_error", map[string]string{
			"error":   "enqueue_failed",
			"message": err.Error(),
		})
		return
	}
	s.hub.SendToUser(userID, "world_accepted", map[string]any{
		"batchId":  batchID,
		"jobCount": len(batch),
	})
}
