package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"engine-broker/internal/api"
	"engine-broker/internal/assets"
	"engine-broker/internal/bus"
	"engine-broker/internal/clock"
	"engine-broker/internal/config"
	"engine-broker/internal/models"
	"engine-broker/internal/orchestrator"
	"engine-broker/internal/queue"
	"engine-broker/internal/ratelimit"
	"engine-broker/internal/security"
	"engine-broker/internal/session"
	"engine-broker/internal/store"
	"engine-broker/internal/telemetry"
	"engine-broker/internal/transport"
)

func main() {
	cfg := config.Load()
	clk := clock.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	nonces := security.NewNonceStore(redisClient, cfg.NonceTTL)
	limiter := ratelimit.NewActionLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var st *store.Store
	if cfg.PostgresDSN != "" {
		var err error
		st, err = store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	} else {
		log.Printf("POSTGRES_DSN unset, running without persistence")
	}

	recorder, err := telemetry.NewRecorder(500, cfg.TelemetryLogPath)
	if err != nil {
		log.Fatalf("telemetry recorder: %v", err)
	}
	defer recorder.Close()

	actions := bus.New(200)
	hub := transport.NewHub()

	arb := orchestrator.NewArbiter(clk, cfg.SpamLockWindow)
	var orch *orchestrator.Orchestrator
	sessions := session.NewManager(clk, cfg.IdleAfter, cfg.UserStateTTL, func(userID string) {
		// Idle threshold crossed: prompt the user and re-evaluate.
		hub.SendToUser(userID, "nav_idle_prompt", map[string]string{"userId": userID})
		if rec, _ := orch.Orchestrate(models.Action{UserID: userID, Type: models.ActionIdle, Timestamp: time.Now()}); rec != nil {
			hub.SendToUser(userID, "agent_update", rec)
		}
	})
	defer sessions.Stop()
	orch = orchestrator.New(sessions, arb)

	// The queue pushes dispatched jobs out through the engine socket, and
	// the engine socket reports transitions back into the queue. Break
	// the cycle with a late-bound reference.
	var engines *transport.EngineServer
	eng := queue.NewEngine(queue.Config{
		JobTimeout:     cfg.JobTimeout,
		DispatchGrace:  cfg.DispatchGrace,
		MaxRetries:     cfg.MaxRetries,
		SweepInterval:  cfg.SweepInterval,
		StaleThreshold: cfg.StaleThreshold,
		GCDelay:        cfg.GCDelay,
	}, clk, recorder, func(job models.Job) {
		engines.DispatchJob(job)
	})
	defer eng.Stop()
	engines = transport.NewEngineServer(cfg, eng, nonces, log.Default())

	previewer, err := assets.NewPreviewer(ctx, cfg)
	if err != nil {
		log.Fatalf("init asset previewer: %v", err)
	}

	// Job transitions fan out to the owning user's session, persistence,
	// and the asset previewer.
	eng.OnStatus(func(job models.Job, detail string) {
		target := job.UserID
		payload := map[string]any{
			"jobId":      job.ID,
			"jobType":    job.Type,
			"status":     job.Status,
			"error":      detail,
			"retryCount": job.RetryCount,
			"queuedAt":   job.QueuedAt,
			"duration":   job.Duration().Milliseconds(),
		}
		if target != "" {
			hub.SendToUser(target, "job_status", payload)
		} else {
			hub.Broadcast("job_status", payload)
		}

		if st != nil {
			go func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := st.AppendJobHistory(sctx, job, detail); err != nil {
					log.Printf("[STORE] job history: %v", err)
				}
			}()
		}

		if previewer != nil && job.Status == models.StatusCompleted && job.Type == models.JobLoadAssets {
			if p, ok := job.Payload.(models.AssetsPayload); ok {
				go previewer.GeneratePreviews(ctx, p.Assets)
			}
		}
	})

	// Completion fan-in: all jobs of a batch done triggers the
	// build_finished evaluation for the submitting user.
	eng.OnBatchFinished(func(batchID, userID string) {
		hub.SendToUser(userID, "world_update", map[string]string{"batchId": batchID})
		action := models.Action{UserID: userID, Type: models.ActionBuildFinished, Timestamp: time.Now()}
		sessions.RecordAction(action)
		if rec, _ := orch.Orchestrate(action); rec != nil {
			hub.SendToUser(userID, "agent_update", rec)
		}
	})

	// Accepted actions flow to persistence, the UI echo, and orchestration.
	actions.Subscribe(func(action models.Action) {
		if st == nil {
			return
		}
		go func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := st.InsertActionEvent(sctx, action); err != nil {
				log.Printf("[STORE] action event: %v", err)
			}
		}()
	})
	actions.Subscribe(func(action models.Action) {
		hub.SendToUser(action.UserID, "action_update", action)
	})
	actions.Subscribe(func(action models.Action) {
		rec, deprioritized := orch.Orchestrate(action)
		if deprioritized {
			hub.SendToUser(action.UserID, "agent_update", map[string]any{
				"agent":   "arbiter",
				"reason":  "deprioritized",
				"message": "Another user's burst is being handled first.",
			})
			return
		}
		if rec != nil {
			hub.SendToUser(action.UserID, "agent_update", rec)
		}
	})

	users := transport.NewUserServer(cfg, hub, sessions, actions, eng, nonces, limiter, log.Default())
	server := api.New(cfg, eng, recorder, actions, users, engines)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("broker listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
