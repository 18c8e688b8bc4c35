// Package queue owns the authoritative job lifecycle state machine: it
// validates transitions, serializes dispatch to the engine one job at a
// time, retries timed-out jobs up to a cap, and recovers queued work across
// engine connectivity changes.
package queue

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"engine-broker/internal/clock"
	"engine-broker/internal/models"
	"engine-broker/internal/telemetry"
)

// transitions is the exhaustive legal edge set. Any report outside it is
// rejected without mutating state.
var transitions = map[models.Status][]models.Status{
	models.StatusQueued:     {models.StatusDispatched, models.StatusFailed},
	models.StatusDispatched: {models.StatusRunning, models.StatusFailed, models.StatusQueued},
	models.StatusRunning:    {models.StatusCompleted, models.StatusFailed, models.StatusQueued},
	models.StatusCompleted:  {},
	models.StatusFailed:     {},
}

func canTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition rejects a status change the table does not permit.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrUnknownJob rejects reports for job ids not in the registry.
	ErrUnknownJob = errors.New("unknown job id")
	// ErrDuplicateJob rejects enqueueing the same job id twice.
	ErrDuplicateJob = errors.New("job already enqueued")
)

// EngineDisconnectedError is the failure detail applied to running jobs when
// the engine drops.
const EngineDisconnectedError = "ENGINE_DISCONNECTED"

// Config tunes the lifecycle engine's timers and retry cap.
type Config struct {
	JobTimeout     time.Duration
	DispatchGrace  time.Duration
	MaxRetries     int
	SweepInterval  time.Duration
	StaleThreshold time.Duration
	GCDelay        time.Duration
}

// StatusListener observes every job transition with a snapshot of the job.
type StatusListener func(job models.Job, detail string)

// BatchListener observes completion fan-in: it fires once when every job of
// a build batch has completed.
type BatchListener func(batchID, userID string)

type batch struct {
	userID    string
	total     int
	completed int
}

// Engine is the job queue and lifecycle state machine. It is the single
// writer of job status; external callers only enqueue jobs or report inbound
// engine events, which the engine translates into transitions.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock
	rec *telemetry.Recorder

	registry map[string]*models.Job
	pending  []*models.Job
	active   map[string]*models.Job

	// processing serializes dispatch: true from the moment a job is handed
	// to the engine until it is acknowledged (or assumed) running.
	processing bool
	connected  bool
	engineID   string

	watchdogs map[string]clock.Timer
	gcTimers  map[string]clock.Timer
	sweeper   clock.Timer
	stopped   bool

	batches map[string]*batch

	dispatchFn func(job models.Job)
	statusSubs []StatusListener
	batchSubs  []BatchListener

	// deferred callbacks, flushed outside the lock in order.
	notify []func()
}

// NewEngine builds a lifecycle engine. dispatchFn is invoked (outside the
// engine lock) with each job handed to the engine process.
func NewEngine(cfg Config, clk clock.Clock, rec *telemetry.Recorder, dispatchFn func(models.Job)) *Engine {
	e := &Engine{
		cfg:        cfg,
		clk:        clk,
		rec:        rec,
		registry:   make(map[string]*models.Job),
		active:     make(map[string]*models.Job),
		watchdogs:  make(map[string]clock.Timer),
		gcTimers:   make(map[string]clock.Timer),
		batches:    make(map[string]*batch),
		dispatchFn: dispatchFn,
	}
	if cfg.SweepInterval > 0 {
		e.mu.Lock()
		e.armSweepLocked()
		e.mu.Unlock()
	}
	return e
}

// OnStatus registers a transition listener; delivery follows registration
// order. Listeners must not call back into the engine.
func (e *Engine) OnStatus(fn StatusListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusSubs = append(e.statusSubs, fn)
}

// OnBatchFinished registers a completion fan-in listener.
func (e *Engine) OnBatchFinished(fn BatchListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchSubs = append(e.batchSubs, fn)
}

// Enqueue inserts a freshly built job at the back of the pending queue and
// kicks dispatch.
func (e *Engine) Enqueue(job *models.Job) error {
	e.mu.Lock()
	if _, exists := e.registry[job.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	e.registry[job.ID] = job
	job.Status = models.StatusQueued
	job.QueuedAt = e.clk.Now()
	e.pending = append(e.pending, job)
	telemetry.JobsEnqueued.Inc()
	e.recordLocked(telemetry.EventJobQueued, job, nil)
	e.notifyStatusLocked(job, "")
	e.dispatchNextLocked()
	e.finishLocked()
	return nil
}

// EnqueueBatch enqueues an ordered job batch for one user and registers it
// for completion fan-in. It returns the batch id.
func (e *Engine) EnqueueBatch(jobs []*models.Job, userID string) (string, error) {
	batchID := uuid.New().String()
	e.mu.Lock()
	e.batches[batchID] = &batch{userID: userID, total: len(jobs)}
	e.mu.Unlock()
	for i, job := range jobs {
		prevUser, prevBatch := job.UserID, job.BatchID
		job.UserID = userID
		job.BatchID = batchID
		if err := e.Enqueue(job); err != nil {
			job.UserID, job.BatchID = prevUser, prevBatch
			// Jobs from the failed one onward never entered the queue, so
			// fan-in must not wait on them.
			e.mu.Lock()
			if b, ok := e.batches[batchID]; ok {
				b.total -= len(jobs) - i
				if b.total <= b.completed {
					delete(e.batches, batchID)
				}
			}
			e.mu.Unlock()
			return batchID, err
		}
	}
	return batchID, nil
}

// ReportStatus applies an externally reported transition for a job. Illegal
// reports are rejected with ErrInvalidTransition and leave state untouched;
// unknown ids are rejected with ErrUnknownJob.
func (e *Engine) ReportStatus(jobID string, to models.Status, detail string) error {
	e.mu.Lock()
	job, ok := e.registry[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if !canTransition(job.Status, to) {
		from := job.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, from, to, jobID)
	}

	e.stopWatchdogLocked(jobID)

	switch to {
	case models.StatusRunning:
		wasInFlight := job.Status == models.StatusDispatched
		e.setStatusLocked(job, models.StatusRunning, detail)
		e.active[job.ID] = job
		e.armRunTimeoutLocked(job.ID)
		if wasInFlight {
			e.processing = false
		}
		e.dispatchNextLocked()

	case models.StatusCompleted:
		delete(e.active, job.ID)
		e.setStatusLocked(job, models.StatusCompleted, detail)
		e.recordMilestoneLocked(job)
		e.scheduleGCLocked(job.ID)
		e.finishBatchJobLocked(job)
		e.dispatchNextLocked()

	case models.StatusFailed:
		e.detachLocked(job)
		e.setStatusLocked(job, models.StatusFailed, detail)
		e.scheduleGCLocked(job.ID)
		e.dispatchNextLocked()

	case models.StatusQueued:
		e.detachLocked(job)
		e.setStatusLocked(job, models.StatusQueued, detail)
		e.pending = append(e.pending, job)
		e.dispatchNextLocked()

	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, job.Status, to, jobID)
	}

	e.finishLocked()
	return nil
}

// RecordProgress emits a progress telemetry record for a known job without
// changing its status.
func (e *Engine) RecordProgress(jobID string, payload map[string]any) error {
	e.mu.Lock()
	job, ok := e.registry[jobID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	e.recordLocked(telemetry.EventJobProgress, job, payload)
	e.finishLocked()
	return nil
}

// SetEngineConnected flips engine connectivity. Disconnect fails every
// running job immediately; reconnect rebuilds the pending queue from the
// registry and resumes dispatch.
func (e *Engine) SetEngineConnected(connected bool, engineID string) {
	e.mu.Lock()
	e.connected = connected
	if !connected {
		// Nothing can be in flight against a dead engine: stop every
		// watchdog so a pending grace timer cannot promote a dispatched
		// job to running.
		for id, t := range e.watchdogs {
			t.Stop()
			delete(e.watchdogs, id)
		}
		for id, job := range e.active {
			e.setStatusLocked(job, models.StatusFailed, EngineDisconnectedError)
			e.scheduleGCLocked(id)
		}
		e.active = make(map[string]*models.Job)
		e.processing = false
		e.recordLocked(telemetry.EventEngineLost, nil, map[string]any{"engineId": e.engineID})
		e.engineID = ""
		e.finishLocked()
		return
	}

	e.engineID = engineID
	// Rebuild the pending queue: every job still queued or dispatched is
	// collected in original queue order, dispatched ones stepping back to
	// queued along the legal edge. The order key is captured before the
	// step back restamps QueuedAt, so an in-flight job keeps its place at
	// the head of the line.
	type entry struct {
		job *models.Job
		key time.Time
	}
	var rebuilt []entry
	for _, job := range e.registry {
		switch job.Status {
		case models.StatusDispatched:
			key := job.QueuedAt
			e.stopWatchdogLocked(job.ID)
			e.setStatusLocked(job, models.StatusQueued, "")
			rebuilt = append(rebuilt, entry{job, key})
		case models.StatusQueued:
			rebuilt = append(rebuilt, entry{job, job.QueuedAt})
		}
	}
	sort.SliceStable(rebuilt, func(i, j int) bool {
		if rebuilt[i].key.Equal(rebuilt[j].key) {
			return rebuilt[i].job.SubmittedAt.Before(rebuilt[j].job.SubmittedAt)
		}
		return rebuilt[i].key.Before(rebuilt[j].key)
	})
	e.pending = e.pending[:0]
	for _, en := range rebuilt {
		e.pending = append(e.pending, en.job)
	}
	e.processing = false
	e.recordLocked(telemetry.EventEngineAttached, nil, map[string]any{"engineId": engineID})
	e.dispatchNextLocked()
	e.finishLocked()
}

// Connected reports engine connectivity.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// GetJob returns a snapshot of a registered job.
func (e *Engine) GetJob(jobID string) (models.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.registry[jobID]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// FailedJobs lists snapshots of jobs in terminal failure, newest first.
func (e *Engine) FailedJobs() []models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Job
	for _, job := range e.registry {
		if job.Status == models.StatusFailed {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt != nil && out[j].FailedAt != nil && out[i].FailedAt.After(*out[j].FailedAt)
	})
	return out
}

// PendingIDs returns the pending queue contents in dispatch order.
func (e *Engine) PendingIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.pending))
	for i, job := range e.pending {
		ids[i] = job.ID
	}
	return ids
}

// Stop cancels every timer owned by the engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	for id, t := range e.watchdogs {
		t.Stop()
		delete(e.watchdogs, id)
	}
	for id, t := range e.gcTimers {
		t.Stop()
		delete(e.gcTimers, id)
	}
}

// --- internals; every method below expects e.mu held ---

// dispatchNextLocked hands the head of the pending queue to the engine,
// honoring the single-dispatch-in-flight rule.
func (e *Engine) dispatchNextLocked() {
	if e.processing || !e.connected || len(e.pending) == 0 {
		return
	}
	job := e.pending[0]
	e.pending = e.pending[1:]
	job.EngineID = e.engineID
	e.setStatusLocked(job, models.StatusDispatched, "")
	e.processing = true
	telemetry.JobsDispatched.Inc()
	e.armGraceLocked(job.ID)
	if e.dispatchFn != nil {
		snapshot := *job
		e.notify = append(e.notify, func() { e.dispatchFn(snapshot) })
	}
}

// setStatusLocked performs a transition known to be legal: it stamps the
// lifecycle timestamp, emits telemetry, and queues listener notification.
func (e *Engine) setStatusLocked(job *models.Job, to models.Status, detail string) {
	now := e.clk.Now()
	job.Status = to
	switch to {
	case models.StatusQueued:
		job.QueuedAt = now
		e.recordLocked(telemetry.EventJobQueued, job, nil)
	case models.StatusDispatched:
		job.DispatchedAt = &now
		e.recordLocked(telemetry.EventJobDispatched, job, nil)
	case models.StatusRunning:
		job.StartedAt = &now
		e.recordLocked(telemetry.EventJobStarted, job, nil)
	case models.StatusCompleted:
		job.CompletedAt = &now
		telemetry.JobsCompleted.Inc()
		e.recordLocked(telemetry.EventJobCompleted, job, nil)
	case models.StatusFailed:
		job.FailedAt = &now
		if detail != "" {
			msg := detail
			job.LastError = &msg
		}
		telemetry.JobsFailed.Inc()
		e.recordLocked(telemetry.EventJobFailed, job, map[string]any{"error": detail})
		e.dropBatchLocked(job)
	}
	e.notifyStatusLocked(job, detail)
}

// detachLocked removes a job from whichever live collection holds it and
// releases the in-flight flag if the job owned it.
func (e *Engine) detachLocked(job *models.Job) {
	switch job.Status {
	case models.StatusQueued:
		for i, p := range e.pending {
			if p.ID == job.ID {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
	case models.StatusDispatched:
		e.processing = false
	case models.StatusRunning:
		delete(e.active, job.ID)
	}
}

func (e *Engine) notifyStatusLocked(job *models.Job, detail string) {
	snapshot := *job
	subs := e.statusSubs
	e.notify = append(e.notify, func() {
		for _, fn := range subs {
			fn(snapshot, detail)
		}
	})
}

func (e *Engine) recordLocked(event string, job *models.Job, payload map[string]any) {
	if e.rec == nil {
		return
	}
	jobID, engineID := "", e.engineID
	if job != nil {
		jobID = job.ID
		if payload == nil {
			payload = map[string]any{}
		}
		payload["jobType"] = string(job.Type)
	}
	e.rec.Record(event, jobID, engineID, payload)
}

// recordMilestoneLocked emits the job-type-specific completion milestone.
func (e *Engine) recordMilestoneLocked(job *models.Job) {
	switch job.Type {
	case models.JobBuildScene:
		e.recordLocked(telemetry.EventSceneLoaded, job, nil)
	case models.JobSpawnEntity:
		e.recordLocked(telemetry.EventEntitySpawned, job, nil)
	case models.JobLoadAssets:
		e.recordLocked(telemetry.EventAssetsLoaded, job, nil)
	}
}

func (e *Engine) finishBatchJobLocked(job *models.Job) {
	if job.BatchID == "" {
		return
	}
	b, ok := e.batches[job.BatchID]
	if !ok {
		return
	}
	b.completed++
	if b.completed < b.total {
		return
	}
	delete(e.batches, job.BatchID)
	batchID, userID := job.BatchID, b.userID
	subs := e.batchSubs
	e.notify = append(e.notify, func() {
		for _, fn := range subs {
			fn(batchID, userID)
		}
	})
}

// dropBatchLocked abandons fan-in for a batch once one of its jobs can never
// complete; the remaining completions find no entry and fall through.
func (e *Engine) dropBatchLocked(job *models.Job) {
	if job.BatchID == "" {
		return
	}
	delete(e.batches, job.BatchID)
}

// armGraceLocked starts the optimistic-running watchdog: if the engine never
// acknowledges the dispatch, the job is assumed running after the grace
// period so the queue does not block on a lost ack.
func (e *Engine) armGraceLocked(jobID string) {
	e.stopWatchdogLocked(jobID)
	e.watchdogs[jobID] = e.clk.AfterFunc(e.cfg.DispatchGrace, func() {
		e.mu.Lock()
		job, ok := e.registry[jobID]
		if !ok || job.Status != models.StatusDispatched {
			e.mu.Unlock()
			return
		}
		delete(e.watchdogs, jobID)
		e.recordLocked(telemetry.EventDispatchUnack, job, nil)
		e.setStatusLocked(job, models.StatusRunning, "")
		e.active[job.ID] = job
		e.armRunTimeoutLocked(job.ID)
		e.processing = false
		e.dispatchNextLocked()
		e.finishLocked()
	})
}

// armRunTimeoutLocked starts the per-job running timer. On fire the timeout
// is only real if the job is still running.
func (e *Engine) armRunTimeoutLocked(jobID string) {
	e.stopWatchdogLocked(jobID)
	e.watchdogs[jobID] = e.clk.AfterFunc(e.cfg.JobTimeout, func() {
		e.mu.Lock()
		job, ok := e.registry[jobID]
		if !ok || job.Status != models.StatusRunning {
			e.mu.Unlock()
			return
		}
		delete(e.watchdogs, jobID)
		delete(e.active, jobID)
		if job.RetryCount < e.cfg.MaxRetries {
			job.RetryCount++
			log.Printf("[QUEUE] job %s timed out, retry %d/%d", jobID, job.RetryCount, e.cfg.MaxRetries)
			telemetry.JobsRetried.Inc()
			e.recordLocked(telemetry.EventJobRetried, job, map[string]any{"retryCount": job.RetryCount})
			e.setStatusLocked(job, models.StatusQueued, "")
			// Priority re-dispatch: retried jobs go to the front.
			e.pending = append([]*models.Job{job}, e.pending...)
			e.dispatchNextLocked()
		} else {
			detail := fmt.Sprintf("TIMEOUT after %d retries", job.RetryCount)
			log.Printf("[QUEUE] job %s failed: %s", jobID, detail)
			e.setStatusLocked(job, models.StatusFailed, detail)
			e.scheduleGCLocked(jobID)
			e.dispatchNextLocked()
		}
		e.finishLocked()
	})
}

func (e *Engine) stopWatchdogLocked(jobID string) {
	if t, ok := e.watchdogs[jobID]; ok {
		t.Stop()
		delete(e.watchdogs, jobID)
	}
}

// scheduleGCLocked removes a terminal job from the registry after a delay.
func (e *Engine) scheduleGCLocked(jobID string) {
	if e.cfg.GCDelay <= 0 {
		return
	}
	if t, ok := e.gcTimers[jobID]; ok {
		t.Stop()
	}
	e.gcTimers[jobID] = e.clk.AfterFunc(e.cfg.GCDelay, func() {
		e.mu.Lock()
		delete(e.registry, jobID)
		delete(e.gcTimers, jobID)
		e.mu.Unlock()
	})
}

func (e *Engine) armSweepLocked() {
	e.sweeper = e.clk.AfterFunc(e.cfg.SweepInterval, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		cutoff := e.clk.Now().Add(-e.cfg.StaleThreshold)
		for id, job := range e.registry {
			if job.Status.Terminal() {
				continue
			}
			if job.QueuedAt.IsZero() || !job.QueuedAt.Before(cutoff) {
				continue
			}
			log.Printf("[QUEUE] sweeping stale job %s status=%s", id, job.Status)
			e.stopWatchdogLocked(id)
			e.detachLocked(job)
			e.dropBatchLocked(job)
			delete(e.registry, id)
			telemetry.JobsSwept.Inc()
			e.recordLocked(telemetry.EventJobSwept, job, nil)
		}
		e.armSweepLocked()
		e.dispatchNextLocked()
		e.finishLocked()
	})
}

// finishLocked refreshes gauges, releases the lock, and flushes deferred
// listener callbacks in order.
func (e *Engine) finishLocked() {
	telemetry.PendingGauge.Set(float64(len(e.pending)))
	telemetry.ActiveGauge.Set(float64(len(e.active)))
	pending := e.notify
	e.notify = nil
	e.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
