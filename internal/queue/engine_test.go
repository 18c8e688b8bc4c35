package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"engine-broker/internal/clock"
	"engine-broker/internal/models"
	"engine-broker/internal/telemetry"
)

func testConfig() Config {
	return Config{
		JobTimeout:    15 * time.Second,
		DispatchGrace: time.Second,
		MaxRetries:    2,
		GCDelay:       time.Minute,
	}
}

func newSceneJob(t *testing.T, now time.Time) *models.Job {
	t.Helper()
	job, err := models.NewJob(models.ScenePayload{SceneID: "scene-1"}, now)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

type dispatchCapture struct {
	jobs []models.Job
}

func (d *dispatchCapture) fn(job models.Job) { d.jobs = append(d.jobs, job) }

func TestLifecycleHappyPath(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	var disp dispatchCapture
	eng := NewEngine(testConfig(), fc, nil, disp.fn)
	defer eng.Stop()

	var seen []models.Status
	eng.OnStatus(func(job models.Job, detail string) {
		seen = append(seen, job.Status)
	})

	eng.SetEngineConnected(true, "eng-1")
	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if len(disp.jobs) != 1 || disp.jobs[0].ID != job.ID {
		t.Fatalf("expected one dispatch of %s, got %v", job.ID, disp.jobs)
	}
	if got, _ := eng.GetJob(job.ID); got.Status != models.StatusDispatched {
		t.Fatalf("expected dispatched, got %s", got.Status)
	}

	if err := eng.ReportStatus(job.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, ok := eng.GetJob(job.ID)
	if !ok || got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %+v ok=%v", got, ok)
	}
	if got.DispatchedAt == nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected lifecycle timestamps stamped, got %+v", got)
	}

	want := []models.Status{
		models.StatusQueued,
		models.StatusDispatched,
		models.StatusRunning,
		models.StatusCompleted,
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d: expected %s got %s", i, want[i], seen[i])
		}
	}
}

func TestSingleDispatchInFlight(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	var disp dispatchCapture
	eng := NewEngine(testConfig(), fc, nil, disp.fn)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	first := newSceneJob(t, fc.Now())
	second := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := eng.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	if len(disp.jobs) != 1 {
		t.Fatalf("expected backpressure to hold second job, got %d dispatches", len(disp.jobs))
	}

	if err := eng.ReportStatus(first.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if len(disp.jobs) != 2 || disp.jobs[1].ID != second.ID {
		t.Fatalf("expected second dispatch after ack, got %v", disp.jobs)
	}
}

func TestIllegalTransitionsLeaveStateUntouched(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()

	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Engine disconnected, so the job sits queued.
	for _, to := range []models.Status{models.StatusRunning, models.StatusCompleted} {
		err := eng.ReportStatus(job.ID, to, "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("queued -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}
	got, _ := eng.GetJob(job.ID)
	if got.Status != models.StatusQueued {
		t.Fatalf("rejected transition mutated status to %s", got.Status)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.FailedAt != nil {
		t.Fatalf("rejected transition stamped timestamps: %+v", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	for _, to := range []models.Status{models.StatusQueued, models.StatusRunning, models.StatusFailed} {
		if err := eng.ReportStatus(job.ID, to, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("completed -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestUnknownJobRejected(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()

	if err := eng.ReportStatus("nope", models.StatusRunning, ""); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if err := eng.RecordProgress("nope", nil); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob for progress, got %v", err)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()

	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Enqueue(job); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestUnackedDispatchPromotedAfterGrace(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	rec, err := telemetry.NewRecorder(100, "")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()
	var disp dispatchCapture
	eng := NewEngine(testConfig(), fc, rec, disp.fn)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	first := newSceneJob(t, fc.Now())
	second := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := eng.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	// The engine never acknowledges the dispatch.
	fc.Advance(time.Second)

	got, _ := eng.GetJob(first.ID)
	if got.Status != models.StatusRunning {
		t.Fatalf("expected optimistic running after grace, got %s", got.Status)
	}
	if len(disp.jobs) != 2 || disp.jobs[1].ID != second.ID {
		t.Fatalf("expected next job dispatched after promotion, got %v", disp.jobs)
	}

	var unacked bool
	for _, r := range rec.Tail(50) {
		if r.Event == telemetry.EventDispatchUnack && r.JobID == first.ID {
			unacked = true
		}
	}
	if !unacked {
		t.Fatalf("expected a DISPATCH_UNACKED record for %s", first.ID)
	}
}

func TestRunTimeoutRetriesThenFails(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := testConfig()
	var disp dispatchCapture
	eng := NewEngine(cfg, fc, nil, disp.fn)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		fc.Advance(cfg.JobTimeout)
		got, _ := eng.GetJob(job.ID)
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retryCount %d, got %d", attempt, attempt, got.RetryCount)
		}
		// Requeued at the front and immediately redispatched.
		if got.Status != models.StatusDispatched {
			t.Fatalf("attempt %d: expected redispatch, got %s", attempt, got.Status)
		}
		if err := eng.ReportStatus(job.ID, models.StatusRunning, ""); err != nil {
			t.Fatalf("attempt %d to running: %v", attempt, err)
		}
	}

	fc.Advance(cfg.JobTimeout)
	got, _ := eng.GetJob(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed after retries exhausted, got %s", got.Status)
	}
	want := fmt.Sprintf("TIMEOUT after %d retries", cfg.MaxRetries)
	if got.LastError == nil || *got.LastError != want {
		t.Fatalf("expected lastError %q, got %v", want, got.LastError)
	}
}

func TestRetryRequeuesAtFront(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := testConfig()
	eng := NewEngine(cfg, fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	first := newSceneJob(t, fc.Now())
	second := newSceneJob(t, fc.Now())
	third := newSceneJob(t, fc.Now())
	for _, j := range []*models.Job{first, second, third} {
		if err := eng.Enqueue(j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := eng.ReportStatus(first.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	// second is now dispatched, third queued. first times out and must
	// cut in line ahead of third.
	fc.Advance(cfg.JobTimeout)

	ids := eng.PendingIDs()
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != third.ID {
		t.Fatalf("expected pending [%s %s], got %v", first.ID, third.ID, ids)
	}
}

func TestDisconnectFailsRunningJobs(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	running := newSceneJob(t, fc.Now())
	dispatched := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(running); err != nil {
		t.Fatalf("Enqueue running: %v", err)
	}
	if err := eng.ReportStatus(running.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.Enqueue(dispatched); err != nil {
		t.Fatalf("Enqueue dispatched: %v", err)
	}

	eng.SetEngineConnected(false, "")

	got, _ := eng.GetJob(running.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected running job failed on disconnect, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != EngineDisconnectedError {
		t.Fatalf("expected %s, got %v", EngineDisconnectedError, got.LastError)
	}

	// The grace watchdog must not promote the dispatched job against a
	// dead engine.
	fc.Advance(time.Second)
	got, _ = eng.GetJob(dispatched.ID)
	if got.Status != models.StatusDispatched {
		t.Fatalf("expected dispatched job held, got %s", got.Status)
	}

	failed := eng.FailedJobs()
	if len(failed) != 1 || failed[0].ID != running.ID {
		t.Fatalf("expected one failed job, got %v", failed)
	}
}

func TestReconnectRebuildsPendingExactlyOnce(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	var disp dispatchCapture
	eng := NewEngine(testConfig(), fc, nil, disp.fn)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	first := newSceneJob(t, fc.Now())
	fc.Advance(10 * time.Millisecond)
	second := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := eng.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	// first is dispatched, second queued.
	eng.SetEngineConnected(false, "")
	disp.jobs = nil

	eng.SetEngineConnected(true, "eng-2")

	// first stepped back to queued and was queued earlier, so it leads
	// the rebuilt queue and goes out first.
	if len(disp.jobs) != 1 || disp.jobs[0].ID != first.ID {
		t.Fatalf("expected redispatch of %s, got %v", first.ID, disp.jobs)
	}
	ids := eng.PendingIDs()
	if len(ids) != 1 || ids[0] != second.ID {
		t.Fatalf("expected pending [%s], got %v", second.ID, ids)
	}
	if got, _ := eng.GetJob(first.ID); got.EngineID != "eng-2" {
		t.Fatalf("expected job re-bound to eng-2, got %q", got.EngineID)
	}
}

func TestBatchCompletionFanIn(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	var fired []string
	eng.OnBatchFinished(func(batchID, userID string) {
		fired = append(fired, batchID+"/"+userID)
	})

	first := newSceneJob(t, fc.Now())
	second := newSceneJob(t, fc.Now())
	batchID, err := eng.EnqueueBatch([]*models.Job{first, second}, "user-1")
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	for _, j := range []*models.Job{first, second} {
		if err := eng.ReportStatus(j.ID, models.StatusRunning, ""); err != nil {
			t.Fatalf("to running: %v", err)
		}
		if err := eng.ReportStatus(j.ID, models.StatusCompleted, ""); err != nil {
			t.Fatalf("to completed: %v", err)
		}
	}

	if len(fired) != 1 || fired[0] != batchID+"/user-1" {
		t.Fatalf("expected exactly one fan-in for %s, got %v", batchID, fired)
	}
}

func TestBatchAbandonedOnTerminalFailure(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	var fired []string
	eng.OnBatchFinished(func(batchID, userID string) {
		fired = append(fired, batchID)
	})

	first := newSceneJob(t, fc.Now())
	second := newSceneJob(t, fc.Now())
	if _, err := eng.EnqueueBatch([]*models.Job{first, second}, "user-1"); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	if err := eng.ReportStatus(first.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(first.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := eng.ReportStatus(second.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(second.ID, models.StatusFailed, "boom"); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	if len(fired) != 0 {
		t.Fatalf("fan-in fired for a batch with a failed job: %v", fired)
	}
	if n := len(eng.batches); n != 0 {
		t.Fatalf("failed batch entry leaked, %d remaining", n)
	}
}

func TestBatchShrinksWhenEnqueueRejected(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	eng := NewEngine(testConfig(), fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	var fired []string
	eng.OnBatchFinished(func(batchID, userID string) {
		fired = append(fired, batchID)
	})

	dup := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(dup); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The duplicate is rejected mid-batch; fan-in must only wait on the job
	// that actually entered the queue.
	ok := newSceneJob(t, fc.Now())
	batchID, err := eng.EnqueueBatch([]*models.Job{ok, dup}, "user-1")
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	if err := eng.ReportStatus(dup.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("dup to running: %v", err)
	}
	if err := eng.ReportStatus(dup.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("dup to completed: %v", err)
	}
	if err := eng.ReportStatus(ok.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(ok.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	if len(fired) != 1 || fired[0] != batchID {
		t.Fatalf("expected fan-in for %s after its only queued job, got %v", batchID, fired)
	}
	if n := len(eng.batches); n != 0 {
		t.Fatalf("batch entry leaked, %d remaining", n)
	}
}

func TestBatchAbandonedOnSweep(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.SweepInterval = time.Minute
	cfg.StaleThreshold = 2 * time.Minute
	eng := NewEngine(cfg, fc, nil, nil)
	defer eng.Stop()

	var fired []string
	eng.OnBatchFinished(func(batchID, userID string) {
		fired = append(fired, batchID)
	})

	// Engine stays disconnected, so the batch job rots until the sweep
	// takes it.
	job := newSceneJob(t, fc.Now())
	if _, err := eng.EnqueueBatch([]*models.Job{job}, "user-1"); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	fc.Advance(time.Minute)
	fc.Advance(2 * time.Minute)
	if _, ok := eng.GetJob(job.ID); ok {
		t.Fatalf("stale job survived the sweep")
	}
	if len(fired) != 0 {
		t.Fatalf("fan-in fired for a swept batch: %v", fired)
	}
	if n := len(eng.batches); n != 0 {
		t.Fatalf("swept batch entry leaked, %d remaining", n)
	}
}

func TestSweepEvictsStaleJobs(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := testConfig()
	cfg.SweepInterval = time.Minute
	cfg.StaleThreshold = 2 * time.Minute
	eng := NewEngine(cfg, fc, nil, nil)
	defer eng.Stop()

	// Engine stays disconnected, so the job rots in the pending queue.
	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fc.Advance(time.Minute)
	if _, ok := eng.GetJob(job.ID); !ok {
		t.Fatalf("job swept before the stale threshold")
	}

	fc.Advance(2 * time.Minute)
	if _, ok := eng.GetJob(job.ID); ok {
		t.Fatalf("expected stale job swept")
	}
	if ids := eng.PendingIDs(); len(ids) != 0 {
		t.Fatalf("expected empty pending queue, got %v", ids)
	}
}

func TestGarbageCollectsTerminalJobs(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	cfg := testConfig()
	eng := NewEngine(cfg, fc, nil, nil)
	defer eng.Stop()
	eng.SetEngineConnected(true, "eng-1")

	job := newSceneJob(t, fc.Now())
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := eng.ReportStatus(job.ID, models.StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	fc.Advance(cfg.GCDelay)
	if _, ok := eng.GetJob(job.ID); ok {
		t.Fatalf("expected terminal job garbage collected")
	}
}
