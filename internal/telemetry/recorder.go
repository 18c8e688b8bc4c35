package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Telemetry event names emitted by the lifecycle engine.
const (
	EventJobQueued      = "JOB_QUEUED"
	EventJobDispatched  = "JOB_DISPATCHED"
	EventJobStarted     = "JOB_STARTED"
	EventJobProgress    = "JOB_PROGRESS"
	EventJobCompleted   = "JOB_COMPLETED"
	EventJobFailed      = "JOB_FAILED"
	EventJobRetried     = "JOB_RETRIED"
	EventJobSwept       = "JOB_SWEPT"
	EventSceneLoaded    = "SCENE_LOADED"
	EventEntitySpawned  = "ENTITY_SPAWNED"
	EventAssetsLoaded   = "ASSETS_LOADED"
	EventDispatchUnack  = "DISPATCH_UNACKED"
	EventEngineAttached = "ENGINE_CONNECTED"
	EventEngineLost     = "ENGINE_DISCONNECTED"
)

// Record is one append-only telemetry entry. Seq is strictly increasing by 1
// across the process run.
type Record struct {
	Seq      uint64         `json:"seq"`
	Event    string         `json:"event"`
	JobID    string         `json:"jobId,omitempty"`
	EngineID string         `json:"engineId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Ts       time.Time      `json:"ts"`
}

// Recorder is the single writer of the telemetry sequence. Subscribers are
// notified in registration order while the sequence lock is held, so every
// subscriber observes records in sequence order.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	log    []Record
	maxLog int
	file   *os.File
	subs   []func(Record)
	now    func() time.Time
}

// NewRecorder builds a recorder keeping up to maxLog records in memory. If
// path is non-empty, records are also appended as JSON lines to that file.
func NewRecorder(maxLog int, path string) (*Recorder, error) {
	if maxLog <= 0 {
		maxLog = 500
	}
	r := &Recorder{maxLog: maxLog, now: time.Now}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open telemetry log: %w", err)
		}
		r.file = f
	}
	return r, nil
}

// Subscribe registers a callback for every future record. Callbacks must be
// quick and must not call back into the recorder.
func (r *Recorder) Subscribe(fn func(Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Record appends one telemetry entry and returns it with its sequence number.
func (r *Recorder) Record(event, jobID, engineID string, payload map[string]any) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec := Record{
		Seq:      r.seq,
		Event:    event,
		JobID:    jobID,
		EngineID: engineID,
		Payload:  payload,
		Ts:       r.now(),
	}
	r.log = append(r.log, rec)
	if len(r.log) > r.maxLog {
		r.log = r.log[len(r.log)-r.maxLog:]
	}
	if r.file != nil {
		if b, err := json.Marshal(rec); err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	for _, fn := range r.subs {
		fn(rec)
	}
	return rec
}

// Tail returns up to n most recent records, newest first.
func (r *Recorder) Tail(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.log) {
		n = len(r.log)
	}
	out := make([]Record, 0, n)
	for i := len(r.log) - 1; i >= len(r.log)-n; i-- {
		out = append(out, r.log[i])
	}
	return out
}

// Seq returns the last assigned sequence number.
func (r *Recorder) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Close releases the optional file sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
