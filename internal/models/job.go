package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status enumerates job lifecycle states. Transitions between them are
// validated by the queue engine; nothing else writes Status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType tags the payload variant a job carries.
type JobType string

const (
	JobBuildScene  JobType = "BUILD_SCENE"
	JobLoadAssets  JobType = "LOAD_ASSETS"
	JobSpawnEntity JobType = "SPAWN_ENTITY"
	JobStartLoop   JobType = "START_LOOP"
	JobEndGame     JobType = "END_GAME"
)

// JobPayload is the tagged union of per-type payload shapes. Each variant is
// checked at construction by NewJob.
type JobPayload interface {
	JobType() JobType
}

// ScenePayload carries the scene description for a BUILD_SCENE job.
type ScenePayload struct {
	SceneID      string     `json:"sceneId"`
	AmbientLight [3]float64 `json:"ambientLight"`
	Skybox       string     `json:"skybox"`
	Gravity      [3]float64 `json:"gravity"`
}

func (ScenePayload) JobType() JobType { return JobBuildScene }

// AssetsPayload lists the deduplicated, sorted assets for a LOAD_ASSETS job.
type AssetsPayload struct {
	Assets []string `json:"assets"`
}

func (AssetsPayload) JobType() JobType { return JobLoadAssets }

// EntityPayload carries one entity verbatim for a SPAWN_ENTITY job.
type EntityPayload struct {
	ID         string      `json:"id"`
	EntityType string      `json:"type"`
	Transform  *Transform  `json:"transform,omitempty"`
	Material   *Material   `json:"material,omitempty"`
	Components *Components `json:"components,omitempty"`
}

func (EntityPayload) JobType() JobType { return JobSpawnEntity }

// LoopPayload carries game parameters verbatim for a START_LOOP job.
type LoopPayload struct {
	Params map[string]any `json:"params"`
}

func (LoopPayload) JobType() JobType { return JobStartLoop }

// EndGamePayload closes out a game session.
type EndGamePayload struct {
	Reason     string `json:"reason"`
	FinalScore int    `json:"finalScore"`
	Duration   int64  `json:"duration"`
}

func (EndGamePayload) JobType() JobType { return JobEndGame }

// Transform positions an entity in the scene.
type Transform struct {
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"`
	Scale    [3]float64 `json:"scale"`
}

// Material describes an entity's surface.
type Material struct {
	Color   string `json:"color,omitempty"`
	Texture string `json:"texture,omitempty"`
}

// Components holds optional entity components.
type Components struct {
	Mesh     string  `json:"mesh,omitempty"`
	Collider string  `json:"collider,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// Job represents one unit of engine work. The queue engine is the single
// writer of Status and the lifecycle timestamps.
type Job struct {
	ID       string     `json:"jobId"`
	Type     JobType    `json:"jobType"`
	Status   Status     `json:"status"`
	Payload  JobPayload `json:"payload"`
	UserID   string     `json:"userId,omitempty"`
	BatchID  string     `json:"batchId,omitempty"`
	EngineID string     `json:"engineId,omitempty"`

	RetryCount int     `json:"retryCount"`
	LastError  *string `json:"lastError,omitempty"`

	SubmittedAt  time.Time  `json:"submittedAt"`
	QueuedAt     time.Time  `json:"queuedAt,omitempty"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
}

// NewJob creates a job for a payload variant, generating its identity.
func NewJob(payload JobPayload, now time.Time) (*Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("job payload is required")
	}
	switch p := payload.(type) {
	case ScenePayload:
		if p.SceneID == "" {
			return nil, fmt.Errorf("scene payload missing sceneId")
		}
	case AssetsPayload:
		// An empty asset list is legal.
	case EntityPayload:
		if p.ID == "" {
			return nil, fmt.Errorf("entity payload missing id")
		}
	case LoopPayload:
		if p.Params == nil {
			return nil, fmt.Errorf("loop payload missing params")
		}
	case EndGamePayload:
	default:
		return nil, fmt.Errorf("unknown job payload %T", payload)
	}
	return &Job{
		ID:          uuid.New().String(),
		Type:        payload.JobType(),
		Payload:     payload,
		SubmittedAt: now,
	}, nil
}

// Duration returns the time from dispatch to terminal state, or zero if the
// job is not terminal yet.
func (j *Job) Duration() time.Duration {
	if j.DispatchedAt == nil {
		return 0
	}
	switch {
	case j.CompletedAt != nil:
		return j.CompletedAt.Sub(*j.DispatchedAt)
	case j.FailedAt != nil:
		return j.FailedAt.Sub(*j.DispatchedAt)
	}
	return 0
}
