package domain

import (
	"encoding"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type TaskLocation string

const (
	LocationPending    TaskLocation = "PENDING_LIST"
	LocationDelayed    TaskLocation = "DELAYED_ZSET"
	LocationInProgress TaskLocation = "INPROG_SET"
	LocationNone       TaskLocation = "NONE"
)

// GenerationRequest is the caller-supplied shape of one end-to-end run.
type GenerationRequest struct {
	EpisodeID      string  `json:"episodeId"`
	ScriptOverride string  `json:"scriptOverride,omitempty"`
	Style          string  `json:"style,omitempty"`
	AspectRatio    string  `json:"aspectRatio,omitempty"`
	TargetDuration int     `json:"targetDuration,omitempty"` // seconds
	AddSubtitles   bool    `json:"addSubtitles"`
	BGMPath        string  `json:"bgmPath,omitempty"`
	BGMVolume      float64 `json:"bgmVolume,omitempty"` // 0-1
	RegenerateFrom Stage   `json:"regenerateFromStage,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	TextProvider   string  `json:"textProvider,omitempty"`
}

// GenerationTask is one requested end-to-end run. It is mutated exclusively
// by the worker executing it; status transitions are monotonic and progress
// is non-decreasing while running.
type GenerationTask struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId,omitempty"`
	EpisodeID string            `json:"episodeId"`
	UserID    string            `json:"userId,omitempty"`
	Request   GenerationRequest `json:"request"`

	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"` // 0-100 overall
	CurrentStage Stage      `json:"currentStage,omitempty"`
	Message      string     `json:"message,omitempty"`

	// Stages holds one result per executed (or reused) stage, keyed by stage
	// name; retained for inspection and partial regeneration.
	Stages map[Stage]*StageResult `json:"stages,omitempty"`

	FinalVideoPath    string `json:"finalVideoPath,omitempty"`
	EstimatedDuration int    `json:"estimatedDuration,omitempty"` // seconds, bitrate estimate
	Error             string `json:"error,omitempty"`

	// TraceParent/TraceState carry W3C trace context so the worker run joins
	// the submitting request's trace.
	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`

	// lastKnownLocation is a hint for targeted cleanup; it is not authoritative.
	LastKnownLocation TaskLocation `json:"lastKnownLocation,omitempty"`
	WorkerID          string       `json:"workerId,omitempty"`
	Attempts          int          `json:"attempts,omitempty"`
	MaxAttempts       int          `json:"maxAttempts,omitempty"`
	Compacted         bool         `json:"compacted,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

var (
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
