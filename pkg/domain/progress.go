package domain

import (
	"encoding"
	"time"
)

type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventStageComplete EventKind = "stage_complete"
	EventError         EventKind = "error"
	EventComplete      EventKind = "complete"
	EventCancelled     EventKind = "cancelled"
)

// Terminal reports whether this is the last event published for a task.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError || k == EventCancelled
}

// ProgressEvent is an immutable record published once per progress update.
// Events are not persisted verbatim; only their latest summary is folded
// back into the GenerationTask.
type ProgressEvent struct {
	Kind      EventKind      `json:"type"`
	TaskID    string         `json:"taskId"`
	UserID    string         `json:"userId,omitempty"`
	Stage     Stage          `json:"stage"`
	Progress  int            `json:"progress"` // stage-local 0-100
	Overall   int            `json:"overallProgress"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

var (
	_ encoding.BinaryMarshaler = EventKind("")
	_ encoding.TextMarshaler   = EventKind("")
)

func (k EventKind) MarshalBinary() ([]byte, error) { return []byte(string(k)), nil }
func (k EventKind) MarshalText() ([]byte, error)   { return []byte(string(k)), nil }
