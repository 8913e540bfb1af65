// Package core holds the data model shared across the batch scheduler:
// processing options, file tasks and jobs.
package core

import (
	"sync"
	"time"
)

// ImageFormat is one of the target/source formats the codec understands.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "PNG"
	FormatJPEG ImageFormat = "JPEG"
	FormatWEBP ImageFormat = "WEBP"
	FormatGIF  ImageFormat = "GIF"
	FormatBMP  ImageFormat = "BMP"
	FormatTIFF ImageFormat = "TIFF"
	FormatICO  ImageFormat = "ICO"
)

// ProcessingOptions is the fixed, strongly-typed option record (spec §3).
// Unknown keys arriving at the edge are dropped by JSON decoding rather than
// stored here; no warning is logged for them. There is no dynamic options
// dictionary.
type ProcessingOptions struct {
	ResizeWidth         int         `json:"resize_width,omitempty"`
	ResizeHeight        int         `json:"resize_height,omitempty"`
	MaintainAspectRatio bool        `json:"maintain_aspect_ratio"`
	Quality             int         `json:"quality,omitempty"`
	TargetFormat        ImageFormat `json:"target_format,omitempty"`
	RotationAngle       int         `json:"rotation_angle,omitempty"`
	FlipHorizontal      bool        `json:"flip_horizontal,omitempty"`
	FlipVertical        bool        `json:"flip_vertical,omitempty"`
}

// DefaultProcessingOptions returns the documented defaults (spec §3).
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		MaintainAspectRatio: true,
		Quality:             85,
	}
}

// Normalize maps each field to one canonical value — quality 0 becomes 85,
// negative resize dimensions become 0, and any rotation other than 90/180/270
// becomes 0 — so that semantically equivalent option bundles fingerprint
// identically (spec §3, Options canonicalization).
func (o ProcessingOptions) Normalize() ProcessingOptions {
	n := o
	if n.Quality == 0 {
		n.Quality = 85
	}
	if n.ResizeWidth < 0 {
		n.ResizeWidth = 0
	}
	if n.ResizeHeight < 0 {
		n.ResizeHeight = 0
	}
	switch n.RotationAngle {
	case 90, 180, 270:
	default:
		n.RotationAngle = 0
	}
	return n
}

// TaskState is the lifecycle state of a single File Task.
type TaskState string

const (
	TaskPending       TaskState = "PENDING"
	TaskRunning       TaskState = "RUNNING"
	TaskSucceeded     TaskState = "SUCCEEDED"
	TaskFailed        TaskState = "FAILED"
	TaskSkippedCancel TaskState = "SKIPPED_CANCEL"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkippedCancel:
		return true
	default:
		return false
	}
}

// ArtifactMetadata describes a produced conversion artifact.
type ArtifactMetadata struct {
	OriginalFormat  string `json:"original_format"`
	ProcessedFormat string `json:"processed_format"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	ByteSize        int    `json:"byte_size"`
}

// TaskOutcome carries the result of a finished task: either Metadata+Artifact
// are set (success) or ErrorKind/ErrorMessage are set (failure).
type TaskOutcome struct {
	Metadata     *ArtifactMetadata `json:"metadata,omitempty"`
	Artifact     []byte            `json:"-"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// FileTask is one unit of work within a Job.
type FileTask struct {
	TaskID      string       `json:"task_id"`
	SourceName  string       `json:"source_name"`
	SourceBytes []byte       `json:"-"`
	Fingerprint string       `json:"fingerprint"`
	State       TaskState    `json:"state"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Outcome     *TaskOutcome `json:"outcome,omitempty"`
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobCreated   JobState = "CREATED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobCancelled JobState = "CANCELLED"
	JobFailed    JobState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed:
		return true
	default:
		return false
	}
}

// JobCounters tracks per-job completion accounting (spec §8 invariants 1/2).
type JobCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Job is a named collection of file tasks sharing one set of processing
// options. The Job Registry exclusively owns Job instances; every mutation
// goes through registry methods that hold Mu, per spec §3 Ownership.
type Job struct {
	Mu sync.Mutex

	JobID           string
	Options         ProcessingOptions
	Tasks           []*FileTask
	State           JobState
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Counters        JobCounters
	CurrentFileHint string
	FailureReason   string
	Warnings        []string
	cancelled       bool
	terminalNotified bool
}

// RequestCancel flips the cooperative cancellation flag. Safe to call
// concurrently with workers observing IsCancelled.
func (j *Job) RequestCancel() {
	j.Mu.Lock()
	j.cancelled = true
	j.Mu.Unlock()
}

// IsCancelled reports the cooperative cancellation flag (spec §4.3/§5).
func (j *Job) IsCancelled() bool {
	j.Mu.Lock()
	defer j.Mu.Unlock()
	return j.cancelled
}

// CancelledLocked reports the cooperative cancellation flag without taking
// Mu. Callers must already hold Mu (e.g. registry.recomputeCounters, which
// runs inside an UpdateTask critical section).
func (j *Job) CancelledLocked() bool {
	return j.cancelled
}

// ConsumeTerminalNotification reports whether this is the first caller to
// observe j in a terminal state, flipping a one-shot flag. A capacity abort
// (registry.FailJob) and an in-flight task's own completion can both race to
// notice the same terminal state; only the first should trigger a terminal
// progress-bus event.
func (j *Job) ConsumeTerminalNotification() bool {
	j.Mu.Lock()
	defer j.Mu.Unlock()
	if !j.State.Terminal() || j.terminalNotified {
		return false
	}
	j.terminalNotified = true
	return true
}
