package jobs

import (
	"time"
)

// Stage represents the lifecycle stage of an OCR job.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageTranscribing Stage = "transcribing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Job describes a single vision OCR request.
type Job struct {
	ID             string         // UUIDv4
	ImagePath      string         // absolute or storage-relative path to the uploaded image (temporary)
	MimeType       string         // image mime (image/png, image/jpeg)
	Temperature    float64        // decoding temperature passed to the model verbatim
	PromptStyle    string         // "text" or "markdown"; selects the built-in prompt
	PromptOverride *string        // optional full prompt text replacing the built-in one
	CallbackURL    *string        // optional callback
	Metadata       map[string]any // optional arbitrary metadata
	Stage          Stage          // current stage
	FailureKind    *string        // encoding|response|unexpected when failed
	ErrorMessage   *string        // last error, if any
	ResultText     *string        // stripped transcription on success
	CreatedAt      time.Time      // creation time
	StartedAt      *time.Time     // when processing actually started
	CompletedAt    *time.Time     // when finished (success or failure)
}

// Store defines persistence for Jobs and their lifecycle.
type Store interface {
	CreateJob(job *Job) error
	UpdateStage(id string, stage Stage, startedAt *time.Time) error
	SaveResult(id string, text string, completedAt time.Time) error
	SaveError(id string, failureKind, errMsg string, completedAt time.Time) error
	GetJob(id string) (*Job, error)
	Close() error
}
