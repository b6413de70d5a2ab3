package domain

import "time"

// OutputKind enumerates artifact types.
type OutputKind string

const (
	OutputKindImage OutputKind = "image"
	OutputKindVideo OutputKind = "video"
)

// KindForMIME maps a MIME type onto an output kind, defaulting to image.
func KindForMIME(mime string) OutputKind {
	if len(mime) >= 6 && mime[:6] == "video/" {
		return OutputKindVideo
	}
	return OutputKindImage
}

// Output represents a generated artifact belonging to a completed job.
type Output struct {
	ID              string     `json:"id"`
	JobID           string     `json:"jobId"`
	FileRef         string     `json:"fileRef"`
	Kind            OutputKind `json:"kind"`
	MIME            string     `json:"mime,omitempty"`
	Width           int        `json:"width,omitempty"`
	Height          int        `json:"height,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// OutputDescriptor is returned by providers to describe produced artifacts
// prior to transfer and persistence.
type OutputDescriptor struct {
	URL             string
	MIME            string
	Kind            OutputKind
	Width           int
	Height          int
	DurationSeconds *float64
	Data            []byte
}

// ResultState is the provider-reported state of a generation.
type ResultState string

const (
	ResultPending   ResultState = "pending"
	ResultSucceeded ResultState = "succeeded"
	ResultFailed    ResultState = "failed"
	ResultCancelled ResultState = "cancelled"
)

// ProviderResult is what every reconciliation trigger feeds into the reconciler.
type ProviderResult struct {
	State   ResultState
	Outputs []OutputDescriptor
	Error   string
}

// Failure builds a failed result carrying msg.
func Failure(msg string) ProviderResult {
	return ProviderResult{State: ResultFailed, Error: msg}
}
