package task

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status ends the workflow. Expired is a
// post-terminal bookkeeping state reached only from a terminal one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ErrorKind is the failure taxonomy carried by failed tasks.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindEngine     ErrorKind = "engine"
	KindStorage    ErrorKind = "storage"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

// Task is one diarization job tracked end to end by id.
type Task struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	SourceAudio      string     `json:"source_audio,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	CallbackURL      string     `json:"callback_url,omitempty"`
	ErrorKind        ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Metadata         *Metadata  `json:"metadata,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Segment is one contiguous speaker-attributed audio span inside a task.
type Segment struct {
	FilePath        string  `json:"file_path"`
	StartTime       float64 `json:"start_time"`
	EndTime         float64 `json:"end_time"`
	DurationSeconds float64 `json:"duration_seconds"`
	Confidence      float64 `json:"confidence"`
}

// Speaker is one identified voice with its extracted segments. Labels follow
// first appearance in the engine output (speaker_0, speaker_1, ...).
type Speaker struct {
	SpeakerID                string    `json:"speaker_id"`
	Segments                 []Segment `json:"segments"`
	TotalSegments            int       `json:"total_segments"`
	TotalSpeakingTimeSeconds float64   `json:"total_speaking_time_seconds"`
	AverageConfidence        float64   `json:"average_confidence"`
}

// AudioInfo describes the normalized input signal.
type AudioInfo struct {
	OriginalFilename string  `json:"original_filename"`
	DurationSeconds  float64 `json:"duration_seconds"`
	SampleRate       int     `json:"sample_rate"`
	Channels         int     `json:"channels"`
}

// DiarizationResults holds the aggregate counts for a completed task.
type DiarizationResults struct {
	TotalSpeakers         int     `json:"total_speakers"`
	TotalSegments         int     `json:"total_segments"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// Metadata is the canonical result document, produced once at completion and
// immutable afterwards. It is serialized into the bundle and returned by the
// metadata endpoint.
type Metadata struct {
	TaskID    string             `json:"task_id"`
	AudioInfo AudioInfo          `json:"audio_info"`
	Results   DiarizationResults `json:"diarization_results"`
	Speakers  []Speaker          `json:"speakers"`
}

// StatusDocument is the status-query payload. The API layer serializes it
// verbatim, and it doubles as the callback body.
type StatusDocument struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   ErrorKind  `json:"error_code,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	Metadata    *Metadata  `json:"metadata,omitempty"`
}
