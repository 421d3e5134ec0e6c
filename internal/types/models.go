package types

import (
	"io"
	"time"
)

// CallStatus is the persisted lifecycle state of one call.
type CallStatus string

const (
	CallCreated      CallStatus = "created"
	CallUploading    CallStatus = "uploading"
	CallUploaded     CallStatus = "uploaded"
	CallProcessing   CallStatus = "processing"
	CallTranscribing CallStatus = "transcribing"
	CallStoring      CallStatus = "storing"
	CallCompleted    CallStatus = "completed"
	CallFailed       CallStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed
}

// Step names one of the fixed pipeline stages.
type Step string

const (
	StepUpload          Step = "upload"
	StepAudioProcessing Step = "audio_processing"
	StepTranscription   Step = "transcription"
	StepDatabaseStorage Step = "database_storage"
)

// Steps lists the stages in execution order.
var Steps = []Step{StepUpload, StepAudioProcessing, StepTranscription, StepDatabaseStorage}

// Index returns the position of s in Steps, or -1.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Call struct {
	CallID           string     `json:"call_id"`
	FilePath         string     `json:"file_path"`
	OriginalFilename string     `json:"original_filename"`
	FileSizeBytes    int64      `json:"file_size_bytes"`
	DurationSeconds  float64    `json:"duration_seconds,omitempty"`
	Status           CallStatus `json:"status"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AudioFile is one uploaded file as handed to the pipeline.
type AudioFile struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
	// Language overrides detection for this file when set.
	Language string
}

type FileInfo struct {
	Filename    string `json:"filename"`
	Extension   string `json:"extension"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	FileInfo FileInfo `json:"file_info"`
}

type ConversionResult struct {
	Success    bool   `json:"success"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

type AnalysisResult struct {
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	BitRate         int64   `json:"bit_rate,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type SegmentResult struct {
	Success    bool    `json:"success"`
	OutputPath string  `json:"output_path,omitempty"`
	Start      float64 `json:"start"`
	Duration   float64 `json:"duration"`
	Error      string  `json:"error,omitempty"`
}

type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogProb float64 `json:"avg_logprob,omitempty"`
}

type TranscriptionResult struct {
	Success    bool      `json:"success"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments,omitempty"`
	WordCount  int       `json:"word_count"`
	Model      string    `json:"model,omitempty"`
	Task       string    `json:"task,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type SaveResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Analysis is the derived view of a transcript stored next to it.
type Analysis struct {
	WordCount      int      `json:"word_count"`
	CharacterCount int      `json:"character_count"`
	Keywords       []string `json:"keywords"`
	Intent         string   `json:"intent"`
	IntentScore    float64  `json:"intent_score"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore int      `json:"sentiment_score"`
	RiskLevel      string   `json:"risk_level"`
	RiskScore      int      `json:"risk_score"`
	UrgencyLevel   string   `json:"urgency_level"`
	ComplianceRisk string   `json:"compliance_risk"`
}
