package runlog

// EntryType classifies a run log entry
type EntryType string

const (
	EntryInfo    EntryType = "info"
	EntryError   EntryType = "error"
	EntrySuccess EntryType = "success"
)

// Stage names the part of an invocation an entry belongs to
type Stage string

const (
	StageStartup         Stage = "startup"
	StageHTTP            Stage = "http"
	StageParsingResponse Stage = "parsing_response"
	StageQueueManagement Stage = "queue_management"
	StageOutput          Stage = "output"
	StageOther           Stage = "other"
)

// Entry is one line of the run log
type Entry struct {
	Type     EntryType `json:"type"`
	TimeMs   int64     `json:"timeMs"`
	Stage    Stage     `json:"stage,omitempty"`
	Message  string    `json:"message"`
	Endpoint string    `json:"endpoint,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// Record is the outcome of one endpoint call
type Record struct {
	Endpoint     string `json:"endpoint"`
	DateTime     string `json:"dateTime"`
	FilesWritten int    `json:"filesWritten"`
	FilesSkipped int    `json:"filesSkipped"`
	Total        int    `json:"total"`
	Days         int    `json:"days"`
	Failed       bool   `json:"failed"`
	Error        string `json:"error,omitempty"`
}

// document is the on-disk run log
type document struct {
	RunID         string  `json:"runId"`
	Integration   string  `json:"integration"`
	DateTime      string  `json:"dateTime"`
	StartTimeMs   int64   `json:"startTimeMs"`
	EndTimeMs     int64   `json:"endTimeMs"`
	RunDurationMs int64   `json:"runDurationMs"`
	Entries       []Entry `json:"entries"`
}
