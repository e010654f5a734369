package journal

import "time"

// Outcome values stored with each record.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// RenderRecord is one kicad-cli invocation.
type RenderRecord struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:64" json:"id"`
	RequestID        string `gorm:"column:request_id;size:64" json:"request_id,omitempty"`
	Version          string `gorm:"column:version;size:190;not null" json:"version"`
	Object           string `gorm:"column:object;size:190;not null" json:"object"`
	Mode             string `gorm:"column:mode;size:16;not null" json:"mode"`
	FitBoard         bool   `gorm:"column:fit_board;not null" json:"fit_board"`
	DurationMillis   int64  `gorm:"column:duration_ms;not null" json:"duration_ms"`
	Outcome          string `gorm:"column:outcome;size:32;not null" json:"outcome"`
	ErrorMessage     string `gorm:"column:error_message" json:"error,omitempty"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index" json:"created_at_s"`
}

func (RenderRecord) TableName() string {
	return "render_records"
}

// Entry describes a finished render to be recorded.
type Entry struct {
	RequestID string
	Version   string
	Object    string
	Mode      string
	FitBoard  bool
	Duration  time.Duration
	Err       error
}
