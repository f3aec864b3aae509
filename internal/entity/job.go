package entity

import (
	"time"

	"github.com/filetrack/filetrack/constants"
)

// Job represents one processing attempt for a File. Multiple rows may exist
// per file; the most recent by StartedAt is authoritative for "last failure"
// queries.
type Job struct {
	ID           int64               `json:"id"`
	FileID       int64               `json:"file_id"`
	JobType      string              `json:"job_type"`
	Status       constants.JobStatus `json:"status"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}
