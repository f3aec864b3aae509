package constants

// FileStatus is the canonical status for rows in files.
type FileStatus string

// Stable values (store these exact strings in DB).
const (
	FileStatusUploaded   FileStatus = "uploaded"   // registered, waiting for a worker
	FileStatusProcessing FileStatus = "processing" // a worker owns the file right now
	FileStatusProcessed  FileStatus = "processed"  // latest attempt completed
	FileStatusFailed     FileStatus = "failed"     // latest attempt failed
)

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued" // optional: created before a worker picks it up
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed" // terminal failure for this attempt
)

// ValidFileStatus reports whether s is one of the stable file statuses.
func ValidFileStatus(s FileStatus) bool {
	switch s {
	case FileStatusUploaded, FileStatusProcessing, FileStatusProcessed, FileStatusFailed:
		return true
	}
	return false
}
