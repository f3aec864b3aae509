package entity

import (
	"encoding/json"
	"time"

	"github.com/filetrack/filetrack/constants"
)

// File represents an uploaded file for data transfer between layers.
type File struct {
	ID            int64                `json:"id"`
	OwnerID       int64                `json:"owner_id"`
	Filename      string               `json:"filename"`
	Locator       string               `json:"locator"`
	Title         *string              `json:"title,omitempty"`
	Description   *string              `json:"description,omitempty"`
	Status        constants.FileStatus `json:"status"`
	ExtractedData json.RawMessage      `json:"extracted_data,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}
