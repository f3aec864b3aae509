package constants

import "strings"

// JobTypeMetadata is the shipped processing unit; the registry is a closed
// set, so new types are added here alongside their processor.
const JobTypeMetadata = "metadata"

// AllowedExtensions holds the default allowed file extensions for the
// upload directory watcher.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"txt":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
