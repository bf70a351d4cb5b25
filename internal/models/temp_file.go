package models

// StagedFile represents an upload written to the quarantine directory.
type StagedFile struct {
	FileName   string `json:"file_name"`
	StoredPath string `json:"stored_path"`
	Size       int64  `json:"size"`
}
