package dto

import "time"

// FileUploadResponse describes a stored file. Only Reference is persisted by other records.
type FileUploadResponse struct {
	Reference string `json:"reference"`
	Category  string `json:"category"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// SignedURLResponse is an ephemeral download link for a stored file.
type SignedURLResponse struct {
	Reference string    `json:"reference"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
