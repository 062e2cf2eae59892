package models

import "time"

// FileCategory groups stored files by the role they play in an assessment.
type FileCategory string

const (
	// FileCategoryAssessment holds files attached to an assessment definition.
	FileCategoryAssessment FileCategory = "assessment"
	// FileCategorySubmission holds files submitted by students.
	FileCategorySubmission FileCategory = "submission"
	// FileCategoryFeedback holds feedback files uploaded by assessors.
	FileCategoryFeedback FileCategory = "feedback"
)

// UploadRecord stores metadata for an uploaded file. Only the opaque
// Reference is handed to other records; URLs are resolved on demand.
type UploadRecord struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	UploadedBy *uint        `gorm:"index" json:"uploaded_by"`
	Category   FileCategory `gorm:"size:32;not null;index" json:"category"`
	Reference  string       `gorm:"size:512;not null;uniqueIndex" json:"reference"`
	FileName   string       `gorm:"size:255;not null" json:"file_name"`
	MimeType   string       `gorm:"size:128;not null" json:"mime_type"`
	SizeBytes  int64        `gorm:"not null" json:"size_bytes"`
	Checksum   string       `gorm:"size:128;index" json:"checksum"`
	CreatedAt  time.Time    `json:"created_at"`
}
