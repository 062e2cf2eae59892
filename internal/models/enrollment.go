package models

import "time"

// Enrollment records when a student joined a course. Due dates are counted from EnrolledAt.
type Enrollment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StudentID  uint      `gorm:"not null;uniqueIndex:idx_enrollment_student_course" json:"student_id"`
	CourseID   uint      `gorm:"not null;uniqueIndex:idx_enrollment_student_course" json:"course_id"`
	EnrolledAt time.Time `gorm:"not null" json:"enrolled_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
