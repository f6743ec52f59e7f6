// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package repository stores enrollments, course histories and eligibility
// data in a relational database through gorm.
package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// EnrollmentRecord is the enrollments table.
type EnrollmentRecord struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	StudentID   string    `gorm:"type:varchar(64);not null;index:idx_student_course" json:"student_id"`
	CourseID    string    `gorm:"type:varchar(64);not null;index:idx_student_course" json:"course_id"`
	Status      string    `gorm:"type:varchar(16);not null" json:"status"`
	ReceiptID   string    `gorm:"type:varchar(64);not null" json:"receipt_id"`
	AmountCents int64     `gorm:"not null" json:"amount_cents"`
	Currency    string    `gorm:"type:char(3);not null" json:"currency"`
	SagaID      string    `gorm:"type:varchar(36);not null" json:"saga_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName overrides the table name.
func (EnrollmentRecord) TableName() string {
	return "enrollments"
}

func recordFrom(e *enrollment.Enrollment) *EnrollmentRecord {
	return &EnrollmentRecord{
		ID:          e.ID,
		StudentID:   e.StudentID,
		CourseID:    e.CourseID,
		Status:      string(e.Status),
		ReceiptID:   e.ReceiptID,
		AmountCents: e.AmountCents,
		Currency:    e.Currency,
		SagaID:      e.SagaID,
		CreatedAt:   e.CreatedAt,
	}
}

func (r *EnrollmentRecord) toEnrollment() *enrollment.Enrollment {
	return &enrollment.Enrollment{
		ID:          r.ID,
		StudentID:   r.StudentID,
		CourseID:    r.CourseID,
		Status:      enrollment.Status(r.Status),
		ReceiptID:   r.ReceiptID,
		AmountCents: r.AmountCents,
		Currency:    r.Currency,
		SagaID:      r.SagaID,
		CreatedAt:   r.CreatedAt,
	}
}

// CourseHistory links a student to a course they are enrolled in.
type CourseHistory struct {
	StudentID    string    `gorm:"type:varchar(64);primaryKey" json:"student_id"`
	CourseID     string    `gorm:"type:varchar(64);primaryKey" json:"course_id"`
	EnrollmentID string    `gorm:"type:varchar(36);not null" json:"enrollment_id"`
	AttachedAt   time.Time `json:"attached_at"`
}

// CoursePrerequisite states that CourseID requires RequiresCourseID.
type CoursePrerequisite struct {
	CourseID         string `gorm:"type:varchar(64);primaryKey" json:"course_id"`
	RequiresCourseID string `gorm:"type:varchar(64);primaryKey" json:"requires_course_id"`
}

// CompletedCourse records a course a student has passed.
type CompletedCourse struct {
	StudentID   string    `gorm:"type:varchar(64);primaryKey" json:"student_id"`
	CourseID    string    `gorm:"type:varchar(64);primaryKey" json:"course_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// AutoMigrate creates or updates the tables used by this package.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EnrollmentRecord{}, &CourseHistory{}, &CoursePrerequisite{}, &CompletedCourse{})
}
