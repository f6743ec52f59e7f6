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

package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// HistoryStore maintains course_histories.
type HistoryStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ enrollment.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a store on db.
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

func (s *HistoryStore) Attach(ctx context.Context, studentID, courseID, enrollmentID string) error {
	entry := &CourseHistory{
		StudentID:    studentID,
		CourseID:     courseID,
		EnrollmentID: enrollmentID,
		AttachedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("attach %s to %s: %w", courseID, studentID, err)
	}
	return nil
}

func (s *HistoryStore) Detach(ctx context.Context, studentID, courseID string) error {
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND course_id = ?", studentID, courseID).
		Delete(&CourseHistory{}).Error
	if err != nil {
		return fmt.Errorf("detach %s from %s: %w", courseID, studentID, err)
	}
	return nil
}

// Courses lists the course ids in the student's history.
func (s *HistoryStore) Courses(ctx context.Context, studentID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&CourseHistory{}).
		Where("student_id = ?", studentID).
		Pluck("course_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", studentID, err)
	}
	return ids, nil
}
