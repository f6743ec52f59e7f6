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
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// EnrollmentStore persists enrollment records.
type EnrollmentStore struct {
	db *gorm.DB
}

var _ enrollment.RecordStore = (*EnrollmentStore)(nil)

// NewEnrollmentStore creates a store on db.
func NewEnrollmentStore(db *gorm.DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

// Save inserts e. Inserting an existing id fails.
func (s *EnrollmentStore) Save(ctx context.Context, e *enrollment.Enrollment) error {
	if err := s.db.WithContext(ctx).Create(recordFrom(e)).Error; err != nil {
		return fmt.Errorf("save enrollment %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes the enrollment. A missing record is not an error.
func (s *EnrollmentStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&EnrollmentRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete enrollment %s: %w", id, err)
	}
	return nil
}

// Get loads one enrollment.
func (s *EnrollmentStore) Get(ctx context.Context, id string) (*enrollment.Enrollment, error) {
	var rec EnrollmentRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment %s: %w", id, err)
	}
	return rec.toEnrollment(), nil
}

// ListByStudent returns the student's enrollments, newest first.
func (s *EnrollmentStore) ListByStudent(ctx context.Context, studentID string) ([]*enrollment.Enrollment, error) {
	var recs []EnrollmentRecord
	err := s.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list enrollments of %s: %w", studentID, err)
	}
	out := make([]*enrollment.Enrollment, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toEnrollment())
	}
	return out, nil
}
