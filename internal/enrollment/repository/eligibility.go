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

	"gorm.io/gorm"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// EligibilityChecker rejects duplicate active enrollments and students who
// have not completed a course's prerequisites.
type EligibilityChecker struct {
	db *gorm.DB
}

var _ enrollment.EligibilityValidator = (*EligibilityChecker)(nil)

// NewEligibilityChecker creates a checker on db.
func NewEligibilityChecker(db *gorm.DB) *EligibilityChecker {
	return &EligibilityChecker{db: db}
}

func (c *EligibilityChecker) Validate(ctx context.Context, studentID, courseID string) error {
	db := c.db.WithContext(ctx)

	var active int64
	err := db.Model(&EnrollmentRecord{}).
		Where("student_id = ? AND course_id = ? AND status = ?", studentID, courseID, string(enrollment.StatusActive)).
		Count(&active).Error
	if err != nil {
		return fmt.Errorf("count enrollments: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%w: already enrolled in %s", enrollment.ErrNotEligible, courseID)
	}

	var required []string
	err = db.Model(&CoursePrerequisite{}).
		Where("course_id = ?", courseID).
		Pluck("requires_course_id", &required).Error
	if err != nil {
		return fmt.Errorf("load prerequisites: %w", err)
	}
	if len(required) == 0 {
		return nil
	}

	var completed int64
	err = db.Model(&CompletedCourse{}).
		Where("student_id = ? AND course_id IN ?", studentID, required).
		Count(&completed).Error
	if err != nil {
		return fmt.Errorf("count completed courses: %w", err)
	}
	if completed < int64(len(required)) {
		return fmt.Errorf("%w: %d of %d prerequisites of %s completed",
			enrollment.ErrNotEligible, completed, len(required), courseID)
	}
	return nil
}
