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
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

// MemoryStore keeps enrollments and course history in process memory.
// It backs local runs that have no database configured.
type MemoryStore struct {
	enrollments *xsync.MapOf[string, enrollment.Enrollment]
	history     *xsync.MapOf[string, string]
}

var (
	_ enrollment.RecordStore          = (*MemoryStore)(nil)
	_ enrollment.HistoryStore         = (*MemoryStore)(nil)
	_ enrollment.EligibilityValidator = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: xsync.NewMapOf[string, enrollment.Enrollment](),
		history:     xsync.NewMapOf[string, string](),
	}
}

func historyKey(studentID, courseID string) string {
	return studentID + "/" + courseID
}

func (s *MemoryStore) Save(_ context.Context, e *enrollment.Enrollment) error {
	if _, loaded := s.enrollments.LoadOrStore(e.ID, *e); loaded {
		return fmt.Errorf("save enrollment %s: duplicate id", e.ID)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.enrollments.Delete(id)
	return nil
}

// Get returns the enrollment with id.
func (s *MemoryStore) Get(_ context.Context, id string) (*enrollment.Enrollment, error) {
	e, ok := s.enrollments.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// ListByStudent returns the student's enrollments, oldest first.
func (s *MemoryStore) ListByStudent(_ context.Context, studentID string) ([]*enrollment.Enrollment, error) {
	var out []*enrollment.Enrollment
	s.enrollments.Range(func(_ string, e enrollment.Enrollment) bool {
		if e.StudentID == studentID {
			out = append(out, &e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Attach(_ context.Context, studentID, courseID, enrollmentID string) error {
	if _, loaded := s.history.LoadOrStore(historyKey(studentID, courseID), enrollmentID); loaded {
		return fmt.Errorf("attach %s to %s: already attached", courseID, studentID)
	}
	return nil
}

func (s *MemoryStore) Detach(_ context.Context, studentID, courseID string) error {
	s.history.Delete(historyKey(studentID, courseID))
	return nil
}

// Validate rejects a student who already holds an active enrollment in the
// course. There are no prerequisites in memory.
func (s *MemoryStore) Validate(_ context.Context, studentID, courseID string) error {
	enrolled := false
	s.enrollments.Range(func(_ string, e enrollment.Enrollment) bool {
		enrolled = e.StudentID == studentID && e.CourseID == courseID && e.Status == enrollment.StatusActive
		return !enrolled
	})
	if enrolled {
		return fmt.Errorf("%w: already enrolled in %s", enrollment.ErrNotEligible, courseID)
	}
	return nil
}

// Courses lists the course ids in the student's history.
func (s *MemoryStore) Courses(_ context.Context, studentID string) ([]string, error) {
	var ids []string
	prefix := studentID + "/"
	s.history.Range(func(key, _ string) bool {
		if course, ok := strings.CutPrefix(key, prefix); ok {
			ids = append(ids, course)
		}
		return true
	})
	sort.Strings(ids)
	return ids, nil
}
