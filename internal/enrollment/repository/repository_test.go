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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
)

func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func sampleEnrollment() *enrollment.Enrollment {
	return &enrollment.Enrollment{
		ID:          "6f1c1d0e-8a55-4c1f-9a43-2f7a1f0c9b11",
		StudentID:   "S1",
		CourseID:    "CS101",
		Status:      enrollment.StatusActive,
		ReceiptID:   "rcpt-1",
		AmountCents: 4900,
		Currency:    "USD",
		SagaID:      "saga-1",
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEnrollmentStore_Save(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		errorMsg  string
	}{
		{
			name: "success",
			setupMock: func(mock sqlmock.Sqlmock) {
				e := sampleEnrollment()
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `enrollments`")).
					WithArgs(e.ID, e.StudentID, e.CourseID, string(e.Status), e.ReceiptID,
						e.AmountCents, e.Currency, e.SagaID, e.CreatedAt, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "duplicate",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `enrollments`")).
					WillReturnError(errors.New("Error 1062: Duplicate entry"))
				mock.ExpectRollback()
			},
			errorMsg: "Duplicate entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupTestDB(t)
			tt.setupMock(mock)

			err := NewEnrollmentStore(db).Save(context.Background(), sampleEnrollment())
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Contains(t, err.Error(), "save enrollment")
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestEnrollmentStore_DeleteIsIdempotent(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewEnrollmentStore(db)

	for _, affected := range []int64{1, 0} {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `enrollments` WHERE id = ?")).
			WithArgs("e1").
			WillReturnResult(sqlmock.NewResult(0, affected))
		mock.ExpectCommit()
	}

	require.NoError(t, store.Delete(context.Background(), "e1"))
	require.NoError(t, store.Delete(context.Background(), "e1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentStore_Get(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewEnrollmentStore(db)
	e := sampleEnrollment()

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "status", "receipt_id", "amount_cents", "currency", "saga_id", "created_at", "updated_at"}).
		AddRow(e.ID, e.StudentID, e.CourseID, "active", e.ReceiptID, e.AmountCents, e.Currency, e.SagaID, e.CreatedAt, e.CreatedAt)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `enrollments` WHERE id = ?")).WillReturnRows(rows)

	got, err := store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `enrollments` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentStore_ListByStudent(t *testing.T) {
	db, mock := setupTestDB(t)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "status"}).
		AddRow("e2", "S1", "CS102", "active").
		AddRow("e1", "S1", "CS101", "active")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `enrollments` WHERE student_id = ? ORDER BY created_at DESC")).
		WithArgs("S1").
		WillReturnRows(rows)

	list, err := NewEnrollmentStore(db).ListByStudent(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].ID)
	assert.Equal(t, "CS101", list[1].CourseID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_AttachDetach(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewHistoryStore(db)
	store.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `course_histories`")).
		WithArgs("S1", "CS101", "e1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `course_histories` WHERE student_id = ? AND course_id = ?")).
		WithArgs("S1", "CS101").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT `course_id` FROM `course_histories` WHERE student_id = ?")).
		WithArgs("S1").
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}))

	ctx := context.Background()
	require.NoError(t, store.Attach(ctx, "S1", "CS101", "e1"))
	require.NoError(t, store.Detach(ctx, "S1", "CS101"))
	courses, err := store.Courses(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, courses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_AttachFailure(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `course_histories`")).
		WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectRollback()

	err := NewHistoryStore(db).Attach(context.Background(), "S1", "CS101", "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock wait timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEligibilityChecker_Validate(t *testing.T) {
	countActive := regexp.QuoteMeta("SELECT count(*) FROM `enrollments` WHERE student_id = ? AND course_id = ? AND status = ?")
	prerequisites := regexp.QuoteMeta("SELECT `requires_course_id` FROM `course_prerequisites` WHERE course_id = ?")
	completed := regexp.QuoteMeta("SELECT count(*) FROM `completed_courses` WHERE student_id = ? AND course_id IN (?,?)")

	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		notEligible bool
		errorMsg    string
	}{
		{
			name: "eligible_without_prerequisites",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(countActive).WithArgs("S1", "CS201", "active").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectQuery(prerequisites).WithArgs("CS201").
					WillReturnRows(sqlmock.NewRows([]string{"requires_course_id"}))
			},
		},
		{
			name: "eligible_with_prerequisites",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(countActive).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectQuery(prerequisites).
					WillReturnRows(sqlmock.NewRows([]string{"requires_course_id"}).AddRow("CS101").AddRow("MATH101"))
				mock.ExpectQuery(completed).WithArgs("S1", "CS101", "MATH101").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
			},
		},
		{
			name: "already_enrolled",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(countActive).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			},
			notEligible: true,
			errorMsg:    "already enrolled",
		},
		{
			name: "missing_prerequisite",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(countActive).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectQuery(prerequisites).
					WillReturnRows(sqlmock.NewRows([]string{"requires_course_id"}).AddRow("CS101").AddRow("MATH101"))
				mock.ExpectQuery(completed).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			},
			notEligible: true,
			errorMsg:    "1 of 2 prerequisites",
		},
		{
			name: "database_error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(countActive).WillReturnError(errors.New("connection refused"))
			},
			errorMsg: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupTestDB(t)
			tt.setupMock(mock)

			err := NewEligibilityChecker(db).Validate(context.Background(), "S1", "CS201")
			if tt.errorMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Equal(t, tt.notEligible, errors.Is(err, enrollment.ErrNotEligible))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
