package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/attendance"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestCreateSessionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	sess := attendance.Session{
		ID:               "sess-1",
		CourseID:         "course-1",
		InstructorID:     "teach-1",
		State:            attendance.StatePending,
		RotationInterval: 5 * time.Second,
		ValidityWindow:   8 * time.Second,
		CreatedAt:        time.Now().UTC(),
	}

	mock.ExpectExec("insert into sessions").
		WithArgs(sess.ID, sess.CourseID, sess.InstructorID, "pending", int64(5000), int64(8000), sess.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	mock.ExpectExec("insert into sessions").
		WithArgs(sess.ID, sess.CourseID, sess.InstructorID, "pending", int64(5000), int64(8000), sess.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.CreateSession(ctx, sess); !errors.Is(err, attendance.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSession(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Second)
	opened := created.Add(time.Minute)
	cols := []string{"id", "course_id", "instructor_id", "state", "rotation_interval_ms", "validity_window_ms", "created_at", "opened_at", "closed_at"}

	mock.ExpectQuery("select id, course_id, instructor_id, state").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("sess-1", "course-1", "teach-1", "open", int64(5000), int64(8000), created, opened, nil))

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.State != attendance.StateOpen {
		t.Fatalf("unexpected state %s", sess.State)
	}
	if sess.RotationInterval != 5*time.Second || sess.ValidityWindow != 8*time.Second {
		t.Fatalf("durations not restored: %v %v", sess.RotationInterval, sess.ValidityWindow)
	}
	if sess.OpenedAt == nil || !sess.OpenedAt.Equal(opened) {
		t.Fatalf("opened_at not restored: %v", sess.OpenedAt)
	}
	if sess.ClosedAt != nil {
		t.Fatalf("closed_at should be nil, got %v", sess.ClosedAt)
	}

	mock.ExpectQuery("select id, course_id, instructor_id, state").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, attendance.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveSessionState(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := attendance.Session{ID: "sess-1", State: attendance.StateClosed, OpenedAt: &now, ClosedAt: &now}

	mock.ExpectExec("update sessions set state").
		WithArgs("sess-1", "closed", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SaveSessionState(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	mock.ExpectExec("update sessions set state").
		WithArgs("sess-1", "closed", now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.SaveSessionState(ctx, sess); !errors.Is(err, attendance.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateAttendanceRecordDuplicatePair(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rec := attendance.AttendanceRecord{
		ID:         "rec-1",
		SessionID:  "sess-1",
		StudentID:  "stu-1",
		TokenSeq:   3,
		RecordedAt: time.Now().UTC(),
	}

	mock.ExpectExec("insert into attendance_records").
		WithArgs(rec.ID, rec.SessionID, rec.StudentID, rec.TokenSeq, rec.RecordedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.CreateAttendanceRecord(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same pair again: the on-conflict clause swallows the insert and the
	// store reports it so the caller can classify the scan as a duplicate.
	mock.ExpectExec("insert into attendance_records").
		WithArgs(sqlmock.AnyArg(), rec.SessionID, rec.StudentID, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.CreateAttendanceRecord(ctx, rec); !errors.Is(err, attendance.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetEnrollment(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("select student_id from enrollments").
		WithArgs("course-1").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("stu-1").AddRow("stu-2"))

	roster, err := s.GetEnrollment(ctx, "course-1")
	if err != nil {
		t.Fatalf("get enrollment: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected 2 students, got %d", len(roster))
	}
	if _, ok := roster["stu-1"]; !ok {
		t.Fatal("stu-1 missing from roster")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListAttendanceOrdered(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	t0 := time.Now().UTC()
	mock.ExpectQuery("select id, session_id, student_id, token_seq, recorded_at").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "student_id", "token_seq", "recorded_at"}).
			AddRow("rec-1", "sess-1", "stu-1", uint64(1), t0).
			AddRow("rec-2", "sess-1", "stu-2", uint64(2), t0.Add(time.Second)))

	recs, err := s.ListAttendance(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].StudentID != "stu-1" || recs[1].TokenSeq != 2 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
