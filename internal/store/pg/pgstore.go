package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/attendance"
)

// Store persists sessions, rosters and attendance records in Postgres.
type Store struct {
	db *sql.DB
}

var _ attendance.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema creates the tables on first boot. The unique pair constraint
// on attendance_records is what makes one-record-per-student durable even
// across process restarts.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists sessions (
			id text primary key,
			course_id text not null,
			instructor_id text not null,
			state text not null,
			rotation_interval_ms bigint not null,
			validity_window_ms bigint not null,
			created_at timestamptz not null,
			opened_at timestamptz,
			closed_at timestamptz
		)`,
		`create table if not exists enrollments (
			course_id text not null,
			student_id text not null,
			primary key (course_id, student_id)
		)`,
		`create table if not exists attendance_records (
			id text primary key,
			session_id text not null references sessions(id),
			student_id text not null,
			token_seq bigint not null,
			recorded_at timestamptz not null,
			unique (session_id, student_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess attendance.Session) error {
	res, err := s.db.ExecContext(ctx, `
		insert into sessions(id, course_id, instructor_id, state, rotation_interval_ms, validity_window_ms, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do nothing
	`, sess.ID, sess.CourseID, sess.InstructorID, string(sess.State),
		sess.RotationInterval.Milliseconds(), sess.ValidityWindow.Milliseconds(), sess.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	var (
		sess               attendance.Session
		state              string
		intervalMs         int64
		windowMs           int64
		openedAt, closedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, course_id, instructor_id, state, rotation_interval_ms, validity_window_ms, created_at, opened_at, closed_at
		from sessions where id=$1
	`, id).Scan(&sess.ID, &sess.CourseID, &sess.InstructorID, &state, &intervalMs, &windowMs, &sess.CreatedAt, &openedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, attendance.ErrSessionNotFound
	}
	if err != nil {
		return attendance.Session{}, err
	}
	sess.State = attendance.SessionState(state)
	sess.RotationInterval = time.Duration(intervalMs) * time.Millisecond
	sess.ValidityWindow = time.Duration(windowMs) * time.Millisecond
	if openedAt.Valid {
		t := openedAt.Time
		sess.OpenedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return sess, nil
}

func (s *Store) SaveSessionState(ctx context.Context, sess attendance.Session) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set state=$2, opened_at=$3, closed_at=$4 where id=$1
	`, sess.ID, string(sess.State), nullableTime(sess.OpenedAt), nullableTime(sess.ClosedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrSessionNotFound
	}
	return nil
}

func (s *Store) GetEnrollment(ctx context.Context, courseID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `select student_id from enrollments where course_id=$1`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roster := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roster[id] = struct{}{}
	}
	return roster, rows.Err()
}

// AddEnrollment registers students in a course roster. Re-adding an existing
// student is a no-op.
func (s *Store) AddEnrollment(ctx context.Context, courseID string, studentIDs ...string) error {
	for _, id := range studentIDs {
		if _, err := s.db.ExecContext(ctx, `
			insert into enrollments(course_id, student_id)
			values ($1,$2) on conflict do nothing
		`, courseID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateAttendanceRecord(ctx context.Context, rec attendance.AttendanceRecord) error {
	res, err := s.db.ExecContext(ctx, `
		insert into attendance_records(id, session_id, student_id, token_seq, recorded_at)
		values ($1,$2,$3,$4,$5)
		on conflict (session_id, student_id) do nothing
	`, rec.ID, rec.SessionID, rec.StudentID, rec.TokenSeq, rec.RecordedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrAlreadyExists
	}
	return nil
}

func (s *Store) ListAttendance(ctx context.Context, sessionID string) ([]attendance.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, student_id, token_seq, recorded_at
		from attendance_records
		where session_id=$1
		order by recorded_at asc
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []attendance.AttendanceRecord
	for rows.Next() {
		var rec attendance.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.TokenSeq, &rec.RecordedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
