package attendance

import (
	"errors"
	"time"
)

// SessionState is the lifecycle state of an attendance session.
type SessionState string

const (
	StatePending SessionState = "pending"
	StateOpen    SessionState = "open"
	StateClosed  SessionState = "closed"
)

// Session is one instructor-initiated attendance-taking window for a course
// meeting. Mutated only through the manager's transitions.
type Session struct {
	ID               string        `json:"id"`
	CourseID         string        `json:"course_id"`
	InstructorID     string        `json:"instructor_id"`
	State            SessionState  `json:"state"`
	RotationInterval time.Duration `json:"rotation_interval"`
	ValidityWindow   time.Duration `json:"validity_window"`
	CreatedAt        time.Time     `json:"created_at"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
}

// Token is a short-lived signed credential bound to one session and one
// rotation sequence number. The Value is what gets rendered as a QR code.
type Token struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ScanAttempt is a student's submission of a displayed token value. It is
// consumed immediately; only its successful outcome is persisted.
type ScanAttempt struct {
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Value     string    `json:"token"`
	ScannedAt time.Time `json:"scanned_at"`
}

// AttendanceRecord is the durable result of one accepted scan. At most one
// record exists per (session, student) pair; the store enforces it.
type AttendanceRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	TokenSeq   uint64    `json:"token_seq"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Actor identifies the caller of a state transition.
type Actor struct {
	UserID string
	Admin  bool
}

// Rotation bounds. Validity must exceed the interval so a scan racing a
// rotation is not spuriously rejected, but may not exceed twice the interval:
// that is what keeps the acceptance window at two tokens.
const (
	DefaultRotationInterval = 5 * time.Second
	DefaultValidityWindow   = 8 * time.Second
	MinRotationInterval     = time.Second
	MaxRotationInterval     = 5 * time.Minute
)

var (
	ErrSessionNotFound     = errors.New("attendance: session not found")
	ErrInvalidTransition   = errors.New("attendance: invalid state transition")
	ErrUnauthorized        = errors.New("attendance: actor may not perform this transition")
	ErrSessionNotOpen      = errors.New("attendance: session is not open")
	ErrInvalidToken        = errors.New("attendance: token is invalid")
	ErrTokenExpired        = errors.New("attendance: token is outside the accepted window")
	ErrNotEnrolled         = errors.New("attendance: student is not enrolled in the course")
	ErrDuplicateAttendance = errors.New("attendance: student already attended this session")
	ErrReplayDetected      = errors.New("attendance: token value already consumed")
	ErrStorageUnavailable  = errors.New("attendance: storage unavailable, retry")
	ErrAlreadyExists       = errors.New("attendance: record already exists")
	ErrInvalidConfig       = errors.New("attendance: invalid session configuration")
)

// ValidateConfig normalizes rotation settings, applying defaults to zero
// values and rejecting combinations that would widen the token window.
func ValidateConfig(interval, window time.Duration) (time.Duration, time.Duration, error) {
	if interval == 0 {
		interval = DefaultRotationInterval
	}
	if window == 0 {
		window = interval + (DefaultValidityWindow - DefaultRotationInterval)
		if window > 2*interval {
			window = 2 * interval
		}
	}
	if interval < MinRotationInterval || interval > MaxRotationInterval {
		return 0, 0, ErrInvalidConfig
	}
	if window <= interval || window > 2*interval {
		return 0, 0, ErrInvalidConfig
	}
	return interval, window, nil
}
