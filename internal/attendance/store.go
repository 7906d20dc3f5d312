package attendance

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence collaborator. Durable session metadata, course
// enrollment and attendance records live behind it; the manager is the sole
// writer of attendance records.
type Store interface {
	CreateSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	SaveSessionState(ctx context.Context, sess Session) error
	GetEnrollment(ctx context.Context, courseID string) (map[string]struct{}, error)
	// CreateAttendanceRecord persists one record and returns ErrAlreadyExists
	// when a record for the same (session, student) pair is already durable.
	CreateAttendanceRecord(ctx context.Context, rec AttendanceRecord) error
	ListAttendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}

// MemStore implements Store in process memory. Used by tests and for running
// the service without Postgres.
type MemStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	enrollments map[string]map[string]struct{}
	records     map[string][]AttendanceRecord
	pairs       map[string]struct{} // sessionID+"/"+studentID
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[string]Session),
		enrollments: make(map[string]map[string]struct{}),
		records:     make(map[string][]AttendanceRecord),
		pairs:       make(map[string]struct{}),
	}
}

// AddEnrollment registers students in a course roster.
func (s *MemStore) AddEnrollment(courseID string, studentIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.enrollments[courseID]
	if !ok {
		set = make(map[string]struct{})
		s.enrollments[courseID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
}

func (s *MemStore) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemStore) SaveSessionState(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemStore) GetEnrollment(ctx context.Context, courseID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.enrollments[courseID]))
	for id := range s.enrollments[courseID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *MemStore) CreateAttendanceRecord(ctx context.Context, rec AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.SessionID + "/" + rec.StudentID
	if _, ok := s.pairs[key]; ok {
		return ErrAlreadyExists
	}
	s.pairs[key] = struct{}{}
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	return nil
}

func (s *MemStore) ListAttendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[sessionID]
	out := make([]AttendanceRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}
