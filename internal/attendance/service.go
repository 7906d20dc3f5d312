package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/audit"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/ids"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/obs"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/stream"
)

// Service defines the attendance session protocol operations.
type Service interface {
	Create(ctx context.Context, courseID, instructorID string, interval, window time.Duration) (Session, error)
	Get(ctx context.Context, sessionID string) (Session, error)
	Open(ctx context.Context, sessionID string, actor Actor) (Session, error)
	Close(ctx context.Context, sessionID string, actor Actor) (Session, error)
	Submit(ctx context.Context, scan ScanAttempt) (AttendanceRecord, error)
	Attendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan stream.Event, error)
	SubscribeTokens(ctx context.Context, sessionID string, actor Actor) (<-chan Token, error)
}

// Manager implements Service with per-session runtimes. The registry lock
// only guards the map; every session synchronizes on its own runtime lock,
// so sessions never contend with each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*runtime

	store Store
	hub   *stream.Hub

	now func() time.Time
}

var _ Service = (*Manager)(nil)

// NewManager creates a manager backed by the given store and broadcast hub.
func NewManager(store Store, hub *stream.Hub) *Manager {
	return &Manager{
		sessions: make(map[string]*runtime),
		store:    store,
		hub:      hub,
		now:      time.Now,
	}
}

func (m *Manager) runtime(sessionID string) *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Create registers a new Pending session for a course.
func (m *Manager) Create(ctx context.Context, courseID, instructorID string, interval, window time.Duration) (Session, error) {
	if courseID == "" || instructorID == "" {
		return Session{}, ErrInvalidConfig
	}
	interval, window, err := ValidateConfig(interval, window)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:               ids.New(),
		CourseID:         courseID,
		InstructorID:     instructorID,
		State:            StatePending,
		RotationInterval: interval,
		ValidityWindow:   window,
		CreatedAt:        m.now().UTC(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("%w: create session: %v", ErrStorageUnavailable, err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = newRuntime(sess)
	m.mu.Unlock()
	m.hub.EnsureTopic(sess.ID)

	return sess, nil
}

// Get returns the session, preferring the live runtime over the store.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	if rt := m.runtime(sessionID); rt != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.sess, nil
	}
	return m.store.GetSession(ctx, sessionID)
}

// Open transitions Pending → Open, starts rotation and emits the first token.
func (m *Manager) Open(ctx context.Context, sessionID string, actor Actor) (Session, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return Session{}, ErrSessionNotFound
	}

	rt.mu.Lock()
	courseID := rt.sess.CourseID
	rt.mu.Unlock()

	// Roster fetch happens outside the session lock: scans for other
	// sessions must not queue behind this I/O.
	enrolled, err := m.store.GetEnrollment(ctx, courseID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: load enrollment: %v", ErrStorageUnavailable, err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !canTransition(actor, rt.sess) {
		return Session{}, ErrUnauthorized
	}
	if rt.sess.State != StatePending {
		return Session{}, ErrInvalidTransition
	}

	now := m.now().UTC()
	candidate := rt.sess
	candidate.State = StateOpen
	candidate.OpenedAt = &now
	if err := m.store.SaveSessionState(ctx, candidate); err != nil {
		return Session{}, fmt.Errorf("%w: persist open: %v", ErrStorageUnavailable, err)
	}

	rt.sess = candidate
	rt.enrolled = enrolled
	rt.guard = newReplayGuard()

	// The first token is minted before anything is announced: subscribers
	// must never observe an opened session that failed to produce a token.
	tok, err := m.mintTokenLocked(rt)
	if err != nil {
		// No usable token secret means no session: undo the transition
		// rather than leave an open session that cannot rotate.
		rt.sess.State = StatePending
		rt.sess.OpenedAt = nil
		rt.enrolled = nil
		rt.guard = nil
		_ = m.store.SaveSessionState(ctx, rt.sess)
		return Session{}, err
	}

	m.hub.Publish(rt.sess.ID, stream.Event{
		Type:      stream.EventSessionOpened,
		SessionID: rt.sess.ID,
		State:     string(StateOpen),
		Timestamp: now,
	})
	m.announceTokenLocked(rt, tok)
	m.startRotorLocked(rt)
	obs.SessionOpened()

	return rt.sess, nil
}

// Close transitions Open → Closed, stops rotation and disconnects the
// session's subscribers after a final closed event. A submission holding the
// session lock right now finishes first; everything after observes Closed.
func (m *Manager) Close(ctx context.Context, sessionID string, actor Actor) (Session, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return Session{}, ErrSessionNotFound
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !canTransition(actor, rt.sess) {
		return Session{}, ErrUnauthorized
	}
	if rt.sess.State != StateOpen {
		return Session{}, ErrInvalidTransition
	}

	now := m.now().UTC()
	candidate := rt.sess
	candidate.State = StateClosed
	candidate.ClosedAt = &now
	if err := m.store.SaveSessionState(ctx, candidate); err != nil {
		return Session{}, fmt.Errorf("%w: persist close: %v", ErrStorageUnavailable, err)
	}

	rt.sess = candidate
	if rt.stopRotor != nil {
		rt.stopRotor()
		rt.stopRotor = nil
	}
	rt.closeTokenSubsLocked()
	rt.enrolled = nil
	rt.guard = nil

	m.hub.Publish(rt.sess.ID, stream.Event{
		Type:      stream.EventSessionClosed,
		SessionID: rt.sess.ID,
		State:     string(StateClosed),
		Timestamp: now,
	})
	m.hub.CloseTopic(rt.sess.ID)
	obs.SessionClosed()

	return rt.sess, nil
}

// Submit validates one scan and, on success, records attendance and
// broadcasts it. Checks short-circuit in the documented order; the replay
// guard reservation makes the success path atomic with respect to racing
// submissions for the same student.
func (m *Manager) Submit(ctx context.Context, scan ScanAttempt) (AttendanceRecord, error) {
	rt := m.runtime(scan.SessionID)
	if rt == nil {
		obs.ObserveScan("session_not_found")
		return AttendanceRecord{}, ErrSessionNotFound
	}

	rt.mu.Lock()

	if rt.sess.State != StateOpen {
		rt.mu.Unlock()
		obs.ObserveScan("session_not_open")
		return AttendanceRecord{}, ErrSessionNotOpen
	}

	seq, issuedAt, err := VerifyToken(scan.SessionID, scan.Value)
	if err != nil {
		rt.mu.Unlock()
		if errors.Is(err, ErrInvalidToken) {
			obs.ObserveScan("invalid_token")
			return AttendanceRecord{}, ErrInvalidToken
		}
		return AttendanceRecord{}, err
	}

	now := m.now().UTC()
	if !rt.acceptsLocked(seq, issuedAt, now) {
		// A value whose sequence already left the two-token window but
		// which is on record as redeemed is a captured code being
		// re-presented, not an innocently late scan.
		if !rt.seqInWindowLocked(seq) && rt.guard.ValueConsumed(scan.Value) {
			rt.mu.Unlock()
			obs.ObserveScan("replay_detected")
			_ = audit.LogEvent(ctx, "attendance.scan.replay_detected", map[string]any{
				"session_id": scan.SessionID,
				"student_id": scan.StudentID,
				"token_seq":  seq,
			})
			return AttendanceRecord{}, ErrReplayDetected
		}
		rt.mu.Unlock()
		obs.ObserveScan("token_expired")
		return AttendanceRecord{}, ErrTokenExpired
	}

	if _, ok := rt.enrolled[scan.StudentID]; !ok {
		rt.mu.Unlock()
		obs.ObserveScan("not_enrolled")
		return AttendanceRecord{}, ErrNotEnrolled
	}

	guard := rt.guard
	validity := rt.sess.ValidityWindow
	if err := guard.Reserve(scan.StudentID, scan.Value, seq, issuedAt.Add(2*validity)); err != nil {
		rt.mu.Unlock()
		obs.ObserveScan("duplicate")
		return AttendanceRecord{}, err
	}

	rec := AttendanceRecord{
		ID:         ids.New(),
		SessionID:  scan.SessionID,
		StudentID:  scan.StudentID,
		TokenSeq:   seq,
		RecordedAt: now,
	}
	rt.mu.Unlock()

	// The durable write runs outside the session lock so one slow store
	// round-trip cannot stall every other scan for the session.
	if err := m.store.CreateAttendanceRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			guard.ConfirmExisting(scan.StudentID, scan.Value)
			obs.ObserveScan("duplicate")
			return AttendanceRecord{}, ErrDuplicateAttendance
		}
		guard.Release(scan.StudentID, scan.Value)
		obs.ObserveScan("storage_unavailable")
		return AttendanceRecord{}, fmt.Errorf("%w: create record: %v", ErrStorageUnavailable, err)
	}
	guard.Commit(scan.StudentID)

	// Re-acquire the lock so the event slots into the session's emission
	// order; if the session closed meanwhile the publish is a no-op.
	rt.mu.Lock()
	m.hub.Publish(scan.SessionID, stream.Event{
		Type:      stream.EventAttendanceRegistered,
		SessionID: scan.SessionID,
		StudentID: scan.StudentID,
		Seq:       seq,
		Timestamp: now,
	})
	rt.mu.Unlock()

	obs.ObserveScan("ok")
	return rec, nil
}

// Attendance returns the recorded attendance for reconciliation pulls.
func (m *Manager) Attendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := m.store.ListAttendance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list attendance: %v", ErrStorageUnavailable, err)
	}
	return recs, nil
}

// Subscribe attaches a dashboard to the session's event stream. The snapshot
// is built and enqueued under the session lock, so the subscriber sees it
// strictly before any later event.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (<-chan stream.Event, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return nil, ErrSessionNotFound
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	snap := rt.snapshotLocked(m.now().UTC())
	if rt.sess.State == StateClosed {
		return m.hub.Replay(snap), nil
	}
	return m.hub.Subscribe(ctx, sessionID, snap), nil
}

// SubscribeTokens attaches a projector display to the raw token feed. Only
// the owning instructor or an admin may watch it.
func (m *Manager) SubscribeTokens(ctx context.Context, sessionID string, actor Actor) (<-chan Token, error) {
	rt := m.runtime(sessionID)
	if rt == nil {
		return nil, ErrSessionNotFound
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !canTransition(actor, rt.sess) {
		return nil, ErrUnauthorized
	}
	if rt.sess.State == StateClosed {
		return nil, ErrSessionNotOpen
	}

	ch := make(chan Token, 8)
	id := rt.nextTokenSub
	rt.nextTokenSub++
	rt.tokenSubs[id] = ch
	if rt.current != nil {
		ch <- *rt.current
	}

	go func() {
		<-ctx.Done()
		rt.mu.Lock()
		if existing, ok := rt.tokenSubs[id]; ok && existing == ch {
			delete(rt.tokenSubs, id)
			close(ch)
		}
		rt.mu.Unlock()
	}()

	return ch, nil
}

// StartJanitor runs the periodic replay-guard purge until ctx ends. Entries
// outlive their token's acceptance window only until the next sweep, keeping
// guard memory proportional to live sessions.
func (m *Manager) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.purgeGuards()
			}
		}
	}()
}

func (m *Manager) purgeGuards() {
	now := m.now().UTC()
	m.mu.RLock()
	guards := make([]*replayGuard, 0, len(m.sessions))
	for _, rt := range m.sessions {
		rt.mu.Lock()
		if rt.guard != nil {
			guards = append(guards, rt.guard)
		}
		rt.mu.Unlock()
	}
	m.mu.RUnlock()
	for _, g := range guards {
		g.Purge(now)
	}
}
