package attendance

import (
	"sync"
	"time"
)

type markState int

const (
	markReserved markState = iota
	markCommitted
)

type studentMark struct {
	state markState
	seq   uint64
}

type valueMark struct {
	redeemers  int
	purgeAfter time.Time
}

// replayGuard tracks, for one open session, which students have already
// attended and which token values have been redeemed. The displayed value is
// shared by the whole class, so redemption by one enrolled student never
// blocks another while the token is live; the value index exists to expose a
// consumed value that is re-presented after it left the acceptance window.
// Reservation and check happen in one critical section so two racing
// submissions for the same student resolve to exactly one winner before
// anything is persisted. A reservation is committed only after the durable
// write succeeds; on storage failure it is released and nothing counts as
// consumed.
type replayGuard struct {
	mu       sync.Mutex
	students map[string]studentMark
	values   map[string]valueMark
}

func newReplayGuard() *replayGuard {
	return &replayGuard{
		students: make(map[string]studentMark),
		values:   make(map[string]valueMark),
	}
}

// Reserve performs the atomic check-and-set for one scan. Only the student
// identity gates acceptance: a repeat by the same student is a duplicate,
// while further enrolled students redeeming the same live value are the
// normal case for a projected code.
func (g *replayGuard) Reserve(studentID, value string, seq uint64, purgeAfter time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.students[studentID]; ok {
		return ErrDuplicateAttendance
	}
	g.students[studentID] = studentMark{state: markReserved, seq: seq}

	vm := g.values[value]
	vm.redeemers++
	if purgeAfter.After(vm.purgeAfter) {
		vm.purgeAfter = purgeAfter
	}
	g.values[value] = vm
	return nil
}

// Commit finalizes a reservation after the record was persisted.
func (g *replayGuard) Commit(studentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.students[studentID]; ok {
		m.state = markCommitted
		g.students[studentID] = m
	}
}

// Release undoes a reservation whose durable write failed, so a retry is not
// misreported as a duplicate. The value stays marked consumed only while
// other redeemers hold it.
func (g *replayGuard) Release(studentID, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.students[studentID]; ok && m.state == markReserved {
		delete(g.students, studentID)
	}
	if vm, ok := g.values[value]; ok {
		vm.redeemers--
		if vm.redeemers <= 0 {
			delete(g.values, value)
		} else {
			g.values[value] = vm
		}
	}
}

// ConfirmExisting marks a student consumed when the store reports the record
// already exists. The value entry stays: durably, the value was redeemed.
func (g *replayGuard) ConfirmExisting(studentID, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.students[studentID] = studentMark{state: markCommitted}
}

// ValueConsumed reports whether any redemption of this exact value is on
// record. Used to classify out-of-window presentations of captured values.
func (g *replayGuard) ValueConsumed(value string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.values[value]
	return ok
}

// HasAttended answers the per-student question in O(1).
func (g *replayGuard) HasAttended(studentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.students[studentID]
	return ok && m.state == markCommitted
}

// Purge drops value entries whose tokens can no longer be presented. Student
// marks live for the whole session: attendance uniqueness is a hard
// invariant, and the set is bounded by enrollment size.
func (g *replayGuard) Purge(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for value, vm := range g.values {
		if now.After(vm.purgeAfter) {
			delete(g.values, value)
		}
	}
}
