package attendance

import (
	"sync"
	"testing"
	"time"
)

func TestReserveRejectsDuplicateStudent(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := g.Reserve("stu-1", "tok-b", 2, after); err != ErrDuplicateAttendance {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}
}

func TestReserveSharesValueAcrossStudents(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	// The displayed value is one code scanned by the whole class: every
	// distinct enrolled student redeems it once.
	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := g.Reserve("stu-2", "tok-a", 1, after); err != nil {
		t.Fatalf("second student, same value: %v", err)
	}
	if !g.ValueConsumed("tok-a") {
		t.Fatal("value must be on record as consumed")
	}
	if g.ValueConsumed("tok-b") {
		t.Fatal("unredeemed value reported consumed")
	}
}

func TestDuplicateStudentRegardlessOfValue(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Same student resubmitting the same consumed value is a duplicate,
	// not a security event.
	if err := g.Reserve("stu-1", "tok-a", 1, after); err != ErrDuplicateAttendance {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}
	// So is a fresh value from an already-attended student.
	if err := g.Reserve("stu-1", "tok-b", 2, after); err != ErrDuplicateAttendance {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	g.Release("stu-1", "tok-a")

	if g.ValueConsumed("tok-a") {
		t.Fatal("sole redemption released, value must not stay consumed")
	}
	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestReleaseKeepsValueWithOtherRedeemers(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve stu-1: %v", err)
	}
	g.Commit("stu-1")
	if err := g.Reserve("stu-2", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve stu-2: %v", err)
	}
	g.Release("stu-2", "tok-a")

	// stu-1's durable redemption keeps the value on record.
	if !g.ValueConsumed("tok-a") {
		t.Fatal("value with a remaining redeemer must stay consumed")
	}
	if err := g.Reserve("stu-2", "tok-a", 1, after); err != nil {
		t.Fatalf("stu-2 retry: %v", err)
	}
}

func TestReleaseDoesNotDropCommittedMark(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	if err := g.Reserve("stu-1", "tok-a", 1, after); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	g.Commit("stu-1")
	g.Release("stu-1", "tok-a")

	if !g.HasAttended("stu-1") {
		t.Fatal("committed mark must survive a late release")
	}
}

func TestPurgeDropsExpiredValuesOnly(t *testing.T) {
	g := newReplayGuard()
	now := time.Now()

	if err := g.Reserve("stu-1", "tok-old", 1, now.Add(-time.Second)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	g.Commit("stu-1")
	if err := g.Reserve("stu-2", "tok-live", 2, now.Add(time.Minute)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	g.Commit("stu-2")

	g.Purge(now)

	if len(g.values) != 1 {
		t.Fatalf("expected one live value entry, got %d", len(g.values))
	}
	// Student marks are never purged.
	if !g.HasAttended("stu-1") || !g.HasAttended("stu-2") {
		t.Fatal("student marks must survive purge")
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	g := newReplayGuard()
	after := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := g.Reserve("stu-1", "tok-a", 1, after)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				wins++
			case ErrDuplicateAttendance:
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || dups != 49 {
		t.Fatalf("expected exactly one winner, got wins=%d dups=%d", wins, dups)
	}
}
