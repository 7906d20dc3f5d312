package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/stream"
)

// runtime is the live, in-process side of one session: its lock, its token
// window, its replay guard, and its projector subscribers. Every session owns
// its runtime exclusively; nothing here is shared across sessions.
type runtime struct {
	mu sync.Mutex

	sess     Session
	enrolled map[string]struct{}

	// Token window: at most the current and the immediately-previous token
	// are acceptable, each only within its own validity window.
	current  *Token
	previous *Token

	guard     *replayGuard
	stopRotor context.CancelFunc

	tokenSubs    map[int]chan Token
	nextTokenSub int
}

func newRuntime(sess Session) *runtime {
	return &runtime{
		sess:      sess,
		tokenSubs: make(map[int]chan Token),
	}
}

// seqInWindowLocked reports whether seq is the current or the
// immediately-previous token. Callers hold rt.mu.
func (rt *runtime) seqInWindowLocked(seq uint64) bool {
	if rt.current != nil && seq == rt.current.Seq {
		return true
	}
	return rt.previous != nil && seq == rt.previous.Seq
}

// acceptsLocked reports whether a verified (seq, issuedAt) pair falls inside
// the currently-accepted window. Callers hold rt.mu.
func (rt *runtime) acceptsLocked(seq uint64, issuedAt time.Time, now time.Time) bool {
	if !rt.seqInWindowLocked(seq) {
		return false
	}
	return !now.After(issuedAt.Add(rt.sess.ValidityWindow))
}

// snapshotLocked builds the synthetic event sent to late-joining dashboards
// so they converge without waiting for the next rotation. Callers hold rt.mu.
func (rt *runtime) snapshotLocked(now time.Time) stream.Event {
	evt := stream.Event{
		Type:      stream.EventSnapshot,
		SessionID: rt.sess.ID,
		State:     string(rt.sess.State),
		Timestamp: now,
	}
	if rt.current != nil {
		evt.Seq = rt.current.Seq
		exp := rt.current.ExpiresAt
		evt.TokenExpiresAt = &exp
	}
	return evt
}

// closeTokenSubsLocked disconnects all projector feeds. Callers hold rt.mu.
func (rt *runtime) closeTokenSubsLocked() {
	for id, ch := range rt.tokenSubs {
		delete(rt.tokenSubs, id)
		close(ch)
	}
}

// canTransition checks transition authorization: the owning instructor or an
// admin, nobody else.
func canTransition(actor Actor, sess Session) bool {
	if actor.Admin {
		return true
	}
	return actor.UserID != "" && actor.UserID == sess.InstructorID
}
