package attendance

import (
	"context"
	"time"

	"github.com/orelvisrguez/qr-attendance-sub000/internal/audit"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/obs"
	"github.com/orelvisrguez/qr-attendance-sub000/internal/stream"
)

// startRotorLocked launches the per-session rotation task. Callers hold
// rt.mu; the session is Open and carries its first token already.
func (m *Manager) startRotorLocked(rt *runtime) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.stopRotor = cancel
	go m.runRotor(ctx, rt, rt.sess.RotationInterval)
}

func (m *Manager) runRotor(ctx context.Context, rt *runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.rotate(rt); err != nil {
				// A rotation fault is fatal for the session: a stuck
				// rotor must never look like a healthy one.
				m.forceClose(rt, err)
				return
			}
		}
	}
}

// rotate issues the next token. A tick that fires after the session left
// Open is a no-op, which makes stopping idempotent.
func (m *Manager) rotate(rt *runtime) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sess.State != StateOpen {
		return nil
	}
	tok, err := m.mintTokenLocked(rt)
	if err != nil {
		return err
	}
	m.announceTokenLocked(rt, tok)
	return nil
}

// mintTokenLocked signs and installs the next token and shifts the window.
// Nothing is published: a failed mint must leave subscribers unaware anything
// was attempted. Callers hold rt.mu.
func (m *Manager) mintTokenLocked(rt *runtime) (Token, error) {
	now := m.now().UTC()
	var seq uint64 = 1
	if rt.current != nil {
		seq = rt.current.Seq + 1
	}
	value, err := SignToken(rt.sess.ID, seq, now)
	if err != nil {
		return Token{}, err
	}

	tok := Token{
		SessionID: rt.sess.ID,
		Seq:       seq,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(rt.sess.ValidityWindow),
	}
	rt.previous = rt.current
	rt.current = &tok

	obs.IncRotation()
	return tok, nil
}

// announceTokenLocked notifies the projector feed and dashboard subscribers
// of an installed token. Callers hold rt.mu.
func (m *Manager) announceTokenLocked(rt *runtime, tok Token) {
	// Projector feed gets the raw value; a projector that stopped reading
	// just skips ahead on its next receive.
	for _, ch := range rt.tokenSubs {
		select {
		case ch <- tok:
		default:
		}
	}

	exp := tok.ExpiresAt
	m.hub.Publish(rt.sess.ID, stream.Event{
		Type:           stream.EventTokenRotated,
		SessionID:      rt.sess.ID,
		Seq:            tok.Seq,
		TokenExpiresAt: &exp,
		Timestamp:      tok.IssuedAt,
	})
}

// forceClose transitions a faulted session to Closed and tells everyone.
// Subscribers must never be left watching a session whose rotation silently
// died.
func (m *Manager) forceClose(rt *runtime, cause error) {
	rt.mu.Lock()
	if rt.sess.State != StateOpen {
		rt.mu.Unlock()
		return
	}
	now := m.now().UTC()
	rt.sess.State = StateClosed
	rt.sess.ClosedAt = &now
	if rt.stopRotor != nil {
		rt.stopRotor()
		rt.stopRotor = nil
	}
	rt.closeTokenSubsLocked()
	rt.enrolled = nil
	rt.guard = nil
	sess := rt.sess

	m.hub.Publish(sess.ID, stream.Event{
		Type:      stream.EventSessionClosed,
		SessionID: sess.ID,
		State:     string(StateClosed),
		Timestamp: now,
	})
	m.hub.CloseTopic(sess.ID)
	rt.mu.Unlock()

	obs.SessionClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveSessionState(ctx, sess); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "persist force-closed session",
			"session_id": sess.ID, "error": err.Error(),
		})
	}
	_ = audit.LogEvent(ctx, "session.force_closed", map[string]any{
		"session_id": sess.ID,
		"cause":      cause.Error(),
	})
}
