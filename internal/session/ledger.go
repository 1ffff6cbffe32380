// Package session implements the undo ledger: per applied patch set, the
// pre-image of every modified field, keyed by an opaque session id. A session
// can be undone exactly once; undo is pure data replay with no inference.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/record"
)

var (
	// ErrNotFound reports an undo against an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyUndone reports a second undo against the same session.
	ErrAlreadyUndone = errors.New("session already undone")
)

// Session is the unit of undo: one successful modification outcome's full
// patch set. Immutable once recorded; only the undone flag ever changes.
type Session struct {
	ID        string         `json:"id"`
	ProfileID string         `json:"profile_id"`
	Patches   []record.Patch `json:"patches"`
	Created   time.Time      `json:"created"`
	Undone    bool           `json:"undone"`
}

// Ledger stores sessions in memory. Undo history is deliberately scoped to
// the process lifetime; a session outlives neither the conversation it
// belongs to nor a restart.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewLedger() *Ledger {
	return &Ledger{sessions: make(map[string]*Session)}
}

// Record stores a new session for an applied patch set and returns it.
// Patches are deep-copied so later mutation by the caller cannot reach the
// ledger.
func (l *Ledger) Record(profileID string, patches []record.Patch) Session {
	stored := make([]record.Patch, 0, len(patches))
	for _, p := range patches {
		stored = append(stored, p.Clone())
	}
	sess := &Session{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Patches:   stored,
		Created:   time.Now().UTC(),
	}
	l.mu.Lock()
	l.sessions[sess.ID] = sess
	l.mu.Unlock()
	common.Logger().Info("session: recorded", "session_id", sess.ID, "profile_id", profileID, "patches", len(stored))
	return l.snapshot(sess)
}

// Undo claims the session and returns the patches that revert it, newest
// first within the set. The undone flag flips under the ledger lock, so a
// concurrent second undo always observes ErrAlreadyUndone rather than
// replaying twice.
func (l *Ledger) Undo(sessionID string) (string, []record.Patch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return "", nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if sess.Undone {
		return "", nil, fmt.Errorf("session %q: %w", sessionID, ErrAlreadyUndone)
	}
	sess.Undone = true
	inverse := make([]record.Patch, 0, len(sess.Patches))
	for _, p := range sess.Patches {
		inverse = append(inverse, p.Inverse())
	}
	common.Logger().Info("session: undo claimed", "session_id", sessionID, "patches", len(inverse))
	return sess.ProfileID, inverse, nil
}

// Reinstate clears the undone flag after a failed revert so the caller can
// retry. A no-op for unknown ids.
func (l *Ledger) Reinstate(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.sessions[sessionID]; ok && sess.Undone {
		sess.Undone = false
		common.Logger().Warn("session: undo reinstated after failed revert", "session_id", sessionID)
	}
}

// Get returns a copy of the session, if present.
func (l *Ledger) Get(sessionID string) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return l.snapshot(sess), true
}

func (l *Ledger) snapshot(sess *Session) Session {
	out := Session{ID: sess.ID, ProfileID: sess.ProfileID, Created: sess.Created, Undone: sess.Undone}
	out.Patches = make([]record.Patch, 0, len(sess.Patches))
	for _, p := range sess.Patches {
		out.Patches = append(out.Patches, p.Clone())
	}
	return out
}
