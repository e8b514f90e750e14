package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Update for an unknown call id.
var ErrNotFound = errors.New("session: call not found")

// Store is the in-memory session registry. Reads return deep copies so
// callers never observe concurrent mutation; writes are serialized per store
// through a single mutex, which gives every reader a consistent upsert
// order.
type Store struct {
	mu    sync.RWMutex
	calls map[string]*CallSession
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{calls: make(map[string]*CallSession)}
}

// Create registers a new session for the call, initializing defaults.
// If the call already exists the existing session snapshot is returned.
func (st *Store) Create(callID, channelID string) *CallSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.calls[callID]; ok {
		return cur.clone()
	}
	s := &CallSession{
		CallID:              callID,
		CallerChannelID:     channelID,
		VADState:            make(map[string]bool),
		AudioCaptureEnabled: true,
		CreatedAt:           time.Now(),
		version:             1,
	}
	st.calls[callID] = s
	return s.clone()
}

// Get returns a snapshot of the call's session.
func (st *Store) Get(callID string) (*CallSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.calls[callID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Upsert applies a versioned replace of the session. The stored version
// always advances regardless of the version on the argument, so stale
// snapshots cannot roll the session backwards in version terms; last write
// wins on content, matching the single-writer-per-call usage.
// The gating token is preserved from the stored session: it changes only
// through [Store.SetGatingToken] and [Store.ClearGatingToken].
func (st *Store) Upsert(sess *CallSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := sess.clone()
	if cur, ok := st.calls[sess.CallID]; ok {
		cp.version = cur.version + 1
		cp.gatingToken = cur.gatingToken
	} else {
		cp.version = 1
	}
	st.calls[sess.CallID] = cp
}

// Update mutates the session in place under the store lock. Use for
// read-modify-write cycles that must not interleave with other writers.
func (st *Store) Update(callID string, fn func(*CallSession)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.calls[callID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.version++
	return nil
}

// Delete removes the call's session.
func (st *Store) Delete(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.calls, callID)
}

// CallIDs returns the ids of all live sessions.
func (st *Store) CallIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.calls))
	for id := range st.calls {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.calls)
}

// SetGatingToken attempts to acquire the call's playback gate for token.
// It succeeds iff the current token is empty or already equals token, which
// makes acquisition idempotent for the holder and exclusive for everyone
// else.
func (st *Store) SetGatingToken(callID, token string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.calls[callID]
	if !ok {
		return false
	}
	if s.gatingToken == "" || s.gatingToken == token {
		s.gatingToken = token
		return true
	}
	return false
}

// ClearGatingToken releases the gate iff it is still held by token.
func (st *Store) ClearGatingToken(callID, token string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.calls[callID]
	if !ok {
		return false
	}
	if s.gatingToken == token {
		s.gatingToken = ""
		return true
	}
	return false
}

// GatingToken returns the currently held token, or "".
func (st *Store) GatingToken(callID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if s, ok := st.calls[callID]; ok {
		return s.gatingToken
	}
	return ""
}
