// Package sessions tracks live call sessions so the control plane can reach
// them and shutdown can drain them.
package sessions

import (
	"context"
	"sync"
)

// Session is the registry's view of a call session.
type Session interface {
	CallID() string
	Status() string
	End(reason string)
	Done() <-chan struct{}
}

// Registry maps call ids to their sessions. An accept-in-flight marker
// suppresses duplicate webhook deliveries for the same call.
type Registry struct {
	mu        sync.Mutex
	accepting map[string]struct{}
	sessions  map[string]Session
	wg        sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		accepting: make(map[string]struct{}),
		sessions:  make(map[string]Session),
	}
}

// BeginAccept marks a call as being accepted. It returns false when the call
// is already accepting or already live, so a redelivered webhook is a no-op.
func (r *Registry) BeginAccept(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accepting[callID]; ok {
		return false
	}
	if _, ok := r.sessions[callID]; ok {
		return false
	}
	r.accepting[callID] = struct{}{}
	return true
}

// FinishAccept replaces the accept marker with the live session.
func (r *Registry) FinishAccept(callID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accepting, callID)
	r.sessions[callID] = s
	r.wg.Add(1)
}

// AbortAccept clears the accept marker after a failed accept.
func (r *Registry) AbortAccept(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accepting, callID)
}

func (r *Registry) Get(callID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove drops the session from the registry. Removing a call that is not
// registered is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return
	}
	delete(r.sessions, callID)
	r.wg.Done()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EndAll ends every registered session. Used when draining.
func (r *Registry) EndAll(reason string) (ended int) {
	r.mu.Lock()
	var all []Session
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.End(reason)
		ended++
	}
	return ended
}

// Wait blocks until all sessions are removed or ctx expires. It reports
// whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
