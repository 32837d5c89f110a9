package resolver

import (
	"context"
	"sync"
)

type sessionKey struct{}

// session belongs to the call chain holding a resolver's build lock. It
// carries the objects whose decode has started but not finished, so that a
// reference back to one of them gets the partial object instead of a second
// construction. Objects built during the session are staged and reach the
// resolver cache only when the outermost construction succeeds.
type session struct {
	owner *Resolver

	mu      sync.Mutex
	pending map[string]any
	staged  map[string]any
	order   []string
}

func newSession(r *Resolver) *session {
	return &session{owner: r, pending: make(map[string]any), staged: make(map[string]any)}
}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// sessionFrom returns the session of r carried by ctx, if any. Sessions of
// other resolvers are ignored.
func sessionFrom(ctx context.Context, r *Resolver) *session {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok || s.owner != r {
		return nil
	}
	return s
}

func (s *session) publish(id string, obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = obj
}

func (s *session) partial(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.pending[id]
	return obj, ok
}

func (s *session) done(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *session) stage(id string, obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staged[id]; !ok {
		s.order = append(s.order, id)
	}
	s.staged[id] = obj
}

func (s *session) built(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.staged[id]
	return obj, ok
}

// mark returns a point that rollback can return to.
func (s *session) mark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// rollback drops every object staged after m. They may hold a partial object
// whose decode failed.
func (s *session) rollback(m int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[m:] {
		delete(s.staged, id)
	}
	s.order = s.order[:m]
}

func (s *session) commit() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.staged
	s.staged = make(map[string]any)
	s.order = nil
	return out
}
