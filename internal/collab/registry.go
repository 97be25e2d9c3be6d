package collab

import (
	"sort"
	"sync"
)

// Registry tracks live sessions by project room and by user. One instance is
// shared by every connection handler; all access goes through mu.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
	users map[string]map[*Session]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Session]struct{}),
		users: make(map[string]map[*Session]struct{}),
	}
}

// Register adds s to the room of its project and to its user's session set.
// Registering the same session twice leaves a single entry.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addTo(r.rooms, s.projectID, s)
	addTo(r.users, s.userID, s)
}

// Deregister removes s from its room and from its user's set, dropping either
// entry once empty. Only the exact handle is removed, so another session of
// the same user stays indexed. Calling it for an unknown session is a no-op.
func (r *Registry) Deregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := removeFrom(r.rooms, s.projectID, s)
	if removeFrom(r.users, s.userID, s) {
		removed = true
	}
	return removed
}

// SessionsFor returns a snapshot of the sessions in a project room. The slice
// is the caller's; later registry changes do not affect it.
func (r *Registry) SessionsFor(projectID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[projectID])
}

// UserSessions returns a snapshot of every live session of a user.
func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

// UsersIn returns the distinct user ids connected to a project, sorted.
func (r *Registry) UsersIn(projectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for s := range r.rooms[projectID] {
		seen[s.userID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Projects returns the ids of all non-empty rooms, sorted.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Session
	for _, room := range r.rooms {
		for s := range room {
			all = append(all, s)
		}
	}
	return all
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func addTo(index map[string]map[*Session]struct{}, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Session]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
}

func removeFrom(index map[string]map[*Session]struct{}, key string, s *Session) bool {
	set, ok := index[key]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(index, key)
	}
	return true
}

func snapshot(set map[*Session]struct{}) []*Session {
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
