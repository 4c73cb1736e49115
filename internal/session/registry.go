// Package session tracks live connections attached to document rooms.
// Nothing here is persisted; state lives for the lifetime of the Registry.
package session

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAlreadyAttached indicates the connection already belongs to a different document.
	ErrAlreadyAttached = errors.New("session: connection attached to another document")
	// ErrInvalidMember indicates a membership without connection or user id.
	ErrInvalidMember = errors.New("session: member requires connection and user id")
)

// Member is one connection of one identity inside a document room.
type Member struct {
	ConnectionID string
	UserID       string
	DisplayName  string

	sequence int64
}

// RosterUser is a distinct identity present in a room.
type RosterUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Roster summarizes a room: distinct identities plus total connections.
type Roster struct {
	Count            int          `json:"count"`
	Users            []RosterUser `json:"users"`
	TotalConnections int          `json:"totalConnections"`
}

// Registry maps document ids to their active memberships. A connection is
// attached to at most one document at a time.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Member
	attached map[string]string
	nextSeq  int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]Member),
		attached: make(map[string]string),
	}
}

// AddMembership attaches member to documentID. It reports false without error
// when the connection is already a member of that document.
func (r *Registry) AddMembership(documentID string, member Member) (bool, error) {
	if member.ConnectionID == "" || member.UserID == "" || documentID == "" {
		return false, ErrInvalidMember
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.attached[member.ConnectionID]; ok {
		if current == documentID {
			return false, nil
		}
		return false, ErrAlreadyAttached
	}

	room, ok := r.rooms[documentID]
	if !ok {
		room = make(map[string]Member)
		r.rooms[documentID] = room
	}
	r.nextSeq++
	member.sequence = r.nextSeq
	room[member.ConnectionID] = member
	r.attached[member.ConnectionID] = documentID
	return true, nil
}

// RemoveMembership detaches the connection from documentID. Removing a
// membership that does not exist is a no-op reporting false.
func (r *Registry) RemoveMembership(documentID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(documentID, connectionID)
}

// Detach removes the connection from whatever document it is attached to.
func (r *Registry) Detach(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	documentID, ok := r.attached[connectionID]
	if !ok {
		return "", false
	}
	return documentID, r.removeLocked(documentID, connectionID)
}

func (r *Registry) removeLocked(documentID, connectionID string) bool {
	room := r.rooms[documentID]
	if _, ok := room[connectionID]; !ok {
		return false
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, documentID)
	}
	delete(r.attached, connectionID)
	return true
}

// CurrentDocument returns the document the connection is attached to.
func (r *Registry) CurrentDocument(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	documentID, ok := r.attached[connectionID]
	return documentID, ok
}

// ListMembers returns a snapshot of the room ordered by join time.
func (r *Registry) ListMembers(documentID string) []Member {
	r.mu.RLock()
	room := r.rooms[documentID]
	members := make([]Member, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		return members[i].sequence < members[j].sequence
	})
	return members
}

// IsEmpty reports whether documentID has no members.
func (r *Registry) IsEmpty(documentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[documentID]) == 0
}

// Roster derives the room view from the current memberships.
func (r *Registry) Roster(documentID string) Roster {
	members := r.ListMembers(documentID)
	roster := Roster{
		Users:            make([]RosterUser, 0, len(members)),
		TotalConnections: len(members),
	}
	seen := make(map[string]struct{}, len(members))
	for _, member := range members {
		if _, ok := seen[member.UserID]; ok {
			continue
		}
		seen[member.UserID] = struct{}{}
		roster.Users = append(roster.Users, RosterUser{ID: member.UserID, Name: member.DisplayName})
	}
	roster.Count = len(roster.Users)
	return roster
}

// Stats reports the number of non-empty rooms and attached connections.
func (r *Registry) Stats() (rooms int, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.attached)
}
