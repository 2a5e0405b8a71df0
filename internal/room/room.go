package room

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
)

var (
	// ErrRoomClosed is returned when a room was destroyed between lookup and use.
	ErrRoomClosed = errors.New("room closed")

	// ErrNotParticipant is returned for mutations from a connection that is not in the room.
	ErrNotParticipant = errors.New("connection is not a participant")
)

// Peer is the outbound side of a connection. Send must never block; it
// reports false when the frame could not be queued.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

// Participant is one connection's membership in a room.
type Participant struct {
	ConnectionID string
	DisplayName  string
	peer         Peer
}

// Defaults seed a freshly created room.
type Defaults struct {
	Document string
	Language string
}

// State is a consistent copy of a room taken under its lock.
type State struct {
	RoomID       string
	Document     string
	Language     string
	Participants []string
}

// Room is a collaborative editing session. All mutations are serialized by
// mu and fan out while still holding it, so every recipient sees updates in
// the order the room applied them.
type Room struct {
	ID string
	// Instance distinguishes this room from earlier rooms with the same ID.
	Instance string

	mu           sync.Mutex
	document     string
	language     string
	participants []*Participant
	peak         int
	closed       bool
}

func newRoom(id string, defaults Defaults) *Room {
	return &Room{
		ID:           id,
		Instance:     uuid.NewString(),
		document:     defaults.Document,
		language:     defaults.Language,
		participants: make([]*Participant, 0, 4),
	}
}

// Join adds the peer, or refreshes its display name if it already joined.
// The joiner is sent the current state before any later update can reach it,
// then the roster goes to everyone including the joiner.
func (r *Room) Join(peer Peer, displayName string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return State{}, ErrRoomClosed
	}

	if p := r.find(peer.ID()); p != nil {
		p.DisplayName = displayName
		p.peer = peer
	} else {
		r.participants = append(r.participants, &Participant{
			ConnectionID: peer.ID(),
			DisplayName:  displayName,
			peer:         peer,
		})
		if len(r.participants) > r.peak {
			r.peak = len(r.participants)
		}
	}

	state := r.stateLocked()
	r.sendLocked(peer, protocol.EventRoomState, protocol.RoomState{
		RoomID:   state.RoomID,
		Code:     state.Document,
		Language: state.Language,
		Users:    state.Participants,
	})
	r.relayLocked(protocol.EventUserJoined, state.Participants, "")
	return state, nil
}

// Leave removes the connection if present and sends the shrunken roster to
// the remaining participants. Explicit leaves and disconnects both end here.
func (r *Room) Leave(connectionID string) (removed bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(connectionID)
	if idx < 0 {
		return false, len(r.participants)
	}
	r.participants = append(r.participants[:idx], r.participants[idx+1:]...)

	if len(r.participants) > 0 {
		r.relayLocked(protocol.EventUserJoined, r.rosterLocked(), "")
	}
	return true, len(r.participants)
}

// ApplyEdit replaces the document (last write wins) and relays the new text
// to everyone except the sender.
func (r *Room) ApplyEdit(connectionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(connectionID) == nil {
		return ErrNotParticipant
	}
	r.document = text
	r.relayLocked(protocol.EventCodeUpdate, text, connectionID)
	return nil
}

// ApplyLanguageChange stores language as-is and relays it to everyone except the sender.
func (r *Room) ApplyLanguageChange(connectionID, language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(connectionID) == nil {
		return ErrNotParticipant
	}
	r.language = language
	r.relayLocked(protocol.EventLanguageUpdate, language, connectionID)
	return nil
}

// NotifyTyping relays a transient typing signal. Room state is untouched.
func (r *Room) NotifyTyping(connectionID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.find(connectionID) == nil {
		return ErrNotParticipant
	}
	r.relayLocked(protocol.EventUserTyping, displayName, connectionID)
	return nil
}

// Restore replaces the document on behalf of the server (checkpoint restore)
// and relays it to every participant.
func (r *Room) Restore(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	r.document = text
	r.relayLocked(protocol.EventCodeUpdate, text, "")
	return nil
}

func (r *Room) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Peak returns the largest roster size the room has reached.
func (r *Room) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *Room) stateLocked() State {
	return State{
		RoomID:       r.ID,
		Document:     r.document,
		Language:     r.language,
		Participants: r.rosterLocked(),
	}
}

func (r *Room) rosterLocked() []string {
	names := make([]string, len(r.participants))
	for i, p := range r.participants {
		names[i] = p.DisplayName
	}
	return names
}

func (r *Room) index(connectionID string) int {
	for i, p := range r.participants {
		if p.ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

func (r *Room) find(connectionID string) *Participant {
	if i := r.index(connectionID); i >= 0 {
		return r.participants[i]
	}
	return nil
}
