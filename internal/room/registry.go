package room

import (
	"errors"
	"sort"
	"sync"
	"time"
)

type LifecycleKind string

const (
	Opened LifecycleKind = "opened"
	Closed LifecycleKind = "closed"
)

// Lifecycle describes a room being created or destroyed.
type Lifecycle struct {
	Kind     LifecycleKind
	RoomID   string
	Instance string
	// Peak participant count, set on Closed.
	Peak int
	At   time.Time
}

// Summary is a lightweight view of a live room for listings.
type Summary struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
	Language     string `json:"language"`
}

// Registry owns every live room. A room exists from its first join until
// the participant list becomes empty.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	defaults Defaults

	// Called with mu held so events arrive in order; must not block.
	observer func(Lifecycle)
}

type Option func(*Registry)

// WithObserver registers a callback for room lifecycle events. The callback
// runs while the registry is locked and must return quickly.
func WithObserver(fn func(Lifecycle)) Option {
	return func(g *Registry) {
		g.observer = fn
	}
}

func NewRegistry(defaults Defaults, opts ...Option) *Registry {
	g := &Registry{
		rooms:    make(map[string]*Room),
		defaults: defaults,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GetOrCreate returns the live room for id, creating it with the defaults.
// Concurrent first joins for the same id all receive the same instance.
func (g *Registry) GetOrCreate(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := newRoom(id, g.defaults)
	g.rooms[id] = r
	g.notify(Lifecycle{Kind: Opened, RoomID: id, Instance: r.Instance, At: time.Now()})
	return r
}

func (g *Registry) Lookup(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Join resolves the room and adds the peer. If the room is destroyed between
// lookup and join, a fresh room is created and the join retried.
func (g *Registry) Join(roomID string, peer Peer, displayName string) (*Room, State) {
	for {
		r := g.GetOrCreate(roomID)
		state, err := r.Join(peer, displayName)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return r, state
	}
}

// Leave removes the connection from the room and destroys the room once it
// is empty. Unknown rooms and connections are no-ops.
func (g *Registry) Leave(roomID, connectionID string) bool {
	r, ok := g.Lookup(roomID)
	if !ok {
		return false
	}
	removed, remaining := r.Leave(connectionID)
	if remaining == 0 {
		g.Remove(roomID)
	}
	return removed
}

// Remove destroys the room if it is still empty. A join that slipped in
// after the last leave keeps the room alive.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[id]
	if !ok {
		return false
	}

	r.mu.Lock()
	empty := len(r.participants) == 0
	if empty {
		r.closed = true
	}
	peak := r.peak
	r.mu.Unlock()

	if !empty {
		return false
	}
	delete(g.rooms, id)
	g.notify(Lifecycle{Kind: Closed, RoomID: id, Instance: r.Instance, Peak: peak, At: time.Now()})
	return true
}

// Instances returns the instance ids of every live room.
func (g *Registry) Instances() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.rooms))
	for _, r := range g.rooms {
		ids = append(ids, r.Instance)
	}
	return ids
}

func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Summaries lists live rooms ordered by id.
func (g *Registry) Summaries() []Summary {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		state := r.Snapshot()
		summaries = append(summaries, Summary{
			ID:           state.RoomID,
			Participants: len(state.Participants),
			Language:     state.Language,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

func (g *Registry) notify(event Lifecycle) {
	if g.observer != nil {
		g.observer(event)
	}
}
