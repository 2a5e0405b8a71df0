package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/execution"
	"github.com/manpreetbhatti/codecollab/internal/presence"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
	"github.com/manpreetbhatti/codecollab/internal/room"
)

const mirrorTimeout = 2 * time.Second

// Executor runs a code execution request.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
}

// Limiter decides whether a connection may start another execution.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

// Store persists room sessions and execution outcomes. Sessions are keyed by
// room instance.
type Store interface {
	OpenSession(roomID, instance string, at time.Time) (int64, error)
	CloseSession(instance string, peak int, at time.Time) error
	RecordExecution(e db.Execution) error
}

type Options struct {
	Defaults       room.Defaults
	Executor       Executor
	CompileLimiter Limiter
	Store          Store
	Presence       *presence.Mirror
	CheckOrigin    func(origin string) bool
}

// Hub routes connection events into the room registry and owns everything a
// connection shares with others: rooms, execution, persistence hooks.
type Hub struct {
	registry *room.Registry
	executor Executor
	limiter  Limiter
	store    Store
	presence *presence.Mirror
	upgrader websocket.Upgrader

	// Room open/close events, drained by Run. The queue is unbounded so a
	// close is never lost.
	queueMu sync.Mutex
	queue   []room.Lifecycle
	wake    chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}

	inflight sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		executor: opts.Executor,
		limiter:  opts.CompileLimiter,
		store:    opts.Store,
		presence: opts.Presence,
		wake:     make(chan struct{}, 1),
		clients:  make(map[*Client]struct{}),
	}
	if h.presence == nil {
		h.presence = presence.New(nil)
	}
	h.registry = room.NewRegistry(opts.Defaults, room.WithObserver(h.observe))

	checkOrigin := opts.CheckOrigin
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin == nil {
				return true
			}
			return checkOrigin(r.Header.Get("Origin"))
		},
	}
	return h
}

func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// observe runs under the registry lock, so it only queues the event.
func (h *Hub) observe(event room.Lifecycle) {
	h.queueMu.Lock()
	h.queue = append(h.queue, event)
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) drain() []room.Lifecycle {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	events := h.queue
	h.queue = nil
	return events
}

// Run records room lifecycle events until ctx is cancelled. Events queued
// before Run starts are handled on its first pass.
func (h *Hub) Run(ctx context.Context) {
	for {
		for _, event := range h.drain() {
			h.handleLifecycle(event)
		}
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
		}
	}
}

func (h *Hub) handleLifecycle(event room.Lifecycle) {
	switch event.Kind {
	case room.Opened:
		log.Printf("Room %s opened", event.RoomID)
		if h.store != nil {
			if _, err := h.store.OpenSession(event.RoomID, event.Instance, event.At); err != nil {
				log.Printf("Failed to record session for room %s: %v", event.RoomID, err)
			}
		}
	case room.Closed:
		log.Printf("Room %s closed (peak: %d)", event.RoomID, event.Peak)
		if h.store != nil {
			if err := h.store.CloseSession(event.Instance, event.Peak, event.At); err != nil {
				log.Printf("Failed to close session for room %s: %v", event.RoomID, err)
			}
		}
		h.mirror(func(ctx context.Context) error {
			return h.presence.ClearRoom(ctx, event.RoomID, event.Instance)
		})
	}
}

// Wait blocks until every in-flight execution has been answered.
func (h *Hub) Wait() {
	h.inflight.Wait()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client %s connected (total: %d)", c.id, total)
}

// disconnect is the implicit leave for a closed connection.
func (h *Hub) disconnect(c *Client) {
	h.leave(c)

	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	if f, ok := h.limiter.(interface{ Forget(string) }); ok {
		f.Forget(c.id)
	}
	c.close()
	log.Printf("Client %s disconnected (total: %d)", c.id, total)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetRoomCount() int {
	return h.registry.Count()
}

func (h *Hub) GetActiveRooms() []room.Summary {
	return h.registry.Summaries()
}

// handleFrame decodes one inbound frame and applies it. Malformed frames and
// events for a room the connection is not in are dropped.
func (h *Hub) handleFrame(c *Client, frame []byte) {
	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		log.Printf("⚠️ Invalid message from client %s: %v", c.id, err)
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		msg, err := protocol.DecodeJoin(env.Data)
		if err != nil {
			h.reject(c, env.Event, err)
			return
		}
		h.join(c, msg)

	case protocol.EventCodeChange:
		msg, err := protocol.DecodeCodeChange(env.Data)
		if err != nil {
			h.reject(c, env.Event, err)
			return
		}
		if r, ok := h.currentRoom(c, msg.RoomID, env.Event); ok {
			if err := r.ApplyEdit(c.id, msg.Code); err != nil {
				h.reject(c, env.Event, err)
			}
		}

	case protocol.EventTyping:
		msg, err := protocol.DecodeTyping(env.Data)
		if err != nil {
			h.reject(c, env.Event, err)
			return
		}
		if r, ok := h.currentRoom(c, msg.RoomID, env.Event); ok {
			if err := r.NotifyTyping(c.id, msg.DisplayName); err != nil {
				h.reject(c, env.Event, err)
				return
			}
			h.mirror(func(ctx context.Context) error {
				return h.presence.MarkTyping(ctx, r.ID, r.Instance, msg.DisplayName)
			})
		}

	case protocol.EventLanguageChange:
		msg, err := protocol.DecodeLanguageChange(env.Data)
		if err != nil {
			h.reject(c, env.Event, err)
			return
		}
		if r, ok := h.currentRoom(c, msg.RoomID, env.Event); ok {
			if err := r.ApplyLanguageChange(c.id, msg.Language); err != nil {
				h.reject(c, env.Event, err)
			}
		}

	case protocol.EventLeaveRoom:
		h.leave(c)

	case protocol.EventCompileCode:
		msg, err := protocol.DecodeCompileCode(env.Data)
		if err != nil {
			h.reject(c, env.Event, err)
			return
		}
		h.compile(c, msg)
	}
}

func (h *Hub) reject(c *Client, event protocol.Event, err error) {
	log.Printf("⚠️ Dropped %s from client %s: %v", event, c.id, err)
}

// currentRoom resolves the room a room-scoped event targets. It must be the
// room the connection is currently in.
func (h *Hub) currentRoom(c *Client, roomID string, event protocol.Event) (*room.Room, bool) {
	current, ok := c.room()
	if !ok || current != roomID {
		log.Printf("⚠️ Dropped %s from client %s: not in room %q", event, c.id, roomID)
		return nil, false
	}
	r, ok := h.registry.Lookup(current)
	if !ok {
		return nil, false
	}
	return r, true
}

func (h *Hub) join(c *Client, msg protocol.Join) {
	if current, ok := c.room(); ok && current != msg.RoomID {
		h.leave(c)
	}

	r, state := h.registry.Join(msg.RoomID, c, msg.DisplayName)
	c.setRoom(msg.RoomID)
	log.Printf("Client %s joined room %s as %q (total: %d)",
		c.id, msg.RoomID, msg.DisplayName, len(state.Participants))

	h.mirror(func(ctx context.Context) error {
		return h.presence.SetRoster(ctx, state.RoomID, r.Instance, state.Participants)
	})
}

func (h *Hub) leave(c *Client) {
	roomID, ok := c.room()
	if !ok {
		return
	}
	c.clearRoom()

	if !h.registry.Leave(roomID, c.id) {
		return
	}
	r, ok := h.registry.Lookup(roomID)
	if !ok {
		log.Printf("Client %s left room %s (room closed)", c.id, roomID)
		return
	}
	state := r.Snapshot()
	log.Printf("Client %s left room %s (remaining: %d)", c.id, roomID, len(state.Participants))
	h.mirror(func(ctx context.Context) error {
		return h.presence.SetRoster(ctx, roomID, r.Instance, state.Participants)
	})
}

func (h *Hub) mirror(fn func(ctx context.Context) error) {
	if !h.presence.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("⚠️ Presence mirror failed: %v", err)
	}
}

// compile answers the requester with exactly one codeResponse. The
// execution is not tied to the connection: if it closes first the response
// is discarded.
func (h *Hub) compile(c *Client, msg protocol.CompileCode) {
	roomID, ok := c.room()
	if !ok {
		roomID = msg.RoomID
	}

	if h.limiter != nil {
		if err := h.limiter.Allow(context.Background(), c.id); err != nil {
			h.respond(c, roomID, msg, time.Now(), execution.Result{}, &execution.Error{
				Code:    execution.CodeRateLimited,
				Message: "too many run requests, try again shortly",
				Cause:   err,
			})
			return
		}
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		start := time.Now()
		result, err := h.executor.Execute(context.Background(), execution.Request{
			Code:     msg.Code,
			Language: msg.Language,
			Version:  msg.Version,
			Stdin:    msg.Input,
		})
		h.respond(c, roomID, msg, start, result, err)
	}()
}

func (h *Hub) respond(c *Client, roomID string, msg protocol.CompileCode, start time.Time, result execution.Result, err error) {
	resp := protocol.CodeResponse{
		Run: protocol.RunResult{
			Output: result.Output,
			Stdout: result.Stdout,
			Stderr: result.Stderr,
			Code:   result.ExitCode,
		},
	}
	status := "ok"
	if err != nil {
		var execErr *execution.Error
		if !errors.As(err, &execErr) {
			execErr = &execution.Error{Code: execution.CodeUnavailable, Message: "execution failed", Cause: err}
		}
		status = string(execErr.Code)
		resp.Run = protocol.RunResult{Output: execErr.Message}
		resp.Error = &protocol.ResponseError{Code: string(execErr.Code), Message: execErr.Message}
		log.Printf("⚠️ Execution for client %s failed: %v", c.id, err)
	}

	if !c.sendEvent(protocol.EventCodeResponse, resp) {
		log.Printf("Execution result for client %s discarded (connection gone)", c.id)
	}

	if h.store == nil {
		return
	}
	rec := db.Execution{
		RoomID:       roomID,
		ConnectionID: c.id,
		Language:     msg.Language,
		Version:      msg.Version,
		Status:       status,
		DurationMS:   time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if err := h.store.RecordExecution(rec); err != nil {
		log.Printf("Failed to record execution for client %s: %v", c.id, err)
	}
}
