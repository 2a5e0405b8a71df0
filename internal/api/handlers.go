package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/execution"
	"github.com/manpreetbhatti/codecollab/internal/presence"
	"github.com/manpreetbhatti/codecollab/internal/ws"
)

const (
	runtimesTimeout = 10 * time.Second
	presenceTimeout = 2 * time.Second
)

// RuntimeLister lists the languages the execution service supports.
type RuntimeLister interface {
	Runtimes(ctx context.Context) ([]execution.Runtime, error)
}

type API struct {
	hub      *ws.Hub
	database *db.Database
	presence *presence.Mirror
	runtimes RuntimeLister
}

func New(hub *ws.Hub, database *db.Database, mirror *presence.Mirror, runtimes RuntimeLister) *API {
	if mirror == nil {
		mirror = presence.New(nil)
	}
	return &API{
		hub:      hub,
		database: database,
		presence: mirror,
		runtimes: runtimes,
	}
}

// Routes registers every REST endpoint on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	api.HandleFunc("/runtimes", a.RuntimesHandler).Methods(http.MethodGet)
	api.HandleFunc("/presence", a.PresenceHandler).Methods(http.MethodGet)

	api.HandleFunc("/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/executions", a.ListExecutionsHandler).Methods(http.MethodGet)

	api.HandleFunc("/rooms/{id}/checkpoints", a.ListCheckpointsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/checkpoints", a.CreateCheckpointHandler).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}/checkpoints/diff", a.DiffCheckpointsHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/checkpoints/{cid:[0-9]+}", a.GetCheckpointHandler).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/checkpoints/{cid:[0-9]+}", a.DeleteCheckpointHandler).Methods(http.MethodDelete)
	api.HandleFunc("/rooms/{id}/checkpoints/{cid:[0-9]+}/restore", a.RestoreCheckpointHandler).Methods(http.MethodPost)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// queryInt reads a non-negative integer query parameter, falling back to def
// when it is missing, malformed or above max.
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 || (max > 0 && v > max) {
		return def
	}
	return v
}

// requireDatabase answers 503 when the API runs without persistence.
func (a *API) requireDatabase(w http.ResponseWriter) bool {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Database not configured")
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err != nil {
			log.Printf("Failed to read stats: %v", err)
		} else {
			stats["total_sessions"] = dbStats.Sessions
			stats["total_checkpoints"] = dbStats.Checkpoints
			stats["total_executions"] = dbStats.Executions
			stats["failed_executions"] = dbStats.FailedRuns
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) RuntimesHandler(w http.ResponseWriter, r *http.Request) {
	if a.runtimes == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Execution service not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runtimesTimeout)
	defer cancel()

	runtimes, err := a.runtimes.Runtimes(ctx)
	if err != nil {
		log.Printf("Failed to list runtimes: %v", err)
		errorResponse(w, http.StatusBadGateway, "Failed to list runtimes")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"runtimes": runtimes,
	})
}

// Room handlers

type RoomResponse struct {
	ID             string       `json:"id"`
	Language       string       `json:"language"`
	Participants   []string     `json:"participants"`
	Peak           int          `json:"peak_participants"`
	DocumentLength int          `json:"document_length"`
	Typing         []string     `json:"typing"`
	Sessions       []db.Session `json:"sessions,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := a.hub.GetActiveRooms()
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// CreateRoomHandler only mints an id; the room itself comes into existence
// on the first join.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusCreated, map[string]string{
		"id": uuid.NewString(),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, ok := a.hub.Registry().Lookup(roomID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	state := room.Snapshot()

	response := RoomResponse{
		ID:             state.RoomID,
		Language:       state.Language,
		Participants:   state.Participants,
		Peak:           room.Peak(),
		DocumentLength: len(state.Document),
		Typing:         []string{},
	}

	if a.presence.Enabled() {
		ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
		typing, err := a.presence.TypingUsers(ctx, roomID, room.Instance)
		cancel()
		if err != nil {
			log.Printf("Failed to read typing users for room %s: %v", roomID, err)
		} else if typing != nil {
			response.Typing = typing
		}
	}

	if a.database != nil {
		sessions, err := a.database.ListSessions(roomID, 10, 0)
		if err != nil {
			log.Printf("Failed to list sessions for room %s: %v", roomID, err)
		}
		response.Sessions = sessions
	}

	jsonResponse(w, http.StatusOK, response)
}

func (a *API) ListExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	roomID := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 50, 200)
	if limit == 0 {
		limit = 50
	}

	executions, err := a.database.ListExecutions(roomID, limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	if executions == nil {
		executions = []db.Execution{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"limit":      limit,
	})
}

// PresenceHandler reports the rooms and rosters mirrored into Redis, which
// covers every server process sharing the same Redis.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if !a.presence.Enabled() {
		errorResponse(w, http.StatusServiceUnavailable, "Presence mirror not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
	defer cancel()

	rooms, err := a.presence.Rooms(ctx)
	if err != nil {
		log.Printf("Failed to read presence: %v", err)
		errorResponse(w, http.StatusBadGateway, "Failed to read presence")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
		"total": len(rooms),
	})
}
