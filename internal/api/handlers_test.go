package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/execution"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
	"github.com/manpreetbhatti/codecollab/internal/room"
	"github.com/manpreetbhatti/codecollab/internal/ws"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, execution.Request) (execution.Result, error) {
	return execution.Result{}, nil
}

type stubRuntimes struct {
	runtimes []execution.Runtime
	err      error
}

func (s stubRuntimes) Runtimes(context.Context) ([]execution.Runtime, error) {
	return s.runtimes, s.err
}

// Collects frames sent to a room participant
type recordingPeer struct {
	id     string
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Send(frame []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	p.mu.Lock()
	p.frames = append(p.frames, env)
	p.mu.Unlock()
	return true
}

func (p *recordingPeer) last(event protocol.Event) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if p.frames[i].Event == event {
			return p.frames[i].Data, true
		}
	}
	return nil, false
}

type testEnv struct {
	api    *API
	hub    *ws.Hub
	db     *db.Database
	router *mux.Router
}

func setupTestAPI(t *testing.T, runtimes RuntimeLister) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codecollab-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(ws.Options{
		Defaults: room.Defaults{Document: "// start code here", Language: "javascript"},
		Executor: noopExecutor{},
		Store:    database,
	})

	api := New(hub, database, nil, runtimes)
	router := mux.NewRouter()
	api.Routes(router)

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return &testEnv{api: api, hub: hub, db: database, router: router}, cleanup
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// liveRoom puts a participant in roomID so the room exists.
func (e *testEnv) liveRoom(roomID string) *recordingPeer {
	peer := &recordingPeer{id: "peer-" + roomID}
	e.hub.Registry().Join(roomID, peer, "ann")
	return peer
}

func (e *testEnv) createCheckpoint(t *testing.T, roomID string, body map[string]any) CheckpointResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/rooms/"+roomID+"/checkpoints", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var cp CheckpointResponse
	decode(t, w, &cp)
	return cp
}

func TestHealthHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	decode(t, w, &response)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", response["status"])
	}
	if _, ok := response["timestamp"]; !ok {
		t.Error("Expected timestamp in response")
	}
}

func TestStatsHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	env.db.RecordExecution(db.Execution{RoomID: "room-1", Language: "python", Status: "TIMEOUT"})

	w := env.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	decode(t, w, &response)
	if response["active_rooms"] != float64(1) {
		t.Errorf("Expected 1 active room, got %v", response["active_rooms"])
	}
	if response["total_executions"] != float64(1) {
		t.Errorf("Expected 1 execution, got %v", response["total_executions"])
	}
	if response["failed_executions"] != float64(1) {
		t.Errorf("Expected 1 failed execution, got %v", response["failed_executions"])
	}
}

func TestListRooms(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("b-room")
	env.liveRoom("a-room")

	w := env.do(t, http.MethodGet, "/api/rooms", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Rooms []room.Summary `json:"rooms"`
		Total int            `json:"total"`
	}
	decode(t, w, &response)
	if response.Total != 2 || len(response.Rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %+v", response)
	}
	if response.Rooms[0].ID != "a-room" || response.Rooms[0].Participants != 1 {
		t.Errorf("Unexpected first room %+v", response.Rooms[0])
	}
}

func TestCreateRoomMintsID(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodPost, "/api/rooms", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}

	var response map[string]string
	decode(t, w, &response)
	if len(response["id"]) != 36 {
		t.Errorf("Expected uuid room id, got %q", response["id"])
	}
	if env.hub.GetRoomCount() != 0 {
		t.Error("Minting an id should not create a room")
	}
}

func TestGetRoom(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")

	w := env.do(t, http.MethodGet, "/api/rooms/room-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response RoomResponse
	decode(t, w, &response)
	if response.ID != "room-1" || response.Language != "javascript" {
		t.Errorf("Unexpected room %+v", response)
	}
	if len(response.Participants) != 1 || response.Participants[0] != "ann" {
		t.Errorf("Expected [ann], got %v", response.Participants)
	}
	if response.DocumentLength != len("// start code here") {
		t.Errorf("Unexpected document length %d", response.DocumentLength)
	}
	if response.Peak != 1 {
		t.Errorf("Expected peak 1, got %d", response.Peak)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/rooms/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCreateCheckpointDefaultsToLiveDocument(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"name": "first"})

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/room-1/checkpoints/%d", cp.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var full CheckpointResponse
	decode(t, w, &full)
	if full.Content != "// start code here" || full.Language != "javascript" {
		t.Errorf("Unexpected checkpoint %+v", full)
	}
	if full.Name != "first" {
		t.Errorf("Expected name 'first', got %q", full.Name)
	}
}

func TestCreateCheckpointRequiresLiveRoom(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodPost, "/api/rooms/gone/checkpoints", map[string]any{"content": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCreateCheckpointInvalidJSON(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/room-1/checkpoints", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestAutoCheckpointDeduplicated(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	first := env.createCheckpoint(t, "room-1", map[string]any{"is_auto": true})

	w := env.do(t, http.MethodPost, "/api/rooms/room-1/checkpoints", map[string]any{"is_auto": true})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for duplicate, got %d", w.Code)
	}
	var dup CheckpointResponse
	decode(t, w, &dup)
	if dup.ID != first.ID {
		t.Errorf("Expected existing checkpoint %d, got %d", first.ID, dup.ID)
	}

	count, _ := env.db.CountCheckpoints("room-1")
	if count != 1 {
		t.Errorf("Expected 1 checkpoint, got %d", count)
	}
}

func TestListCheckpoints(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	for i := 0; i < 3; i++ {
		env.createCheckpoint(t, "room-1", map[string]any{"content": fmt.Sprintf("v%d", i)})
	}

	w := env.do(t, http.MethodGet, "/api/rooms/room-1/checkpoints?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Checkpoints []CheckpointResponse `json:"checkpoints"`
		Total       int                  `json:"total"`
	}
	decode(t, w, &response)
	if len(response.Checkpoints) != 2 || response.Total != 3 {
		t.Fatalf("Expected 2 of 3 checkpoints, got %d of %d", len(response.Checkpoints), response.Total)
	}
	if response.Checkpoints[0].Content != "" {
		t.Error("List view should omit content")
	}
}

func TestCheckpointFromOtherRoomNotFound(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	env.liveRoom("room-2")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"content": "secret"})

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/room-2/checkpoints/%d", cp.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCheckpointOfEarlierRoomNotVisible(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	old, _ := env.hub.Registry().Lookup("room-1")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"content": "old"})
	env.hub.Registry().Leave("room-1", "peer-room-1")

	// A create that passed the live check just before the room closed.
	late, err := env.db.CreateCheckpoint(db.Checkpoint{RoomID: "room-1", Instance: old.Instance, Name: "late", Content: "x", ContentHash: "h"})
	if err != nil {
		t.Fatalf("Failed to create checkpoint: %v", err)
	}

	env.liveRoom("room-1")

	for _, id := range []int{cp.ID, late.ID} {
		w := env.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/room-1/checkpoints/%d", id), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Checkpoint %d of the closed room: expected 404, got %d", id, w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/api/rooms/room-1/checkpoints", nil)
	var response struct {
		Checkpoints []CheckpointResponse `json:"checkpoints"`
		Total       int                  `json:"total"`
	}
	decode(t, w, &response)
	if len(response.Checkpoints) != 0 || response.Total != 0 {
		t.Errorf("Reopened room should start without checkpoints, got %d", response.Total)
	}
}

func TestListCheckpointsOfInactiveRoom(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/rooms/gone/checkpoints", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var response struct {
		Checkpoints []CheckpointResponse `json:"checkpoints"`
		Total       int                  `json:"total"`
	}
	decode(t, w, &response)
	if response.Checkpoints == nil || response.Total != 0 {
		t.Errorf("Expected an empty list, got %+v", response)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"content": "x"})
	path := fmt.Sprintf("/api/rooms/room-1/checkpoints/%d", cp.ID)

	if w := env.do(t, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", w.Code)
	}
}

func TestDiffCheckpoints(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	from := env.createCheckpoint(t, "room-1", map[string]any{"content": "a\nb\nc"})
	to := env.createCheckpoint(t, "room-1", map[string]any{"content": "a\nc\nd"})

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/rooms/room-1/checkpoints/diff?from=%d&to=%d", from.ID, to.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response struct {
		Diff []DiffLine `json:"diff"`
	}
	decode(t, w, &response)

	want := []DiffLine{
		{Type: "unchanged", Content: "a", OldLine: 1, NewLine: 1},
		{Type: "removed", Content: "b", OldLine: 2},
		{Type: "unchanged", Content: "c", OldLine: 3, NewLine: 2},
		{Type: "added", Content: "d", NewLine: 3},
	}
	if len(response.Diff) != len(want) {
		t.Fatalf("Expected %d diff lines, got %+v", len(want), response.Diff)
	}
	for i := range want {
		if response.Diff[i] != want[i] {
			t.Errorf("Line %d: expected %+v, got %+v", i, want[i], response.Diff[i])
		}
	}
}

func TestDiffInvalidID(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/rooms/room-1/checkpoints/diff?from=x&to=1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestRestoreCheckpointBroadcasts(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	peer := env.liveRoom("room-1")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"content": "restored text"})

	live, _ := env.hub.Registry().Lookup("room-1")
	live.ApplyEdit(peer.ID(), "later edit")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/rooms/room-1/checkpoints/%d/restore", cp.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if doc := live.Snapshot().Document; doc != "restored text" {
		t.Errorf("Expected restored document, got %q", doc)
	}

	data, ok := peer.last(protocol.EventCodeUpdate)
	if !ok {
		t.Fatal("Participant did not receive the restored document")
	}
	var code string
	json.Unmarshal(data, &code)
	if code != "restored text" {
		t.Errorf("Expected restored text, got %q", code)
	}

	count, _ := env.db.CountCheckpoints(live.Instance)
	if count != 2 {
		t.Errorf("Expected restore to add a checkpoint, got %d", count)
	}
}

func TestRestoreRequiresLiveRoom(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.liveRoom("room-1")
	cp := env.createCheckpoint(t, "room-1", map[string]any{"content": "x"})
	env.hub.Registry().Leave("room-1", "peer-room-1")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/rooms/room-1/checkpoints/%d/restore", cp.ID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestListExecutions(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	env.db.RecordExecution(db.Execution{RoomID: "room-1", Language: "python", Status: "ok"})
	env.db.RecordExecution(db.Execution{RoomID: "room-2", Language: "go", Status: "ok"})

	w := env.do(t, http.MethodGet, "/api/rooms/room-1/executions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Executions []db.Execution `json:"executions"`
	}
	decode(t, w, &response)
	if len(response.Executions) != 1 || response.Executions[0].Language != "python" {
		t.Errorf("Unexpected executions %+v", response.Executions)
	}
}

func TestHandlersWithoutDatabase(t *testing.T) {
	hub := ws.NewHub(ws.Options{Executor: noopExecutor{}})
	hub.Registry().Join("room-1", &recordingPeer{id: "p"}, "ann")

	router := mux.NewRouter()
	New(hub, nil, nil, nil).Routes(router)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/rooms/room-1/executions", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/rooms/room-1/checkpoints", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/rooms/room-1/checkpoints", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/rooms/room-1/checkpoints/1", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/rooms/room-1", http.StatusOK},
		{http.MethodGet, "/api/stats", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestPresenceWithoutRedis(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/presence", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestRuntimesHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t, stubRuntimes{runtimes: []execution.Runtime{{Language: "python", Version: "3.10.0"}}})
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/runtimes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Runtimes []execution.Runtime `json:"runtimes"`
	}
	decode(t, w, &response)
	if len(response.Runtimes) != 1 || response.Runtimes[0].Language != "python" {
		t.Errorf("Unexpected runtimes %+v", response.Runtimes)
	}
}

func TestRuntimesUpstreamFailure(t *testing.T) {
	env, cleanup := setupTestAPI(t, stubRuntimes{err: errors.New("down")})
	defer cleanup()

	w := env.do(t, http.MethodGet, "/api/runtimes", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env, cleanup := setupTestAPI(t, nil)
	defer cleanup()

	w := env.do(t, http.MethodPut, "/api/rooms", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(func(origin string) bool { return origin == "https://ok.example" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"preflight", http.MethodOptions, "https://ok.example", "https://ok.example", http.StatusOK},
		{"allowed", http.MethodGet, "https://ok.example", "https://ok.example", http.StatusTeapot},
		{"foreign", http.MethodGet, "https://evil.example", "", http.StatusTeapot},
		{"no origin", http.MethodGet, "", "*", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/stats", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Expected origin %q, got %q", tt.wantOrigin, got)
			}
		})
	}
}
