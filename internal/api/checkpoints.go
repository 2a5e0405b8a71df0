package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/room"
)

// Auto checkpoints kept per room
const autoCheckpointLimit = 20

type CreateCheckpointRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Content     *string `json:"content"`
	CreatedBy   string  `json:"created_by"`
	IsAuto      bool    `json:"is_auto"`
}

type CheckpointResponse struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"` // only on single fetch
	Language    string    `json:"language,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func checkpointResponse(c *db.Checkpoint, withContent bool) CheckpointResponse {
	resp := CheckpointResponse{
		ID:          c.ID,
		RoomID:      c.RoomID,
		Name:        c.Name,
		Description: c.Description,
		Language:    c.Language,
		ContentHash: c.ContentHash,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		IsAuto:      c.IsAuto,
	}
	if withContent {
		resp.Content = c.Content
	}
	return resp
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// checkpointFor loads the checkpoint named in the path. It must belong to the
// live room in the path; checkpoints of a closed room, or of an earlier room
// with the same id, are not found. It writes the error response itself.
func (a *API) checkpointFor(w http.ResponseWriter, roomID, rawID string) (*db.Checkpoint, *room.Room) {
	id, err := strconv.Atoi(rawID)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid checkpoint ID")
		return nil, nil
	}

	cp, err := a.database.GetCheckpoint(id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get checkpoint")
		return nil, nil
	}
	live, ok := a.hub.Registry().Lookup(roomID)
	if cp == nil || !ok || cp.RoomID != roomID || cp.Instance != live.Instance {
		errorResponse(w, http.StatusNotFound, "Checkpoint not found")
		return nil, nil
	}
	return cp, live
}

func (a *API) ListCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	roomID := mux.Vars(r)["id"]

	limit := queryInt(r, "limit", 50, 100)
	if limit == 0 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0, 0)

	live, ok := a.hub.Registry().Lookup(roomID)
	if !ok {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"checkpoints": []CheckpointResponse{},
			"total":       0,
			"limit":       limit,
			"offset":      offset,
		})
		return
	}

	checkpoints, err := a.database.ListCheckpoints(live.Instance, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}

	response := make([]CheckpointResponse, len(checkpoints))
	for i := range checkpoints {
		response[i] = checkpointResponse(&checkpoints[i], false)
	}

	total, err := a.database.CountCheckpoints(live.Instance)
	if err != nil {
		log.Printf("Failed to count checkpoints for room %s: %v", roomID, err)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"checkpoints": response,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// CreateCheckpointHandler saves a copy of the live document. Checkpoints only
// exist while the room does, so the room must be live. The checkpoint is
// stamped with the room instance; if the room closes before the insert lands
// the row is never visible and the retention sweep removes it.
func (a *API) CreateCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	roomID := mux.Vars(r)["id"]

	var req CreateCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	live, ok := a.hub.Registry().Lookup(roomID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room is not active")
		return
	}
	state := live.Snapshot()

	content := state.Document
	if req.Content != nil {
		content = *req.Content
	}

	if req.Name == "" {
		label := "Checkpoint"
		if req.IsAuto {
			label = "Auto-save"
		}
		req.Name = fmt.Sprintf("%s %s", label, time.Now().Format("Jan 2, 3:04 PM"))
	}

	contentHash := hashContent(content)

	// An auto-save identical to the latest checkpoint is not stored again.
	if req.IsAuto {
		latest, err := a.database.LatestCheckpoint(live.Instance)
		if err == nil && latest != nil && latest.ContentHash == contentHash {
			jsonResponse(w, http.StatusOK, checkpointResponse(latest, false))
			return
		}
	}

	cp, err := a.database.CreateCheckpoint(db.Checkpoint{
		RoomID:      roomID,
		Instance:    live.Instance,
		Name:        req.Name,
		Description: req.Description,
		Content:     content,
		Language:    state.Language,
		ContentHash: contentHash,
		CreatedBy:   req.CreatedBy,
		IsAuto:      req.IsAuto,
	})
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create checkpoint")
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoCheckpoints(live.Instance, autoCheckpointLimit); err != nil {
			log.Printf("Failed to clean up old auto checkpoints: %v", err)
		}
	}

	jsonResponse(w, http.StatusCreated, checkpointResponse(cp, false))
}

func (a *API) GetCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	vars := mux.Vars(r)
	cp, _ := a.checkpointFor(w, vars["id"], vars["cid"])
	if cp == nil {
		return
	}
	jsonResponse(w, http.StatusOK, checkpointResponse(cp, true))
}

func (a *API) DeleteCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	vars := mux.Vars(r)
	cp, _ := a.checkpointFor(w, vars["id"], vars["cid"])
	if cp == nil {
		return
	}

	if err := a.database.DeleteCheckpoint(cp.ID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete checkpoint")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Checkpoint deleted"})
}

func (a *API) DiffCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	roomID := mux.Vars(r)["id"]
	query := r.URL.Query()

	from, _ := a.checkpointFor(w, roomID, query.Get("from"))
	if from == nil {
		return
	}
	to, _ := a.checkpointFor(w, roomID, query.Get("to"))
	if to == nil {
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from": checkpointResponse(from, false),
		"to":   checkpointResponse(to, false),
		"diff": computeDiff(from.Content, to.Content),
	})
}

// RestoreCheckpointHandler puts a checkpoint back as the live document. Every
// participant, including any editor, receives the restored text.
func (a *API) RestoreCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}
	vars := mux.Vars(r)
	if _, ok := a.hub.Registry().Lookup(vars["id"]); !ok {
		errorResponse(w, http.StatusConflict, "Room is not active")
		return
	}
	cp, live := a.checkpointFor(w, vars["id"], vars["cid"])
	if cp == nil {
		return
	}

	if err := live.Restore(cp.Content); err != nil {
		if errors.Is(err, room.ErrRoomClosed) {
			errorResponse(w, http.StatusConflict, "Room is not active")
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to restore checkpoint")
		return
	}
	log.Printf("Room %s restored to checkpoint %d", cp.RoomID, cp.ID)

	restored, err := a.database.CreateCheckpoint(db.Checkpoint{
		RoomID:      cp.RoomID,
		Instance:    live.Instance,
		Name:        fmt.Sprintf("Restored from: %s", cp.Name),
		Description: fmt.Sprintf("Restored to checkpoint %d (%s)", cp.ID, cp.Name),
		Content:     cp.Content,
		Language:    cp.Language,
		ContentHash: cp.ContentHash,
	})
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to record restore")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":        "Checkpoint restored",
		"restored_from":  cp.ID,
		"new_checkpoint": restored.ID,
		"room_id":        cp.RoomID,
		"content":        cp.Content,
	})
}
