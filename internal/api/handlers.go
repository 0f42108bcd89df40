package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/db"
	"github.com/manpreetbhatti/huddle/backend/internal/identity"
	"github.com/manpreetbhatti/huddle/backend/internal/ratelimit"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
	"github.com/manpreetbhatti/huddle/backend/internal/ws"
)

const (
	codeLength    = 8
	maxRoomName   = 100
	createsPerMin = 20
	createBurst   = 5
)

// Presence is the live view of the websocket hub.
type Presence interface {
	Stats() ws.Stats
	Members(roomID string) int
}

// Backlog reports writes accepted from clients but not yet stored.
type Backlog interface {
	PendingWrites() int
}

type API struct {
	store    db.Store
	presence Presence
	backlog  Backlog
	creates  *ratelimit.Limiters
	log      *zap.Logger
}

// New builds the REST handlers. backlog may be nil.
func New(store db.Store, presence Presence, backlog Backlog, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		store:    store,
		presence: presence,
		backlog:  backlog,
		creates:  ratelimit.NewLimiters(createsPerMin/60.0, createBurst),
		log:      logger,
	}
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.creates.Stop()
}

// RegisterRoutes mounts the REST endpoints on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/health", a.HealthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Get("/rooms", a.ListRoomsHandler)
		r.Post("/rooms", a.CreateRoomHandler)
		r.Get("/rooms/{id}", a.GetRoomHandler)
		r.Delete("/rooms/{id}", a.DeleteRoomHandler)
		r.Get("/rooms/{id}/snapshot", a.SnapshotHandler)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("encode JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		a.log.Warn("store ping failed", zap.Error(err))
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	a.jsonResponse(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.presence.Stats()
	stats := map[string]any{
		"active_rooms":   live.Rooms,
		"active_members": live.Members,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if a.backlog != nil {
		stats["pending_writes"] = a.backlog.PendingWrites()
	}

	if dbStats, err := a.store.Stats(r.Context()); err == nil {
		stats["total_rooms"] = dbStats.RoomCount
		stats["total_documents"] = dbStats.DocumentCount
	} else {
		a.log.Warn("store stats", zap.Error(err))
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

type CreateRoomRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (a *API) roomResponse(rm db.Room) RoomResponse {
	return RoomResponse{
		ID:          rm.ID,
		Name:        rm.Name,
		Version:     rm.Version,
		CreatedAt:   rm.CreatedAt,
		UpdatedAt:   rm.UpdatedAt,
		ActiveUsers: a.presence.Members(rm.ID),
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.log.Error("list rooms", zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, rm := range rooms {
		response[i] = a.roomResponse(rm)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// newRoomCode returns a short shareable room id.
func newRoomCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength]
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if !a.creates.Allow(identity.IPFromRequest(r)) {
		a.errorResponse(w, http.StatusTooManyRequests, "Too many rooms created, try again later")
		return
	}

	var req CreateRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	req.Name = strings.TrimSpace(req.Name)
	if len(req.Name) > maxRoomName {
		a.errorResponse(w, http.StatusBadRequest, "Room name is too long")
		return
	}
	if req.ID == "" {
		req.ID = newRoomCode()
	} else if !room.ValidID(req.ID) {
		a.errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	ctx := r.Context()
	existing, err := a.store.GetRoom(ctx, req.ID)
	if err != nil {
		a.log.Error("get room", zap.String("room_id", req.ID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	if existing != nil {
		a.errorResponse(w, http.StatusConflict, "Room already exists")
		return
	}

	if err := a.store.CreateRoom(ctx, req.ID, req.Name); err != nil {
		a.log.Error("create room", zap.String("room_id", req.ID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}
	if _, err := a.store.CreateDefault(ctx, req.ID); err != nil {
		a.log.Error("create room document", zap.String("room_id", req.ID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	created, err := a.store.GetRoom(ctx, req.ID)
	if err != nil || created == nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.log.Info("room created", zap.String("room_id", created.ID))
	a.jsonResponse(w, http.StatusCreated, a.roomResponse(*created))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	rm, err := a.store.GetRoom(r.Context(), roomID)
	if err != nil {
		a.log.Error("get room", zap.String("room_id", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if rm == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, a.roomResponse(*rm))
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	if a.presence.Members(roomID) > 0 {
		a.errorResponse(w, http.StatusConflict, "Room has active members")
		return
	}

	if err := a.store.DeleteRoom(r.Context(), roomID); err != nil {
		a.log.Error("delete room", zap.String("room_id", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// SnapshotHandler returns the room's stored document. Edits still inside
// the coalescing window are not included.
func (a *API) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	snap, err := a.store.Read(r.Context(), roomID)
	if err != nil {
		a.log.Error("read snapshot", zap.String("room_id", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to read room")
		return
	}
	if snap == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, snap)
}
