package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mcoot/lobbymesh/internal/api/apierr"
	"github.com/mcoot/lobbymesh/internal/api/response"
	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/model"
)

// RoomHandler serves read-only room lookups from the shared store
type RoomHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(coord *coordinator.Coordinator, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{coord: coord, logger: logger}
}

// List handles GET /api/v1/rooms
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	codes, err := h.coord.ListRooms(r.Context())
	if err != nil {
		h.logger.Error("failed to list rooms", slog.String("error", err.Error()))
		WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, response.RoomListFromCodes(codes))
}

// Get handles GET /api/v1/rooms/{code}
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["code"]

	info, err := h.coord.DescribeRoom(r.Context(), raw)
	switch {
	case errors.Is(err, model.ErrRoomNotFound):
		response.JSON(w, http.StatusOK, response.MissingRoom(model.NormalizeRoomCode(raw)))
	case err != nil:
		if apierr.Status(err) >= http.StatusInternalServerError {
			h.logger.Error("failed to describe room", slog.String("code", raw), slog.String("error", err.Error()))
		}
		WriteError(w, err)
	default:
		response.JSON(w, http.StatusOK, response.RoomFromInfo(info))
	}
}
