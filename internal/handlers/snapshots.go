package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/middleware"
	"iptablesd/internal/models"
	"iptablesd/internal/services"
)

type SnapshotHandler struct {
	snapshots *services.SnapshotService
	audit     auditor
	logger    *zap.Logger
}

func NewSnapshotHandler(snapshots *services.SnapshotService, userService *auth.UserService, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots: snapshots,
		audit:     auditor{users: userService, logger: logger},
		logger:    logger,
	}
}

type snapshotRequest struct {
	Family  models.Family `json:"family"`
	Table   string        `json:"table"`
	Comment string        `json:"comment"`
}

func snapshotID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// List accepts an optional ?family= filter.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.snapshots.List(r.Context(), models.Family(r.URL.Query().Get("family")))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var userID *int64
	if user := middleware.GetUser(r); user != nil {
		userID = &user.ID
	}

	snap, err := h.snapshots.Create(r.Context(), req.Family, req.Table, req.Comment, userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "snapshot_create", "id: "+strconv.FormatInt(snap.ID, 10))
	writeJSON(w, http.StatusCreated, snap)
}

func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := snapshotID(r)
	if !ok {
		badRequest(w, r, "invalid snapshot ID")
		return
	}

	snap, err := h.snapshots.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *SnapshotHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, ok := snapshotID(r)
	if !ok {
		badRequest(w, r, "invalid snapshot ID")
		return
	}

	snap, err := h.snapshots.Restore(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "snapshot_restore", "id: "+strconv.FormatInt(id, 10))
	snap.Rules = ""
	writeJSON(w, http.StatusOK, snap)
}

func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := snapshotID(r)
	if !ok {
		badRequest(w, r, "invalid snapshot ID")
		return
	}

	if err := h.snapshots.Delete(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "snapshot_delete", "id: "+strconv.FormatInt(id, 10))
	writeOK(w)
}
