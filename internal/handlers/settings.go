package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/middleware"
	"iptablesd/internal/services"
)

const minPasswordLength = 6

type SettingsHandler struct {
	userService    *auth.UserService
	persistService *services.PersistService
	audit          auditor
	logger         *zap.Logger
}

func NewSettingsHandler(userService *auth.UserService, persistService *services.PersistService, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		userService:    userService,
		persistService: persistService,
		audit:          auditor{users: userService, logger: logger},
		logger:         logger,
	}
}

type userRequest struct {
	Username string  `json:"username"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"is_admin"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *SettingsHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *SettingsHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == nil {
		badRequest(w, r, "username and password are required")
		return
	}
	if len(*req.Password) < minPasswordLength {
		badRequest(w, r, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	user, err := h.userService.Create(username, *req.Password, req.IsAdmin != nil && *req.IsAdmin)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "user_create", "username: "+username)
	writeJSON(w, http.StatusCreated, user)
}

func (h *SettingsHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, r, "invalid user ID")
		return
	}

	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Password != nil && len(*req.Password) < minPasswordLength {
		badRequest(w, r, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	if err := h.userService.Update(id, req.Password, req.IsAdmin); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	user, err := h.userService.GetByID(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "user_update", "username: "+user.Username)
	writeJSON(w, http.StatusOK, user)
}

func (h *SettingsHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	currentUser := middleware.GetUser(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, r, "invalid user ID")
		return
	}

	if id == currentUser.ID {
		badRequest(w, r, "you cannot delete your own account")
		return
	}

	targetUser, err := h.userService.GetByID(id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.userService.Delete(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "user_delete", "username: "+targetUser.Username)
	writeOK(w)
}

func (h *SettingsHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		badRequest(w, r, "all fields are required")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		badRequest(w, r, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	if err := h.userService.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "password_change", "")
	writeOK(w)
}

// AuditLogs returns the newest entries; ?limit= defaults to 100.
func (h *SettingsHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			badRequest(w, r, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	logs, err := h.userService.GetAuditLogs(limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *SettingsHandler) ExportConfig(w http.ResponseWriter, r *http.Request) {
	archive, err := h.persistService.ExportConfig()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.log(r, "config_export", "")

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=iptablesd-config.tar.gz")
	_, _ = w.Write(archive)
}

// ImportConfig accepts the archive either as the "config" multipart field or
// as the raw request body.
func (h *SettingsHandler) ImportConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("config")
		if err != nil {
			badRequest(w, r, "failed to read uploaded file")
			return
		}
		defer file.Close()
		if err := h.persistService.ImportConfig(file); err != nil {
			badRequest(w, r, err.Error())
			return
		}
	} else if err := h.persistService.ImportConfig(r.Body); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	h.audit.log(r, "config_import", "")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "configuration imported; restore or restart to apply",
	})
}
