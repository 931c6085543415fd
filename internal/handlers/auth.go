package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/middleware"
)

type AuthHandler struct {
	sessions    *auth.SessionManager
	userService *auth.UserService
	audit       auditor
	logger      *zap.Logger
}

func NewAuthHandler(sessions *auth.SessionManager, userService *auth.UserService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		sessions:    sessions,
		userService: userService,
		audit:       auditor{users: userService, logger: logger},
		logger:      logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(w, r, "username and password are required")
		return
	}

	user, err := h.userService.Authenticate(req.Username, req.Password)
	if err != nil {
		h.audit.log(r, "login_failed", "username: "+req.Username)
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error:     "invalid username or password",
			RequestID: middleware.GetRequestID(r),
		})
		return
	}

	if err := h.sessions.SetUser(w, r, user.ID, user.IsAdmin); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.audit.logAs(r, &user.ID, "login_success", "")
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if userID, ok := h.sessions.GetUserID(r); ok {
		h.audit.logAs(r, &userID, "logout", "")
	}

	if err := h.sessions.Clear(w, r); err != nil {
		h.logger.Warn("failed to clear session", zap.Error(err))
	}
	writeOK(w)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.GetUser(r))
}
