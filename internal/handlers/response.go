package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"iptablesd/internal/auth"
	"iptablesd/internal/middleware"
	"iptablesd/internal/services"
	"iptablesd/pkg/iptables"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps err to a status code. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(r)})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, RequestID: middleware.GetRequestID(r)})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, iptables.ErrUnsupportedTable),
		errors.Is(err, iptables.ErrNotBuiltinChain),
		errors.Is(err, iptables.ErrInvalidChainName),
		errors.Is(err, services.ErrUnknownFamily),
		errors.Is(err, services.ErrInvalidRule),
		errors.Is(err, services.ErrInvalidPolicy),
		errors.Is(err, auth.ErrInvalidPassword),
		errors.Is(err, auth.ErrLastAdmin):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrFamilyDisabled),
		errors.Is(err, services.ErrSnapshotNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		iptables.IsNotExist(err):
		return http.StatusNotFound
	case errors.Is(err, iptables.ErrRuleExists),
		errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, iptables.ErrLockTimeout), isLockHeld(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isLockHeld(err error) bool {
	var ipErr *iptables.Error
	return errors.As(err, &ipErr) && ipErr.IsLockHeld()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return n, nil
}

// chainParam returns the {chain} URL parameter. chi matches on the escaped
// path, so the value arrives percent-encoded.
func chainParam(r *http.Request) (string, error) {
	chain, err := url.PathUnescape(chi.URLParam(r, "chain"))
	if err != nil {
		return "", fmt.Errorf("%w: invalid chain", errBadRequest)
	}
	if err := iptables.ValidateChainName(chain); err != nil {
		return "", err
	}
	return chain, nil
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// auditor writes audit_logs rows for mutating requests.
type auditor struct {
	users  *auth.UserService
	logger *zap.Logger
}

func (a auditor) log(r *http.Request, action, details string) {
	var userID *int64
	if user := middleware.GetUser(r); user != nil {
		userID = &user.ID
	}
	a.logAs(r, userID, action, details)
}

func (a auditor) logAs(r *http.Request, userID *int64, action, details string) {
	if err := a.users.LogAction(userID, action, details, getClientIP(r), middleware.GetRequestID(r)); err != nil {
		a.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}
