package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"iptablesd/internal/services"
)

type InterfacesHandler struct {
	interfaces *services.InterfaceService
	logger     *zap.Logger
}

func NewInterfacesHandler(interfaces *services.InterfaceService, logger *zap.Logger) *InterfacesHandler {
	return &InterfacesHandler{interfaces: interfaces, logger: logger}
}

func (h *InterfacesHandler) List(w http.ResponseWriter, r *http.Request) {
	interfaces, err := h.interfaces.List()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, interfaces)
}

func (h *InterfacesHandler) Get(w http.ResponseWriter, r *http.Request) {
	iface, err := h.interfaces.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, iface)
}
