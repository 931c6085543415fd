package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"iptablesd/internal/models"
	"iptablesd/internal/services"
)

type StatusHandler struct {
	firewall *services.FirewallService
	// procRoot is "/proc" outside tests.
	procRoot string
}

func NewStatusHandler(firewall *services.FirewallService) *StatusHandler {
	return &StatusHandler{firewall: firewall, procRoot: "/proc"}
}

type SystemInfo struct {
	Hostname       string `json:"hostname"`
	KernelVersion  string `json:"kernel_version"`
	Uptime         string `json:"uptime"`
	ConntrackCount uint64 `json:"conntrack_count"`
	ConntrackMax   uint64 `json:"conntrack_max"`
}

type statusResponse struct {
	System   SystemInfo             `json:"system"`
	Backends []models.BackendStatus `json:"backends"`
}

// Status reports host details and the capabilities of each backend.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		System:   h.systemInfo(),
		Backends: h.firewall.Status(),
	})
}

func (h *StatusHandler) systemInfo() SystemInfo {
	info := SystemInfo{}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if data, err := os.ReadFile(filepath.Join(h.procRoot, "version")); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}

	if data, err := os.ReadFile(filepath.Join(h.procRoot, "uptime")); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 1 {
			if uptime, err := strconv.ParseFloat(parts[0], 64); err == nil {
				info.Uptime = formatUptime(int64(uptime))
			}
		}
	}

	// Absent when nf_conntrack is not loaded.
	info.ConntrackCount = readUint(filepath.Join(h.procRoot, "sys/net/netfilter/nf_conntrack_count"))
	info.ConntrackMax = readUint(filepath.Join(h.procRoot, "sys/net/netfilter/nf_conntrack_max"))

	return info
}

func readUint(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return n
}

func formatUptime(seconds int64) string {
	duration := time.Duration(seconds) * time.Second
	days := int(duration.Hours()) / 24
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	}
	if hours > 0 {
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	}
	return strconv.Itoa(minutes) + "m"
}
