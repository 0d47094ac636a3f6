package system

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PortService exposes a PortController over JSON.
type PortService struct {
	ctrl PortController
}

func NewPortService(ctrl PortController) *PortService {
	return &PortService{ctrl: ctrl}
}

type PortListResponse struct {
	Ports      []PortRecord `json:"ports"`
	Timestamp  int64        `json:"timestamp"`
	TotalPorts int          `json:"totalPorts"`
}

type ActionResponse struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	PID         int      `json:"pid,omitempty"`
	Port        int      `json:"port,omitempty"`
	Protocol    Protocol `json:"protocol,omitempty"`
	ServiceName string   `json:"serviceName,omitempty"`
	IsBlocked   *bool    `json:"isBlocked,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *PortService) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ports, err := s.ctrl.ListInventory(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), apiError{Error: "Failed to get listening ports", Message: err.Error()})
		return
	}
	if ports == nil {
		ports = []PortRecord{}
	}
	writeJSON(w, http.StatusOK, PortListResponse{
		Ports:      ports,
		Timestamp:  time.Now().UnixMilli(),
		TotalPorts: len(ports),
	})
}

func (s *PortService) HandleKill(w http.ResponseWriter, r *http.Request) {
	var req KillRequest
	if !decodeAction(w, r, &req) {
		return
	}
	if err := s.ctrl.KillProcess(r.Context(), req.PID); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Success: true,
		Message: fmt.Sprintf("Process %d has been terminated", req.PID),
		PID:     req.PID,
		Port:    req.Port,
	})
}

func (s *PortService) HandleRestart(w http.ResponseWriter, r *http.Request) {
	var req RestartRequest
	if !decodeAction(w, r, &req) {
		return
	}
	if err := s.ctrl.RestartService(r.Context(), req.ServiceName); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:     true,
		Message:     fmt.Sprintf("Service %s has been restarted", req.ServiceName),
		ServiceName: req.ServiceName,
	})
}

func (s *PortService) HandleBlock(w http.ResponseWriter, r *http.Request) {
	var req PortRequest
	if !decodeAction(w, r, &req) {
		return
	}
	proto := Protocol(req.Protocol)
	if err := s.ctrl.BlockPort(r.Context(), req.Port, proto); err != nil {
		writeActionError(w, err)
		return
	}
	blocked := true
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:   true,
		Message:   fmt.Sprintf("Port %d (%s) has been blocked", req.Port, proto),
		Port:      req.Port,
		Protocol:  proto,
		IsBlocked: &blocked,
	})
}

func (s *PortService) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	var req PortRequest
	if !decodeAction(w, r, &req) {
		return
	}
	proto := Protocol(req.Protocol)
	if err := s.ctrl.UnblockPort(r.Context(), req.Port, proto); err != nil {
		writeActionError(w, err)
		return
	}
	blocked := false
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:   true,
		Message:   fmt.Sprintf("Port %d (%s) has been unblocked", req.Port, proto),
		Port:      req.Port,
		Protocol:  proto,
		IsBlocked: &blocked,
	})
}

func decodeAction(w http.ResponseWriter, r *http.Request, req any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Message: "bad json"})
		return false
	}
	if err := ValidateRequest(req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Message: err.Error()})
		return false
	}
	return true
}

func writeActionError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ActionResponse{Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case IsPermission(err):
		return http.StatusForbidden
	case errors.Is(err, ErrNoMatchingRule):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
