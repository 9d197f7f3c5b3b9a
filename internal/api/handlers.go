package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/range-engine/internal/blueprint"
	"github.com/terra-clan/range-engine/internal/models"
	"github.com/terra-clan/range-engine/internal/world"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondCoordinatorError maps coordinator errors to HTTP status codes
func respondCoordinatorError(w http.ResponseWriter, err error) {
	var vErr *blueprint.ValidationError
	switch {
	case errors.Is(err, world.ErrEventNotFound):
		respondError(w, http.StatusNotFound, "event_not_found", err.Error())
	case errors.Is(err, world.ErrWorldNotFound):
		respondError(w, http.StatusNotFound, "world_not_found", err.Error())
	case errors.Is(err, world.ErrWorldBusy):
		respondError(w, http.StatusConflict, "world_busy", err.Error())
	case errors.Is(err, world.ErrWorldExists):
		respondError(w, http.StatusConflict, "world_exists", err.Error())
	case errors.Is(err, world.ErrEventExists):
		respondError(w, http.StatusConflict, "event_exists", err.Error())
	case errors.Is(err, models.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.As(err, &vErr):
		respondError(w, http.StatusBadRequest, "invalid_blueprint", err.Error())
	default:
		slog.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.pingers {
		if err := p.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Event handlers

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Blueprint == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "blueprint is required")
		return
	}
	if req.ExternalURL == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "external_url is required")
		return
	}

	event, err := s.coordinator.CreateEvent(r.Context(), &req)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.coordinator.ListEvents(r.Context())
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.coordinator.GetEvent(r.Context(), chi.URLParam(r, "event"))
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.DeleteEvent(r.Context(), chi.URLParam(r, "event")); err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// World handlers

func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	wld, err := s.coordinator.Create(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, wld)
}

func (s *Server) handleResetWorld(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	wld, err := s.coordinator.Reset(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, wld)
}

func (s *Server) handleDeleteWorld(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	if err := s.coordinator.Delete(r.Context(), eventName, identity); err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleWorldStatus(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	wld, err := s.coordinator.Status(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, wld)
}

func (s *Server) handleWorldConfig(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	cfg, err := s.coordinator.Config(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListWorlds(w http.ResponseWriter, r *http.Request) {
	worlds, err := s.coordinator.ListWorlds(r.Context(), chi.URLParam(r, "event"))
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, worlds)
}

// Wireguard handlers

// handleWireguardConfig serves the peer's wg-quick file as plain text,
// ready to pipe into a .conf
func (s *Server) handleWireguardConfig(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	wld, err := s.coordinator.Status(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	if wld.Peer == nil {
		respondError(w, http.StatusNotFound, "no_vpn", "world has no VPN peer")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wld.Peer.Config))
}

func (s *Server) handleWireguardNetwork(w http.ResponseWriter, r *http.Request) {
	eventName := chi.URLParam(r, "event")
	identity := chi.URLParam(r, "identity")

	event, err := s.coordinator.GetEvent(r.Context(), eventName)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}

	wld, err := s.coordinator.Status(r.Context(), eventName, identity)
	if err != nil {
		respondCoordinatorError(w, err)
		return
	}
	if wld.Peer == nil {
		respondError(w, http.StatusNotFound, "no_vpn", "world has no VPN peer")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"subnet":            event.VPNSubnet,
		"address":           wld.Peer.Address,
		"server_endpoint":   wld.Peer.ServerEndpoint,
		"server_public_key": wld.Peer.ServerPublicKey,
	})
}
