package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tributary-ai/llm-endpoint-router/internal/registry"
	"github.com/tributary-ai/llm-endpoint-router/internal/routing"
	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

// decodeChatRequest reads and sanity checks a chat request body
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*types.ChatRequest, bool) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("Invalid JSON: %v", err))
		return nil, false
	}
	if len(req.Messages) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return nil, false
	}
	for _, c := range req.RequiredCapabilities {
		if !c.Valid() {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown capability %q", c))
			return nil, false
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Timestamp = time.Now()
	return &req, true
}

// handleChatCompletion routes a chat completion across the provider pool
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	if req.Stream {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "streaming responses are not supported")
		return
	}

	resp, err := s.router.Route(r.Context(), req)
	if err != nil {
		s.writeRoutingError(w, req, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// writeRoutingError maps exhaustion onto 503 and names the last provider tried
func (s *Server) writeRoutingError(w http.ResponseWriter, req *types.ChatRequest, err error) {
	detail := types.ErrorDetail{
		Message: err.Error(),
		Type:    "routing_error",
		Code:    http.StatusServiceUnavailable,
	}

	var unavailable *routing.UnavailableError
	if errors.As(err, &unavailable) {
		detail.Type = "service_unavailable"
		if unavailable.LastProvider != "" {
			priority := unavailable.LastPriority
			detail.LastProvider = unavailable.LastProvider
			detail.LastPriority = &priority
		}
	}

	s.logger.WithError(err).WithField("request_id", req.ID).Warn("Chat completion could not be routed")
	s.writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{
		Error:     detail,
		Timestamp: time.Now().Unix(),
	})
}

// handleRoutingDecision returns the attempt order without calling any upstream
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.router.Plan(req))
}

// handleListProviders lists providers, optionally filtered by type,
// capability or availability
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var list []*registry.Provider
	switch {
	case q.Get("type") != "":
		t := types.ProviderType(q.Get("type"))
		if !t.Valid() {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown provider type %q", t))
			return
		}
		list = s.registry.ListByType(t)
	case q.Get("capability") != "":
		c, err := types.ParseCapability(q.Get("capability"))
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		list = s.registry.ListByCapability(c)
	default:
		list = s.registry.ListAll()
	}

	if available, _ := strconv.ParseBool(q.Get("available")); available {
		filtered := list[:0]
		for _, p := range list {
			if p.IsAvailable() {
				filtered = append(filtered, p)
			}
		}
		list = filtered
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": list,
		"count":     len(list),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	s.writeProvider(w, mux.Vars(r)["id"])
}

func (s *Server) handleUnregisterProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Unregister(id) {
		s.writeNotFound(w, id)
		return
	}
	s.router.Breaker().RecordSuccess(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableProvider(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.registry.Enable)
}

func (s *Server) handleDisableProvider(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.registry.Disable)
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Priority == nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "priority is required")
		return
	}
	s.mutate(w, r, func(id string) bool { return s.registry.SetPriority(id, *body.Priority) })
}

func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Weight *float64 `json:"weight"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Weight == nil || *body.Weight < 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", "weight must be a non-negative number")
		return
	}
	s.mutate(w, r, func(id string) bool { return s.registry.SetWeight(id, *body.Weight) })
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status registry.Status `json:"status"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if !body.Status.Valid() {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown status %q", body.Status))
		return
	}
	s.mutate(w, r, func(id string) bool { return s.registry.SetStatus(id, body.Status) })
}

// handleStats reports registry aggregates and circuit breaker state
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"registry":  s.registry.Stats(),
		"breakers":  s.router.Breaker().Snapshot(),
		"timestamp": time.Now().Unix(),
	})
}

// handleHealthCheck is healthy while at least one provider can take traffic
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()

	status, code := "healthy", http.StatusOK
	if stats.Available == 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"providers": stats.Total,
		"available": stats.Available,
		"healthy":   stats.Healthy,
		"timestamp": time.Now().Unix(),
	})
}

// mutate applies fn to the provider named in the path and returns the
// updated record
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(id string) bool) {
	id := mux.Vars(r)["id"]
	if !fn(id) {
		s.writeNotFound(w, id)
		return
	}
	s.logger.WithField("provider", id).WithField("path", r.URL.Path).Info("Provider updated")
	s.writeProvider(w, id)
}

func (s *Server) writeProvider(w http.ResponseWriter, id string) {
	p, ok := s.registry.Get(id)
	if !ok {
		s.writeNotFound(w, id)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) writeNotFound(w http.ResponseWriter, id string) {
	s.writeErrorResponse(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s: %s", registry.ErrNotFound, id))
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}
