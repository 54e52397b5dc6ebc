package runtime

import (
	"errors"
	"net/http"
	"strings"
	"time"

	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	"github.com/drblury/corrflow/internal/runtime/plan"
)

const defaultWebUIPort = 8081

// PlanStatus is the admin API view of one registered plan.
type PlanStatus struct {
	ID        string            `json:"id"`
	Input     []string          `json:"input"`
	Output    map[string]string `json:"output"`
	Rule      string            `json:"rule"`
	State     string            `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	Counters  PlanCounters      `json:"counters"`
}

type planRequest struct {
	ID     string            `json:"id"`
	Input  []string          `json:"input"`
	Output map[string]string `json:"output"`
	Rule   string            `json:"rule"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type statsResponse struct {
	ActivePlans []string        `json:"active_plans"`
	Instances   int             `json:"engine_instances"`
	Metrics     MetricsSnapshot `json:"metrics"`
}

// StartWebUIServer registers the plan administration API when enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/plans", http.HandlerFunc(s.handlePlans))
	s.RegisterHTTPHandler(port, "/api/stats", http.HandlerFunc(s.handleStats))
}

// PlanStatuses returns the admin view of every registered plan ordered by id.
func (s *Service) PlanStatuses() []PlanStatus {
	snapshot := s.metrics.Snapshot()
	statuses := []PlanStatus{}
	s.registry.Each(func(b *Binding) {
		statuses = append(statuses, planStatus(b, snapshot))
	})
	return statuses
}

func planStatus(b *Binding, snapshot MetricsSnapshot) PlanStatus {
	desc := b.Descriptor()
	return PlanStatus{
		ID:        desc.ID(),
		Input:     desc.InputChannels(),
		Output:    desc.OutputChannels(),
		Rule:      desc.RuleText(),
		State:     b.State().String(),
		StartedAt: b.StartedAt(),
		Counters:  snapshot.Plans[desc.ID()],
	}
}

func (s *Service) handlePlans(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w, r, "GET, POST, PUT, DELETE, OPTIONS")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.getPlans(w, r)
	case http.MethodPost:
		s.writePlan(w, r, s.RegisterPlan, http.StatusCreated)
	case http.MethodPut:
		s.writePlan(w, r, s.ReplacePlan, http.StatusOK)
	case http.MethodDelete:
		s.deletePlan(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE, OPTIONS")
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

func (s *Service) getPlans(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeJSON(w, http.StatusOK, s.PlanStatuses())
		return
	}
	b, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, &errspkg.NotFoundError{PlanID: id})
		return
	}
	s.writeJSON(w, http.StatusOK, planStatus(b, s.metrics.Snapshot()))
}

func (s *Service) writePlan(w http.ResponseWriter, r *http.Request, apply func(*plan.Descriptor) error, status int) {
	var req planRequest
	if err := jsoncodec.DecodeStrict(r.Body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	desc, err := plan.New(req.ID, req.Input, req.Output, req.Rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := apply(desc); err != nil {
		s.writeError(w, err)
		return
	}
	b, ok := s.registry.Get(desc.ID())
	if !ok {
		s.writeJSON(w, status, desc.Serialize())
		return
	}
	s.writeJSON(w, status, planStatus(b, s.metrics.Snapshot()))
}

func (s *Service) deletePlan(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query parameter id is required"})
		return
	}
	if err := s.UnregisterPlan(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w, r, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		ActivePlans: s.ActivePlans(),
		Instances:   s.engine.InstanceCount(),
		Metrics:     s.metrics.Snapshot(),
	})
}

// statusForError maps plan errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, errspkg.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, errspkg.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, errspkg.ErrDuplicatePlan):
		return http.StatusConflict
	case errors.Is(err, errspkg.ErrReplaceFailed):
		return http.StatusInternalServerError
	case errors.Is(err, errspkg.ErrCompile), errors.Is(err, errspkg.ErrUnknownStream):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error("Plan request failed", err, nil)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode response", err, loggingpkg.LogFields{"status": status})
	}
}

func (s *Service) setCORSHeaders(w http.ResponseWriter, r *http.Request, methods string) {
	if len(s.Conf.WebUICORSAllowedOrigins) == 0 {
		return
	}
	allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin"))
	if allowedOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
