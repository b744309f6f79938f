package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aegiscore/platform/internal/action"
	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/internal/registry"
)

// postActions handles POST /api/actions: every state-changing proposal from
// an operator or automated caller enters governance here.
func (s *Server) postActions(w http.ResponseWriter, r *http.Request) {
	var req action.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, platformerr.ConfigError("body", "invalid JSON"))
		return
	}
	req.CreatedAt = time.Now().UTC()

	result, err := s.actions.RequestAction(r.Context(), req)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResult(result), result)
}

func statusForResult(result *action.ActionResult) int {
	switch result.Status {
	case action.StatusPendingApproval:
		return http.StatusAccepted
	case action.StatusRejected:
		return http.StatusBadRequest
	case action.StatusFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func (s *Server) approveAction(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]
	var body struct {
		Approver string `json:"approver"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Approver == "" {
		body.Approver = "operator"
	}

	result, err := s.actions.Approve(r.Context(), traceID, body.Approver)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResult(result), result)
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]
	var body struct {
		Approver string `json:"approver"`
		Reason   string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Approver == "" {
		body.Approver = "operator"
	}

	result, err := s.actions.Reject(traceID, body.Approver, body.Reason)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResult(result), result)
}

func (s *Server) listPendingActions(w http.ResponseWriter, r *http.Request) {
	pending := s.actions.ListPendingApprovals()
	limit := core.ClampLimit(parseLimit(r, core.DefaultListLimit), core.DefaultListLimit, core.MaxListLimit)
	if limit < len(pending) {
		pending = pending[:limit]
	}
	writeJSON(w, http.StatusOK, pending)
}

type topologyInstance struct {
	ID           string            `json:"id"`
	Kind         registry.Kind     `json:"kind"`
	Endpoint     registry.Endpoint `json:"endpoint"`
	Capabilities []string          `json:"capabilities"`
	Status       registry.Status   `json:"status"`
}

func (s *Server) meshTopology(w http.ResponseWriter, r *http.Request) {
	insts := s.registry.ListAll()
	out := make([]topologyInstance, 0, len(insts))
	for _, inst := range insts {
		hs, err := s.registry.Health(inst.ID)
		status := registry.StatusStarting
		if err == nil {
			status = hs.Status
		}
		out = append(out, topologyInstance{
			ID:           inst.ID,
			Kind:         inst.Kind,
			Endpoint:     inst.Endpoint,
			Capabilities: inst.Capabilities,
			Status:       status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) meshHealth(w http.ResponseWriter, r *http.Request) {
	if last := s.health.LastCheck(); last != nil {
		writeJSON(w, http.StatusOK, last)
		return
	}
	writeJSON(w, http.StatusOK, s.health.RunProbeCycle(r.Context(), s.registry.ListAll()))
}

type breakerStatus struct {
	InstanceID string `json:"instance_id"`
	Capability string `json:"capability"`
	State      string `json:"state"`
}

func (s *Server) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	var out []breakerStatus
	for _, inst := range s.registry.ListAll() {
		caps := inst.Capabilities
		if capability != "" {
			caps = []string{capability}
		}
		for _, c := range caps {
			out = append(out, breakerStatus{
				InstanceID: inst.ID,
				Capability: c,
				State:      s.gateway.BreakerState(inst.ID, c),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) incidents(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			window = d
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"open": s.incidentsLog.ListOpen(),
		"mttr": s.incidentsLog.Aggregate(window),
	})
}

func (s *Server) systemDescriptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.descriptors())
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	s.metricsHandler.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
