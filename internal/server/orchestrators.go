package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/task"
)

// OrchestratorListResponse is the response body for listing orchestrators.
type OrchestratorListResponse struct {
	Orchestrators []*task.Orchestrator `json:"orchestrators"`
}

// RegisterOrchestrator registers (or re-registers) a scheduler and its
// roles. Idempotent: crashed schedulers re-register on startup.
// POST /orchestrators/register
func (h *Handler) RegisterOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req sdk.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.ID == "" || req.Cluster == "" || req.MachineID == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "id, cluster, and machine_id are required")
		return
	}

	now := time.Now().UTC()
	o := &task.Orchestrator{
		ID:              req.ID,
		Cluster:         req.Cluster,
		MachineID:       req.MachineID,
		RepoURL:         req.RepoURL,
		Status:          task.OrchestratorActive,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	if err := h.repos.Orchestrators.Upsert(r.Context(), o); err != nil {
		h.writeTypedError(w, err)
		return
	}
	if len(req.Roles) > 0 {
		if err := h.repos.Roles.Register(r.Context(), req.Roles, req.ID); err != nil {
			h.writeTypedError(w, err)
			return
		}
	}

	registered, err := h.repos.Orchestrators.Get(r.Context(), req.ID)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if h.broker != nil {
		h.broker.Publish(pubsub.OrchestratorRegistered(req.ID))
	}
	h.writeJSON(w, http.StatusOK, registered)
}

// Heartbeat refreshes an orchestrator's heartbeat and flips it back to
// active if it had gone offline.
// POST /orchestrators/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.repos.Orchestrators.Heartbeat(r.Context(), id, time.Now().UTC()); err != nil {
		h.writeTypedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOrchestrators lists registered orchestrators.
// GET /orchestrators
func (h *Handler) ListOrchestrators(w http.ResponseWriter, r *http.Request) {
	list, err := h.repos.Orchestrators.List(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if list == nil {
		list = []*task.Orchestrator{}
	}
	h.writeJSON(w, http.StatusOK, OrchestratorListResponse{Orchestrators: list})
}

// Poll returns the scheduler snapshot: queue counts, this orchestrator's
// claimed tasks, the provisional backlog, and the fleet roster. A sweep
// runs first so lease expiry does not depend on the server ticker alone.
// GET /scheduler/poll?orchestrator_id=cluster-machine
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	orchestratorID := r.URL.Query().Get("orchestrator_id")

	if h.coordinator != nil {
		h.coordinator.Sweep(r.Context())
	}
	if orchestratorID != "" {
		err := h.repos.Orchestrators.Heartbeat(r.Context(), orchestratorID, time.Now().UTC())
		if err != nil && !errors.Is(err, task.ErrNotFound) {
			h.writeTypedError(w, err)
			return
		}
	}

	counts, err := h.repos.Tasks.CountByQueue(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}

	claimed, _, err := h.repos.Tasks.List(r.Context(), task.Filter{Queues: []string{task.QueueClaimed}})
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if orchestratorID != "" {
		mine := claimed[:0]
		for _, t := range claimed {
			if t.OrchestratorID == orchestratorID {
				mine = append(mine, t)
			}
		}
		claimed = mine
	}

	provisional, _, err := h.repos.Tasks.List(r.Context(), task.Filter{Queues: []string{task.QueueProvisional}})
	if err != nil {
		h.writeTypedError(w, err)
		return
	}

	orchestrators, err := h.repos.Orchestrators.List(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}

	if claimed == nil {
		claimed = []*task.Task{}
	}
	if provisional == nil {
		provisional = []*task.Task{}
	}
	if orchestrators == nil {
		orchestrators = []*task.Orchestrator{}
	}
	h.writeJSON(w, http.StatusOK, sdk.PollSnapshot{
		QueueCounts:   counts,
		Claimed:       claimed,
		Provisional:   provisional,
		Orchestrators: orchestrators,
		ServerTime:    time.Now().UTC().Format(time.RFC3339),
	})
}
