package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/maxthelion/octopoid/internal/flow"
	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/task"
)

// FlowListResponse is the response body for listing flows.
type FlowListResponse struct {
	Flows []*task.FlowRecord `json:"flows"`
}

// PutFlow registers or replaces a flow. The body may be the raw YAML
// document or a JSON record carrying one; the server re-parses either way
// and derives the stored state sets itself.
// PUT /flows/{name}
func (h *Handler) PutFlow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "failed to read body: "+err.Error())
		return
	}

	doc := body
	var rec task.FlowRecord
	if json.Unmarshal(body, &rec) == nil && rec.Document != "" {
		doc = []byte(rec.Document)
	}

	def, err := flow.Parse(doc)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if def.Name != name {
		h.writeError(w, http.StatusBadRequest, "validation",
			"flow name in document does not match URL")
		return
	}

	stored := def.Record(string(doc), time.Now())
	if err := h.repos.Flows.Put(r.Context(), stored); err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.queueCache.Flush()

	if h.broker != nil {
		h.broker.Publish(pubsub.FlowRegistered(name))
	}
	h.writeJSON(w, http.StatusOK, stored)
}

// GetFlow returns one registered flow.
// GET /flows/{name}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repos.Flows.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ListFlows lists registered flows.
// GET /flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	records, err := h.repos.Flows.List(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if records == nil {
		records = []*task.FlowRecord{}
	}
	h.writeJSON(w, http.StatusOK, FlowListResponse{Flows: records})
}

// RoleRegisterRequest is the body for POST /roles/register.
type RoleRegisterRequest struct {
	Roles        []string `json:"roles"`
	RegisteredBy string   `json:"registered_by,omitempty"`
}

// RoleListResponse is the response body for listing roles.
type RoleListResponse struct {
	Roles []string `json:"roles"`
}

// RegisterRoles declares the roles a deployment's agents use. Role
// validation on claim activates once any role exists.
// POST /roles/register
func (h *Handler) RegisterRoles(w http.ResponseWriter, r *http.Request) {
	var req RoleRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Roles) == 0 {
		h.writeError(w, http.StatusBadRequest, "validation", "roles is required")
		return
	}
	if err := h.repos.Roles.Register(r.Context(), req.Roles, req.RegisteredBy); err != nil {
		h.writeTypedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRoles lists registered roles.
// GET /roles
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.repos.Roles.List(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	h.writeJSON(w, http.StatusOK, RoleListResponse{Roles: roles})
}
