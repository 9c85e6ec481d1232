package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/maxthelion/octopoid/internal/task"
)

// CreateProjectRequest is the body for POST /projects.
type CreateProjectRequest struct {
	ID         string `json:"id,omitempty"`
	Title      string `json:"title"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	AutoAccept bool   `json:"auto_accept,omitempty"`
}

// ProjectListResponse is the response body for listing projects.
type ProjectListResponse struct {
	Projects []*task.Project `json:"projects"`
}

// CreateProject creates a project.
// POST /projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "title is required")
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	p := &task.Project{
		ID:         id,
		Title:      req.Title,
		Status:     task.ProjectActive,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		AutoAccept: req.AutoAccept,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.repos.Projects.Create(r.Context(), p); err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// ListProjects lists projects.
// GET /projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repos.Projects.List(r.Context())
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if projects == nil {
		projects = []*task.Project{}
	}
	h.writeJSON(w, http.StatusOK, ProjectListResponse{Projects: projects})
}

// GetProject returns one project.
// GET /projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.repos.Projects.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}
