package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maxthelion/octopoid/internal/pubsub"
	"github.com/maxthelion/octopoid/internal/sdk"
	"github.com/maxthelion/octopoid/internal/statemachine"
	"github.com/maxthelion/octopoid/internal/task"
)

// TaskListResponse is the response body for listing tasks.
type TaskListResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

// CreateTask creates a task in incoming (or another known queue).
// POST /tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req sdk.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "title is required")
		return
	}

	queue := req.Queue
	if queue == "" {
		queue = task.QueueIncoming
	}
	known, err := h.knownQueue(r.Context(), queue)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if !known {
		h.writeError(w, http.StatusBadRequest, "unknown_queue",
			fmt.Sprintf("queue %q is not declared by any registered flow", queue))
		return
	}
	// Lifecycle-owned queues are not entry points: claimed tasks carry a
	// lease only a claim stamps, and done marks a finished lifecycle.
	if queue == task.QueueClaimed || queue == task.QueueDone {
		h.writeError(w, http.StatusBadRequest, "validation",
			fmt.Sprintf("tasks cannot be created in %q", queue))
		return
	}

	priority := task.P2
	if req.Priority != "" {
		priority, err = task.ParsePriority(req.Priority)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
	}

	branch := req.Branch
	if req.ProjectID != "" {
		project, err := h.repos.Projects.Get(r.Context(), req.ProjectID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation", "project not found: "+req.ProjectID)
			return
		}
		if branch == "" {
			branch = project.Branch
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:        id,
		Title:     req.Title,
		Role:      req.Role,
		Priority:  priority,
		Queue:     queue,
		Branch:    branch,
		ProjectID: req.ProjectID,
		Flow:      req.Flow,
		BlockedBy: req.BlockedBy,
		Notes:     req.Notes,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repos.Tasks.Create(r.Context(), t); err != nil {
		h.writeTypedError(w, err)
		return
	}
	_ = h.repos.History.Append(r.Context(), &task.HistoryEvent{
		TaskID: t.ID, Kind: task.HistoryCreated, Details: "created in " + queue,
	})
	if h.broker != nil {
		h.broker.Publish(pubsub.TaskCreated(t))
	}
	h.writeJSON(w, http.StatusCreated, t)
}

// ListTasks lists tasks with optional filters. The queue, priority, and
// role filters take comma-separated lists.
// GET /tasks?queue=incoming,provisional&priority=P0,P1&role=implementer
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Queues:    splitCSV(q.Get("queue")),
		Roles:     splitCSV(q.Get("role")),
		ClaimedBy: q.Get("claimed_by"),
		ProjectID: q.Get("project_id"),
	}
	for _, p := range splitCSV(q.Get("priority")) {
		parsed, err := task.ParsePriority(p)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		f.Priorities = append(f.Priorities, parsed)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "validation", "invalid limit")
			return
		}
		f.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "validation", "invalid offset")
			return
		}
		f.Offset = n
	}

	tasks, total, err := h.repos.Tasks.List(r.Context(), f)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	h.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: total})
}

// GetTask returns a single task.
// GET /tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.repos.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// UpdateTask patches task metadata. A body naming the queue column is
// rejected outright; queue moves belong to the lifecycle endpoints.
// PATCH /tasks/{id}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if _, ok := raw["queue"]; ok {
		h.writeError(w, http.StatusBadRequest, "queue_immutable",
			"queue cannot be set here; use /tasks/claim, /submit, /accept, /reject, /fail, or /requeue")
		return
	}

	data, _ := json.Marshal(raw)
	var req sdk.UpdateTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.Version <= 0 {
		h.writeError(w, http.StatusBadRequest, "validation", "version is required")
		return
	}

	t, err := h.repos.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	t.Version = req.Version
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Role != nil {
		t.Role = *req.Role
	}
	if req.Priority != nil {
		p, err := task.ParsePriority(*req.Priority)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		t.Priority = p
	}
	if req.Branch != nil {
		t.Branch = *req.Branch
	}
	if req.Flow != nil {
		t.Flow = *req.Flow
	}
	if req.BlockedBy != nil {
		t.BlockedBy = *req.BlockedBy
	}
	if req.Paused != nil {
		t.Paused = *req.Paused
	}
	if req.Notes != nil {
		t.Notes = *req.Notes
	}

	if err := h.repos.Tasks.UpdateMeta(r.Context(), t); err != nil {
		h.writeTypedError(w, err)
		return
	}
	_ = h.repos.History.Append(r.Context(), &task.HistoryEvent{
		TaskID: t.ID, Kind: task.HistoryUpdated,
	})
	if h.broker != nil {
		h.broker.Publish(pubsub.TaskMetaUpdated(t))
	}
	h.writeJSON(w, http.StatusOK, t)
}

// DeleteTask deletes a task.
// DELETE /tasks/{id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.repos.Tasks.Delete(r.Context(), id); err != nil {
		h.writeTypedError(w, err)
		return
	}
	if h.broker != nil {
		h.broker.Publish(pubsub.TaskDeleted(id))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Claim atomically claims the best available task.
// POST /tasks/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req sdk.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.ClaimedBy == "" || req.OrchestratorID == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "claimed_by and orchestrator_id are required")
		return
	}
	if req.Queue != "" {
		known, err := h.knownQueue(r.Context(), req.Queue)
		if err != nil {
			h.writeTypedError(w, err)
			return
		}
		if !known {
			h.writeError(w, http.StatusBadRequest, "unknown_queue",
				fmt.Sprintf("queue %q is not declared by any registered flow", req.Queue))
			return
		}
	}
	if req.Role != "" {
		count, err := h.repos.Roles.Count(r.Context())
		if err != nil {
			h.writeTypedError(w, err)
			return
		}
		if count > 0 {
			roles, err := h.repos.Roles.List(r.Context())
			if err != nil {
				h.writeTypedError(w, err)
				return
			}
			found := false
			for _, role := range roles {
				if role == req.Role {
					found = true
					break
				}
			}
			if !found {
				h.writeError(w, http.StatusBadRequest, "validation",
					fmt.Sprintf("role %q is not registered", req.Role))
				return
			}
		}
	}

	t, err := h.engine.Claim(r.Context(), statemachine.ClaimRequest{
		Queue:          req.Queue,
		Role:           req.Role,
		ClaimedBy:      req.ClaimedBy,
		OrchestratorID: req.OrchestratorID,
	})
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// Submit moves a claimed task to provisional.
// POST /tasks/{id}/submit
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req sdk.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	meta := statemachine.SubmitMeta{CommitsCount: req.CommitsCount, TurnsUsed: req.TurnsUsed}
	if req.Notes != "" {
		meta.Notes = &req.Notes
	}
	t, err := h.engine.Submit(r.Context(), r.PathValue("id"), req.Version, req.Actor, meta)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// Accept moves a provisional task to done and unblocks dependents.
// POST /tasks/{id}/accept
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	var req sdk.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	t, err := h.engine.Accept(r.Context(), r.PathValue("id"), req.Version, req.Actor)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// Reject returns a provisional task to incoming, or fails it once the
// rejection budget runs out.
// POST /tasks/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req sdk.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	t, err := h.engine.Reject(r.Context(), r.PathValue("id"), req.Version, req.Actor, req.Reason)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// Fail moves a claimed task to failed.
// POST /tasks/{id}/fail
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	var req sdk.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	t, err := h.engine.Fail(r.Context(), r.PathValue("id"), req.Version, req.Actor, req.Reason)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// Requeue returns a claimed task to incoming.
// POST /tasks/{id}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	var req sdk.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	t, err := h.engine.Requeue(r.Context(), r.PathValue("id"), req.Version, req.Actor, req.Reason)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// MessageListResponse is the response body for listing messages.
type MessageListResponse struct {
	Messages []*task.Message `json:"messages"`
}

// PostMessage appends to a task's mailbox.
// POST /tasks/{id}/messages
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req sdk.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	h.appendMessage(w, r, r.PathValue("id"), req)
}

// PostGlobalMessage appends to a mailbox with the task named in the body.
// POST /messages
func (h *Handler) PostGlobalMessage(w http.ResponseWriter, r *http.Request) {
	var req sdk.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: "+err.Error())
		return
	}
	if req.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "task_id is required")
		return
	}
	h.appendMessage(w, r, req.TaskID, req)
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request, taskID string, req sdk.MessageRequest) {
	if _, err := h.repos.Tasks.Get(r.Context(), taskID); err != nil {
		h.writeTypedError(w, err)
		return
	}
	if req.Type == "" || req.FromActor == "" {
		h.writeError(w, http.StatusBadRequest, "validation", "type and from_actor are required")
		return
	}
	m := &task.Message{
		TaskID:    taskID,
		FromActor: req.FromActor,
		ToActor:   req.ToActor,
		Type:      req.Type,
		Content:   req.Content,
	}
	if err := h.repos.Messages.Append(r.Context(), m); err != nil {
		h.writeTypedError(w, err)
		return
	}
	if h.broker != nil {
		h.broker.Publish(pubsub.MessagePublished(taskID, req.FromActor, req.Type))
	}
	h.writeJSON(w, http.StatusCreated, m)
}

// ListMessages lists a task's mailbox.
// GET /tasks/{id}/messages?type=review_decision
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.repos.Messages.List(r.Context(), task.MessageFilter{
		TaskID: r.PathValue("id"),
		Type:   r.URL.Query().Get("type"),
	})
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*task.Message{}
	}
	h.writeJSON(w, http.StatusOK, MessageListResponse{Messages: msgs})
}

// ListGlobalMessages lists messages across tasks, filtered by query.
// GET /messages?task_id=T1&type=feedback&to_actor=reviewer
func (h *Handler) ListGlobalMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := h.repos.Messages.List(r.Context(), task.MessageFilter{
		TaskID:  q.Get("task_id"),
		Type:    q.Get("type"),
		ToActor: q.Get("to_actor"),
	})
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*task.Message{}
	}
	h.writeJSON(w, http.StatusOK, MessageListResponse{Messages: msgs})
}

// splitCSV splits a comma-separated query value, dropping empty parts.
func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// HistoryResponse is the response body for a task's audit log.
type HistoryResponse struct {
	History []*task.HistoryEvent `json:"history"`
}

// TaskHistory lists a task's audit log.
// GET /tasks/{id}/history
func (h *Handler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.repos.Tasks.Get(r.Context(), id); err != nil {
		h.writeTypedError(w, err)
		return
	}
	events, err := h.repos.History.ListByTask(r.Context(), id, 0)
	if err != nil {
		h.writeTypedError(w, err)
		return
	}
	if events == nil {
		events = []*task.HistoryEvent{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{History: events})
}
