package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/shared"
	"github.com/basket/fleetboard/internal/store"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/board", s.handleGetBoard)
	mux.HandleFunc("GET /api/tasks/search", s.handleSearchTasks)

	mux.HandleFunc("GET /api/groups", s.handleListGroups)
	mux.HandleFunc("POST /api/groups", s.handleCreateGroup)
	mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	mux.HandleFunc("GET /api/groups/{id}/tasks", s.handleGetGroupTasks)

	mux.HandleFunc("POST /api/goals", s.handleCreateGoal)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleRejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/usage", s.handleGetTaskUsage)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents/{role}/pause", s.handlePauseRole)
	mux.HandleFunc("POST /api/agents/{role}/resume", s.handleResumeRole)
	mux.HandleFunc("GET /api/agents/{id}/messages", s.handleAgentMessages)
	mux.HandleFunc("POST /api/agents/{id}/messages", s.handleSendAgentMessage)

	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleDeleteWebhook)

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /api/costs/summary", s.handleCostSummary)
	mux.HandleFunc("GET /api/autoscale/status", s.handleAutoscaleStatus)

	mux.HandleFunc("POST /api/server/restart", requireAdminToken(s.cfg.AuthEnabled, s.cfg.AdminToken, s.handleRestart))

	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// storeErrorStatus maps the store's sentinel error taxonomy onto HTTP
// status codes per spec §7.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	writeError(w, storeErrorStatus(err), err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- groups ---

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.cfg.Board.GetGroups(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

type createGroupRequest struct {
	Title     string `json:"title"`
	Origin    string `json:"origin"`
	CreatedBy string `json:"created_by"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	group, err := s.cfg.Board.CreateGroup(r.Context(), req.Title, req.Origin, req.CreatedBy)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.cfg.Board.GetGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleGetGroupTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Board.GetGroupTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleCreateGoal is the PM entry point: it creates an owning group and
// the first planning task in one call, so a caller posting a goal never
// has to make two round-trips.
type createGoalRequest struct {
	Title      string `json:"title"`
	CreatedBy  string `json:"created_by"`
	AssignedTo string `json:"assigned_to"`
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req createGoalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || req.AssignedTo == "" {
		writeError(w, http.StatusUnprocessableEntity, "title and assigned_to are required")
		return
	}
	ctx := r.Context()
	group, err := s.cfg.Board.CreateGroup(ctx, req.Title, "goal", req.CreatedBy)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	task, err := s.cfg.Board.CreateTask(ctx, store.CreateTaskInput{
		GroupID: group.ID, Title: req.Title, TaskType: "planning",
		AssignedTo: req.AssignedTo, CreatedBy: req.CreatedBy,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskCreated, map[string]any{"task_id": task.ID, "group_id": group.ID})
	writeJSON(w, http.StatusCreated, map[string]any{"group": group, "task": task})
}

// --- board / search ---

func boardFiltersFromQuery(q map[string][]string) store.BoardFilters {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return store.BoardFilters{
		GroupID:    get("group_id"),
		AssignedTo: get("assigned_to"),
		ClaimedBy:  get("claimed_by"),
		TaskType:   get("task_type"),
		Priority:   get("priority"),
	}
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	filters := boardFiltersFromQuery(r.URL.Query())
	grouped, err := s.cfg.Board.GetBoard(r.Context(), filters)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	filters := boardFiltersFromQuery(r.URL.Query())
	total, tasks, err := s.cfg.Board.SearchTasks(r.Context(), r.URL.Query().Get("q"), filters)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "tasks": tasks})
}

// --- tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in store.CreateTaskInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.cfg.Board.CreateTask(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskCreated, map[string]any{"task_id": task.ID, "group_id": task.GroupID})
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Board.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type updateTaskRequest struct {
	Priority    *string `json:"priority"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.cfg.Board.UpdateTask(r.Context(), r.PathValue("id"), store.TaskPatch{
		Priority: req.Priority, Description: req.Description,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDeleteTask maps DELETE onto the existing cancel transition
// rather than a hard row delete, so dependency edges and child tasks'
// parent_id/revision_of references stay intact (spec §4.4.3's
// dependency graph has no tombstone concept for a deleted task).
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.cfg.Board.CancelTask(r.Context(), id, "deleted via dashboard API")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskCancelled, map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, task)
}

type claimTaskRequest struct {
	Role     string `json:"role"`
	Instance string `json:"instance"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.cfg.Board.ClaimTask(r.Context(), req.Role, req.Instance)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s.emit(r, bus.TopicTaskClaimed, map[string]any{"task_id": task.ID, "claimed_by": req.Instance})
	writeJSON(w, http.StatusOK, task)
}

type completeTaskRequest struct {
	Output string `json:"output"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	task, err := s.cfg.Board.CompleteTask(r.Context(), id, req.Output)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskCompleted, map[string]any{"task_id": id})
	writeJSON(w, http.StatusOK, task)
}

type rejectTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	var req rejectTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	task, err := s.cfg.Board.RejectTask(r.Context(), id, req.Reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskRejected, map[string]any{"task_id": id, "reason": req.Reason})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req rejectTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	task, err := s.cfg.Board.CancelTask(r.Context(), id, req.Reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicTaskCancelled, map[string]any{"task_id": id, "reason": req.Reason})
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTaskUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.cfg.Board.Store().GetTaskUsage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	var (
		agents []*store.Instance
		err    error
	)
	if role != "" {
		agents, err = s.cfg.Instances.ByRole(r.Context(), role)
	} else {
		agents, err = s.cfg.Instances.All(r.Context())
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handlePauseRole(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	if err := s.cfg.Instances.PauseRole(r.Context(), role); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicAgentStatusChanged, map[string]any{"role": role, "paused": true})
	writeJSON(w, http.StatusOK, map[string]string{"role": role, "status": "paused"})
}

func (s *Server) handleResumeRole(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	if err := s.cfg.Instances.ResumeRole(r.Context(), role); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.emit(r, bus.TopicAgentStatusChanged, map[string]any{"role": role, "paused": false})
	writeJSON(w, http.StatusOK, map[string]string{"role": role, "status": "resumed"})
}

func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	markRead, _ := strconv.ParseBool(r.URL.Query().Get("mark_read"))
	messages, err := s.cfg.Board.Store().ReadAgentMessages(r.Context(), r.PathValue("id"), markRead)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendAgentMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *Server) handleSendAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req sendAgentMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := s.cfg.Board.Store().SendAgentMessage(r.Context(), r.PathValue("id"), req.To, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// --- webhooks ---

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.cfg.Webhooks.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hook, err := s.cfg.Webhooks.Create(r.Context(), req.URL, req.Events, req.Secret)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Webhooks.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.cfg.Schedules.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sch store.Schedule
	if err := decodeJSON(r, &sch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.cfg.Schedules.Create(r.Context(), sch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- costs / autoscale ---

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Board.Store().SummarizeCosts(
		r.Context(), r.URL.Query().Get("group_id"), r.URL.Query().Get("role"),
	)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAutoscaleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scaler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"extra_instances": map[string]int{}})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Scaler.GetStatus())
}

// --- admin ---

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Restart == nil {
		writeError(w, http.StatusServiceUnavailable, "restart not supported by this deployment")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	go s.cfg.Restart()
}

// emit publishes a board event on the bus, mirroring the Agent Loop's own
// responsibility to emit after a board mutation (spec §4.4.5 leaves
// emission to the caller, never the board itself). The trace ID comes
// from the request context, where newTraceMiddleware put it, so every
// event a dashboard mutation produces can be correlated back to the
// request that caused it.
func (s *Server) emit(r *http.Request, topic string, payload map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.EmitEvent(bus.Event{Topic: topic, Payload: payload, TraceID: shared.TraceID(r.Context())})
}
