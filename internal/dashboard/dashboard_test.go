package dashboard

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/schedule"
	"github.com/basket/fleetboard/internal/store"
	"github.com/basket/fleetboard/internal/webhook"
)

func newTestServer(t *testing.T, teamTokens []string) *Server {
	t.Helper()
	dir := t.TempDir()
	eventBus := bus.New(nil)
	s, err := store.Open(filepath.Join(dir, "test.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	b := board.New(s)
	sched := schedule.New(schedule.Config{Board: b})
	return New(Config{
		Board:          b,
		Instances:      instances.New(s),
		Bus:            eventBus,
		Webhooks:       webhook.New(s, nil),
		Schedules:      sched,
		TeamTokens:     teamTokens,
		MaxRequestBody: 1 << 20,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth_AlwaysReachableWithoutToken(t *testing.T) {
	srv := newTestServer(t, []string{"secret"})
	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTeamAuth_RejectsMissingTokenOnGatedPath(t *testing.T) {
	srv := newTestServer(t, []string{"secret"})
	rec := doJSON(t, srv, http.MethodGet, "/api/board", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTeamAuth_DisabledWhenNoTokensConfigured(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/api/board", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateGoal_CreatesGroupAndPlanningTask(t *testing.T) {
	srv := newTestServer(t, []string{"secret"})
	rec := doJSON(t, srv, http.MethodPost, "/api/goals", createGoalRequest{
		Title: "ship the thing", CreatedBy: "pm-1", AssignedTo: "pm",
	}, "secret")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := resp["group"]; !ok {
		t.Fatalf("expected group in response, got %s", rec.Body.String())
	}
	if _, ok := resp["task"]; !ok {
		t.Fatalf("expected task in response, got %s", rec.Body.String())
	}
}

func TestCreateTask_ThenGetReturnsSameTask(t *testing.T) {
	srv := newTestServer(t, nil)
	group := doJSON(t, srv, http.MethodPost, "/api/groups", createGroupRequest{
		Title: "g1", Origin: "manual", CreatedBy: "tester",
	}, "")
	if group.Code != http.StatusCreated {
		t.Fatalf("create group: %d %s", group.Code, group.Body.String())
	}
	var g store.Group
	_ = json.Unmarshal(group.Body.Bytes(), &g)

	created := doJSON(t, srv, http.MethodPost, "/api/tasks", store.CreateTaskInput{
		GroupID: g.ID, Title: "do the thing", TaskType: "code",
		AssignedTo: "coder", CreatedBy: "tester",
	}, "")
	if created.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", created.Code, created.Body.String())
	}
	var task store.Task
	_ = json.Unmarshal(created.Body.Bytes(), &task)

	got := doJSON(t, srv, http.MethodGet, "/api/tasks/"+task.ID, nil, "")
	if got.Code != http.StatusOK {
		t.Fatalf("get task: %d %s", got.Code, got.Body.String())
	}
}

func TestUpdateTask_PatchesPriorityOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	group := doJSON(t, srv, http.MethodPost, "/api/groups", createGroupRequest{Title: "g", CreatedBy: "t"}, "")
	var g store.Group
	_ = json.Unmarshal(group.Body.Bytes(), &g)
	created := doJSON(t, srv, http.MethodPost, "/api/tasks", store.CreateTaskInput{
		GroupID: g.ID, Title: "x", TaskType: "code", AssignedTo: "coder", CreatedBy: "t",
	}, "")
	var task store.Task
	_ = json.Unmarshal(created.Body.Bytes(), &task)

	newPriority := "high"
	patched := doJSON(t, srv, http.MethodPatch, "/api/tasks/"+task.ID, updateTaskRequest{Priority: &newPriority}, "")
	if patched.Code != http.StatusOK {
		t.Fatalf("patch task: %d %s", patched.Code, patched.Body.String())
	}
	var updated store.Task
	_ = json.Unmarshal(patched.Body.Bytes(), &updated)
	if updated.Priority != "high" {
		t.Fatalf("expected priority high, got %q", updated.Priority)
	}
	if updated.Title != "x" {
		t.Fatalf("expected title unchanged, got %q", updated.Title)
	}
}

func TestDeleteTask_CancelsRatherThanRemoving(t *testing.T) {
	srv := newTestServer(t, nil)
	group := doJSON(t, srv, http.MethodPost, "/api/groups", createGroupRequest{Title: "g", CreatedBy: "t"}, "")
	var g store.Group
	_ = json.Unmarshal(group.Body.Bytes(), &g)
	created := doJSON(t, srv, http.MethodPost, "/api/tasks", store.CreateTaskInput{
		GroupID: g.ID, Title: "x", TaskType: "code", AssignedTo: "coder", CreatedBy: "t",
	}, "")
	var task store.Task
	_ = json.Unmarshal(created.Body.Bytes(), &task)

	deleted := doJSON(t, srv, http.MethodDelete, "/api/tasks/"+task.ID, nil, "")
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete task: %d %s", deleted.Code, deleted.Body.String())
	}
	got := doJSON(t, srv, http.MethodGet, "/api/tasks/"+task.ID, nil, "")
	var after store.Task
	_ = json.Unmarshal(got.Body.Bytes(), &after)
	if after.Status != store.TaskStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", after.Status)
	}
}

func TestSendAgentMessage_ThenRecipientReadsIt(t *testing.T) {
	srv := newTestServer(t, nil)
	sent := doJSON(t, srv, http.MethodPost, "/api/agents/coder-1/messages", sendAgentMessageRequest{
		To: "reviewer-1", Content: "please review CD-001",
	}, "")
	if sent.Code != http.StatusCreated {
		t.Fatalf("send message: %d %s", sent.Code, sent.Body.String())
	}
	var msg store.AgentMessage
	if err := json.Unmarshal(sent.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.FromInstance != "coder-1" || msg.ToInstance != "reviewer-1" || msg.Content != "please review CD-001" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	got := doJSON(t, srv, http.MethodGet, "/api/agents/reviewer-1/messages", nil, "")
	if got.Code != http.StatusOK {
		t.Fatalf("read messages: %d %s", got.Code, got.Body.String())
	}
	var inbox []store.AgentMessage
	if err := json.Unmarshal(got.Body.Bytes(), &inbox); err != nil {
		t.Fatalf("decode inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Content != "please review CD-001" {
		t.Fatalf("expected one message in inbox, got %+v", inbox)
	}
}

func TestAdminRestart_RequiresAdminTokenWhenAuthEnabled(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.New(nil)
	s, err := store.Open(filepath.Join(dir, "test.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := board.New(s)

	srv := New(Config{
		Board:       b,
		Instances:   instances.New(s),
		Bus:         eventBus,
		Webhooks:    webhook.New(s, nil),
		Schedules:   schedule.New(schedule.Config{Board: b}),
		AuthEnabled: true,
		AdminToken:  "super-secret",
		Restart:     func() {},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/server/restart", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin token, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/server/restart", nil, "super-secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with admin token, got %d: %s", rec.Code, rec.Body.String())
	}
}
