package store

import "time"

// TaskStatus is the closed enum of task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// GroupStatus is the closed enum of group lifecycle states.
type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusCompleted GroupStatus = "completed"
	GroupStatusArchived  GroupStatus = "archived"
)

// InstanceStatus is the closed enum of worker instance states.
type InstanceStatus string

const (
	InstanceStatusIdle    InstanceStatus = "idle"
	InstanceStatusWorking InstanceStatus = "working"
	InstanceStatusPaused  InstanceStatus = "paused"
	InstanceStatusOffline InstanceStatus = "offline"
)

// Priority is the closed, fixed priority enum. The ranking below must
// never be made runtime-configurable: it is load-bearing for claim
// ordering (§4.4.8).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank maps a priority to its sort rank; lower sorts first.
// Unrecognized priorities rank last (99), never first — an unknown
// priority must never silently jump the queue.
var priorityRank = map[string]int{
	string(PriorityCritical): 0,
	string(PriorityHigh):     1,
	string(PriorityMedium):   2,
	string(PriorityLow):      3,
}

// PriorityRank returns the fixed sort rank for a priority string.
func PriorityRank(p string) int {
	if rank, ok := priorityRank[p]; ok {
		return rank
	}
	return 99
}

// Group is one batch of related tasks originating from a single goal.
type Group struct {
	ID          string
	Title       string
	Origin      string
	Status      GroupStatus
	CreatedBy   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Task is a single unit of work assigned to a role.
type Task struct {
	ID              string
	GroupID         string
	ParentID        string
	RevisionOf      string
	Title           string
	Description     string
	TaskType        string
	Priority        string
	AssignedTo      string
	AssignedBy      string
	ClaimedBy       string
	Status          TaskStatus
	CreatedBy       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RejectionReason string
	OutputText      string
}

// Dependency is a directed edge (task, blocked_by): task cannot start
// until blocked_by completes.
type Dependency struct {
	TaskID     string
	BlockedBy  string
	Resolved   bool
	ResolvedAt *time.Time
}

// Instance is one running worker within a role.
type Instance struct {
	ID            string
	Role          string
	Status        InstanceStatus
	CurrentTask   string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Webhook is one registered outbound delivery target.
type Webhook struct {
	ID              string
	URL             string
	Events          []string
	Secret          string
	Active          bool
	CreatedAt       time.Time
	LastTriggeredAt *time.Time
}

// TaskUsage records per-run LLM usage for a completed task.
type TaskUsage struct {
	TaskID       string
	AgentID      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
	NumTurns     int
	CreatedAt    time.Time
}

// AgentMessage is an asynchronous note from one worker instance to
// another.
type AgentMessage struct {
	ID           int64
	FromInstance string
	ToInstance   string
	Content      string
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// Schedule is a cron-triggered recurring goal/task creation rule.
type Schedule struct {
	ID         string
	CronExpr   string
	GroupTitle string
	TaskTitle  string
	AssignedTo string
	TaskType   string
	CreatedBy  string
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	CreatedAt  time.Time
}
