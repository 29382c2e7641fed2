package bus

// Canonical event topics emitted across the orchestrator. Payload keys are
// free-form but every payload that concerns a task or instance includes at
// least task_id/group_id/instance_id, as applicable.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRejected  = "task.rejected"
	TopicTaskCancelled = "task.cancelled"

	TopicAgentStatusChanged = "agent.status_changed"
	TopicAgentMessage       = "agent.message"

	TopicCollaborationPrefix = "collaboration."

	TopicAutoscaleNeeded = "autoscale.needed"
	TopicDecisionLogged  = "decision.logged"
)
