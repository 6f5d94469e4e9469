package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicExecutionSaved   = "task.execution_saved"
)

// TopicStreamEvent carries every streaming invocation event (see internal/stream).
const TopicStreamEvent = "stream.event"

// TaskCreatedEvent is published once per collection write by create_tasks.
type TaskCreatedEvent struct {
	ConversationID string   `json:"conversation_id"`
	RequestID      string   `json:"request_id"`
	TaskIDs        []string `json:"task_ids"`
}

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
}

// ExecutionSavedEvent is published after an execution narrative is upserted.
type ExecutionSavedEvent struct {
	TaskID  string `json:"task_id"`
	Created bool   `json:"created"`
	Chars   int    `json:"chars"`
}
