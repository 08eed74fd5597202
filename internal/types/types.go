// Package types holds the domain records shared by the store, the scheduler,
// and the IPC layer.
package types

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Context modes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Run log outcomes.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// RegisteredGroup maps a chat onto its workspace folder.
type RegisteredGroup struct {
	JID             string `db:"jid"`
	Name            string `db:"name"`
	Folder          string `db:"folder"`
	TriggerPattern  string `db:"trigger_pattern"`
	AddedAt         string `db:"added_at"`
	ContainerConfig string `db:"container_config"`
	RequiresTrigger bool   `db:"requires_trigger"`
}

// NewMessage represents an incoming or outgoing chat message.
type NewMessage struct {
	ID           string `db:"id"`
	ChatJID      string `db:"chat_jid"`
	Sender       string `db:"sender"`
	SenderName   string `db:"sender_name"`
	Content      string `db:"content"`
	Timestamp    string `db:"timestamp"`
	IsFromMe     bool   `db:"is_from_me"`
	IsBotMessage bool   `db:"is_bot_message"`
}

// ScheduledTask represents a recurring or one-time scheduled task owned by a
// group workspace folder. Timestamps are RFC3339 strings.
type ScheduledTask struct {
	ID            string  `db:"id"`
	GroupFolder   string  `db:"group_folder"`
	ChatJID       string  `db:"chat_jid"`
	Prompt        string  `db:"prompt"`
	ScheduleType  string  `db:"schedule_type"` // cron | interval | once
	ScheduleValue string  `db:"schedule_value"`
	ContextMode   string  `db:"context_mode"` // group | isolated
	NextRun       *string `db:"next_run"`
	LastRun       *string `db:"last_run"`
	LastResult    *string `db:"last_result"`
	Status        string  `db:"status"` // active | paused | completed
	CreatedAt     string  `db:"created_at"`
}

// TaskRunLog is one append-only audit row per completed execution attempt.
// Rows are never mutated; they are deleted only when the parent task is
// cancelled.
type TaskRunLog struct {
	TaskID     string `db:"task_id"`
	RunAt      string `db:"run_at"`
	DurationMS int64  `db:"duration_ms"`
	Status     string `db:"status"` // success | error
	Result     string `db:"result"`
	Error      string `db:"error"`
}

// ChatInfo is chat-level metadata kept for group discovery.
type ChatInfo struct {
	JID             string `db:"jid"`
	Name            string `db:"name"`
	LastMessageTime string `db:"last_message_time"`
	Channel         string `db:"channel"`
	IsGroup         bool   `db:"is_group"`
}

// AvailableGroup is a discoverable group chat annotated with whether it is
// currently registered.
type AvailableGroup struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time"`
	Registered      bool   `json:"registered"`
}
