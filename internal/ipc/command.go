// Package ipc receives control commands from group workspaces and enforces
// the privileged-vs-self-service trust model before touching any store.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Command is the closed set of control commands a workspace can issue. Each
// variant carries only its own fields; Process handles every variant
// exhaustively.
type Command interface {
	isCommand()
}

// ScheduleTask creates a new scheduled task targeting a registered group.
type ScheduleTask struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	TargetJID     string `json:"target_jid"`
	ContextMode   string `json:"context_mode,omitempty"`
}

// PauseTask suspends an existing task without touching its next_run.
type PauseTask struct {
	TaskID string `json:"task_id"`
}

// ResumeTask reactivates a paused task.
type ResumeTask struct {
	TaskID string `json:"task_id"`
}

// CancelTask deletes a task and its run logs. In-flight executions are left
// to finish; their completion write becomes a no-op.
type CancelTask struct {
	TaskID string `json:"task_id"`
}

// RegisterGroup maps a chat onto a workspace folder. Privileged only.
type RegisterGroup struct {
	JID     string `json:"jid"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger"`
}

// RefreshGroups re-lists available group chats and republishes the
// registered-groups snapshot. Privileged only.
type RefreshGroups struct{}

// SendMessage relays a plain chat message to a target conversation.
type SendMessage struct {
	TargetJID string `json:"target_jid"`
	Text      string `json:"text"`
}

func (ScheduleTask) isCommand()  {}
func (PauseTask) isCommand()     {}
func (ResumeTask) isCommand()    {}
func (CancelTask) isCommand()    {}
func (RegisterGroup) isCommand() {}
func (RefreshGroups) isCommand() {}
func (SendMessage) isCommand()   {}

// Decode parses one self-describing command object, discriminated by its
// "type" field.
func Decode(data []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch head.Type {
	case "schedule_task":
		var c ScheduleTask
		return c, json.Unmarshal(data, &c)
	case "pause_task":
		var c PauseTask
		return c, json.Unmarshal(data, &c)
	case "resume_task":
		var c ResumeTask
		return c, json.Unmarshal(data, &c)
	case "cancel_task":
		var c CancelTask
		return c, json.Unmarshal(data, &c)
	case "register_group":
		var c RegisterGroup
		return c, json.Unmarshal(data, &c)
	case "refresh_groups":
		return RefreshGroups{}, nil
	case "send_message":
		var c SendMessage
		return c, json.Unmarshal(data, &c)
	default:
		return nil, fmt.Errorf("decode command: unknown type %q", head.Type)
	}
}
