package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/linkerlin/clawsched/internal/groupfolder"
	"github.com/linkerlin/clawsched/internal/schedule"
	"github.com/linkerlin/clawsched/internal/store"
	"github.com/linkerlin/clawsched/internal/types"
)

// Deps supplies the collaborators a command may drive. The registered-group
// set is read through the pull accessor on every command; nothing here pushes
// change notifications.
type Deps struct {
	Store               *store.Store
	SendMessage         func(chatJID, text string)
	RegisteredGroups    func() map[string]types.RegisteredGroup
	RegisterGroup       func(jid string, g types.RegisteredGroup) error
	SyncGroupMetadata   func(ctx context.Context) error
	AvailableGroups     func() ([]types.AvailableGroup, error)
	WriteGroupsSnapshot func(groups map[string]types.RegisteredGroup) error
}

// Process applies one command on behalf of sourceFolder. isPrivileged is true
// only for the distinguished control workspace, which may act on any group's
// resources; everyone else may only act on their own.
//
// Authorization and validation failures drop the command and leave every
// store untouched. Only store I/O failures are returned as errors.
func Process(ctx context.Context, cmd Command, sourceFolder string, isPrivileged bool, deps Deps) error {
	switch c := cmd.(type) {
	case ScheduleTask:
		return processScheduleTask(c, sourceFolder, isPrivileged, deps)
	case PauseTask:
		return setTaskStatus(c.TaskID, types.StatusPaused, sourceFolder, isPrivileged, deps)
	case ResumeTask:
		return setTaskStatus(c.TaskID, types.StatusActive, sourceFolder, isPrivileged, deps)
	case CancelTask:
		return processCancelTask(c, sourceFolder, isPrivileged, deps)
	case RegisterGroup:
		return processRegisterGroup(ctx, c, sourceFolder, isPrivileged, deps)
	case RefreshGroups:
		return processRefreshGroups(ctx, sourceFolder, isPrivileged, deps)
	case SendMessage:
		return processSendMessage(c, sourceFolder, isPrivileged, deps)
	default:
		return fmt.Errorf("unhandled command type %T", cmd)
	}
}

func processScheduleTask(c ScheduleTask, sourceFolder string, isPrivileged bool, deps Deps) error {
	target, ok := deps.RegisteredGroups()[c.TargetJID]
	if !ok {
		slog.Warn("ipc: schedule_task for unregistered target", "target", c.TargetJID, "source", sourceFolder)
		return nil
	}
	if !isPrivileged && target.Folder != sourceFolder {
		slog.Warn("ipc: schedule_task denied", "source", sourceFolder, "target_folder", target.Folder)
		return nil
	}

	now := time.Now()
	next, err := schedule.Next(c.ScheduleType, c.ScheduleValue, now)
	if err != nil {
		slog.Warn("ipc: schedule_task with bad schedule",
			"source", sourceFolder, "kind", c.ScheduleType, "value", c.ScheduleValue, "err", err)
		return nil
	}

	mode := c.ContextMode
	if mode != types.ContextGroup && mode != types.ContextIsolated {
		mode = types.ContextIsolated
	}

	nextStr := next.UTC().Format(time.RFC3339)
	task := types.ScheduledTask{
		ID:            uuid.New().String(),
		GroupFolder:   target.Folder,
		ChatJID:       c.TargetJID,
		Prompt:        c.Prompt,
		ScheduleType:  c.ScheduleType,
		ScheduleValue: c.ScheduleValue,
		ContextMode:   mode,
		NextRun:       &nextStr,
		Status:        types.StatusActive,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
	if err := deps.Store.CreateTask(task); err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}
	slog.Info("ipc: task scheduled", "task", task.ID, "folder", task.GroupFolder, "next_run", nextStr)
	return nil
}

// setTaskStatus handles pause and resume, which share lookup and
// authorization. Missing tasks and denied sources are silent no-ops.
func setTaskStatus(taskID, status, sourceFolder string, isPrivileged bool, deps Deps) error {
	task, err := deps.Store.GetTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if !isPrivileged && task.GroupFolder != sourceFolder {
		slog.Warn("ipc: task status change denied",
			"task", taskID, "source", sourceFolder, "owner", task.GroupFolder)
		return nil
	}
	if err := deps.Store.UpdateTask(taskID, store.TaskUpdate{Status: &status}); err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	slog.Info("ipc: task status changed", "task", taskID, "status", status, "source", sourceFolder)
	return nil
}

func processCancelTask(c CancelTask, sourceFolder string, isPrivileged bool, deps Deps) error {
	task, err := deps.Store.GetTask(c.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if !isPrivileged && task.GroupFolder != sourceFolder {
		slog.Warn("ipc: cancel_task denied", "task", c.TaskID, "source", sourceFolder, "owner", task.GroupFolder)
		return nil
	}
	// Delete-only: an execution already in flight is left to finish and its
	// completion write will find no row.
	if err := deps.Store.DeleteTask(c.TaskID); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	slog.Info("ipc: task cancelled", "task", c.TaskID, "source", sourceFolder)
	return nil
}

func processRegisterGroup(ctx context.Context, c RegisterGroup, sourceFolder string, isPrivileged bool, deps Deps) error {
	if !isPrivileged {
		slog.Warn("ipc: register_group denied", "source", sourceFolder)
		return nil
	}
	if c.JID == "" || c.Name == "" || c.Folder == "" || c.Trigger == "" {
		slog.Warn("ipc: register_group with missing fields", "jid", c.JID)
		return nil
	}
	if !groupfolder.Valid(c.Folder) {
		slog.Warn("ipc: register_group with unsafe folder", "jid", c.JID, "folder", c.Folder)
		return nil
	}

	g := types.RegisteredGroup{
		JID:             c.JID,
		Name:            c.Name,
		Folder:          c.Folder,
		TriggerPattern:  c.Trigger,
		AddedAt:         time.Now().UTC().Format(time.RFC3339),
		RequiresTrigger: true,
	}
	if err := deps.RegisterGroup(c.JID, g); err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	if err := deps.SyncGroupMetadata(ctx); err != nil {
		slog.Error("ipc: group metadata sync", "err", err)
	}
	slog.Info("ipc: group registered", "jid", c.JID, "folder", c.Folder)
	return nil
}

func processRefreshGroups(ctx context.Context, sourceFolder string, isPrivileged bool, deps Deps) error {
	if !isPrivileged {
		// Silently ignored rather than logged as a denial; self-service
		// workspaces have no business seeing the group roster.
		return nil
	}
	if err := deps.SyncGroupMetadata(ctx); err != nil {
		slog.Error("ipc: group metadata sync", "err", err)
	}
	groups, err := deps.AvailableGroups()
	if err != nil {
		return fmt.Errorf("refresh groups: %w", err)
	}
	slog.Info("ipc: groups refreshed", "available", len(groups))
	if err := deps.WriteGroupsSnapshot(deps.RegisteredGroups()); err != nil {
		return fmt.Errorf("write groups snapshot: %w", err)
	}
	return nil
}

func processSendMessage(c SendMessage, sourceFolder string, isPrivileged bool, deps Deps) error {
	if !messageAuthorized(sourceFolder, isPrivileged, c.TargetJID, deps.RegisteredGroups()) {
		slog.Warn("ipc: send_message denied", "source", sourceFolder, "target", c.TargetJID)
		return nil
	}
	deps.SendMessage(c.TargetJID, c.Text)
	return nil
}

// messageAuthorized reports whether a source may address a chat: privileged
// sources may address anything, others only the chat registered to their own
// folder.
func messageAuthorized(sourceFolder string, isPrivileged bool, targetJID string, groups map[string]types.RegisteredGroup) bool {
	if isPrivileged {
		return true
	}
	target, ok := groups[targetJID]
	return ok && target.Folder == sourceFolder
}
