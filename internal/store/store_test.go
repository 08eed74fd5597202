package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkerlin/clawsched/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func makeTask(id, folder string, nextRun string) types.ScheduledTask {
	t := types.ScheduledTask{
		ID:            id,
		GroupFolder:   folder,
		ChatJID:       folder + "@g.us",
		Prompt:        "do something",
		ScheduleType:  types.ScheduleOnce,
		ScheduleValue: "2026-06-01T00:00:00Z",
		ContextMode:   types.ContextIsolated,
		Status:        types.StatusActive,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if nextRun != "" {
		t.NextRun = &nextRun
	}
	return t
}

func TestStore_CreateAndGetTask(t *testing.T) {
	st := testStore(t)

	task := makeTask("task-1", "other-group", "2026-06-01T00:00:00Z")
	if err := st.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := st.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.GroupFolder != "other-group" {
		t.Errorf("GroupFolder = %q, want %q", got.GroupFolder, "other-group")
	}
	if got.NextRun == nil || *got.NextRun != "2026-06-01T00:00:00Z" {
		t.Errorf("NextRun = %v, want 2026-06-01T00:00:00Z", got.NextRun)
	}
	if got.LastRun != nil || got.LastResult != nil {
		t.Error("new task has last_run/last_result set")
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	st := testStore(t)
	if _, err := st.GetTask("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestStore_TasksForGroup(t *testing.T) {
	st := testStore(t)

	for i := 0; i < 3; i++ {
		task := makeTask(fmt.Sprintf("task-%d", i), "other-group", "")
		task.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		if err := st.CreateTask(task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	if err := st.CreateTask(makeTask("task-x", "main", "")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	tasks, err := st.TasksForGroup("other-group")
	if err != nil {
		t.Fatalf("TasksForGroup failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	// Newest first.
	if tasks[0].ID != "task-2" || tasks[2].ID != "task-0" {
		t.Errorf("ordering = [%s %s %s], want newest first", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestStore_UpdateTaskPartial(t *testing.T) {
	st := testStore(t)
	if err := st.CreateTask(makeTask("task-1", "main", "2026-06-01T00:00:00Z")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	paused := types.StatusPaused
	if err := st.UpdateTask("task-1", TaskUpdate{Status: &paused}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, err := st.GetTask("task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != types.StatusPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}
	// Pause leaves next_run untouched.
	if got.NextRun == nil || *got.NextRun != "2026-06-01T00:00:00Z" {
		t.Errorf("NextRun = %v, want unchanged", got.NextRun)
	}

	if err := st.UpdateTask("task-1", TaskUpdate{ClearNextRun: true}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	got, _ = st.GetTask("task-1")
	if got.NextRun != nil {
		t.Errorf("NextRun = %v, want nil after clear", got.NextRun)
	}
}

func TestStore_UpdateTaskMissingIsNoop(t *testing.T) {
	st := testStore(t)
	active := types.StatusActive
	if err := st.UpdateTask("missing", TaskUpdate{Status: &active}); err != nil {
		t.Errorf("UpdateTask on missing id = %v, want nil", err)
	}
}

func TestStore_DeleteTaskCascadesRunLogs(t *testing.T) {
	st := testStore(t)
	if err := st.CreateTask(makeTask("task-1", "main", "")); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		err := st.AppendRunLog(types.TaskRunLog{
			TaskID: "task-1",
			RunAt:  time.Now().UTC().Format(time.RFC3339),
			Status: types.RunSuccess,
			Result: "ok",
		})
		if err != nil {
			t.Fatalf("AppendRunLog failed: %v", err)
		}
	}

	if err := st.DeleteTask("task-1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := st.GetTask("task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("task still present after delete: %v", err)
	}
	logs, err := st.RunLogs("task-1")
	if err != nil {
		t.Fatalf("RunLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("run logs after delete = %d, want 0", len(logs))
	}
}

func TestStore_DueTasks(t *testing.T) {
	st := testStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past1 := now.Add(-2 * time.Hour).Format(time.RFC3339)
	past2 := now.Add(-time.Hour).Format(time.RFC3339)
	future := now.Add(time.Hour).Format(time.RFC3339)

	if err := st.CreateTask(makeTask("due-late", "main", past2)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(makeTask("due-early", "main", past1)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(makeTask("future", "main", future)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(makeTask("no-next-run", "main", "")); err != nil {
		t.Fatal(err)
	}
	paused := makeTask("paused", "main", past1)
	paused.Status = types.StatusPaused
	if err := st.CreateTask(paused); err != nil {
		t.Fatal(err)
	}

	due, err := st.DueTasks(now)
	if err != nil {
		t.Fatalf("DueTasks failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Errorf("ordering = [%s %s], want ascending by next_run", due[0].ID, due[1].ID)
	}
}

func TestStore_RecordRunRecurring(t *testing.T) {
	st := testStore(t)
	if err := st.CreateTask(makeTask("task-1", "main", "2026-03-01T00:00:00Z")); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC)
	next := "2026-03-01T01:00:00Z"
	if err := st.RecordRun("task-1", &next, "all good", now); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, _ := st.GetTask("task-1")
	if got.Status != types.StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if got.NextRun == nil || *got.NextRun != next {
		t.Errorf("NextRun = %v, want %q", got.NextRun, next)
	}
	if got.LastResult == nil || *got.LastResult != "all good" {
		t.Errorf("LastResult = %v, want %q", got.LastResult, "all good")
	}
	if got.LastRun == nil {
		t.Error("LastRun not set")
	}
}

func TestStore_RecordRunCompletesOnce(t *testing.T) {
	st := testStore(t)
	if err := st.CreateTask(makeTask("task-1", "main", "2026-03-01T00:00:00Z")); err != nil {
		t.Fatal(err)
	}

	if err := st.RecordRun("task-1", nil, "done", time.Now()); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	got, _ := st.GetTask("task-1")
	if got.Status != types.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.NextRun != nil {
		t.Errorf("NextRun = %v, want nil", got.NextRun)
	}
}

func TestStore_RecordRunMissingTaskIsNoop(t *testing.T) {
	st := testStore(t)
	// The task was cancelled while its execution was in flight.
	if err := st.RecordRun("cancelled", nil, "late result", time.Now()); err != nil {
		t.Errorf("RecordRun on missing id = %v, want nil", err)
	}
}

func TestStore_RunLogs(t *testing.T) {
	st := testStore(t)

	logs := []types.TaskRunLog{
		{TaskID: "task-1", RunAt: "2026-03-01T00:00:00Z", DurationMS: 1200, Status: types.RunSuccess, Result: "ok"},
		{TaskID: "task-1", RunAt: "2026-03-01T01:00:00Z", DurationMS: 50, Status: types.RunError, Error: "boom"},
		{TaskID: "task-2", RunAt: "2026-03-01T02:00:00Z", DurationMS: 10, Status: types.RunSuccess},
	}
	for _, l := range logs {
		if err := st.AppendRunLog(l); err != nil {
			t.Fatalf("AppendRunLog failed: %v", err)
		}
	}

	got, err := st.RunLogs("task-1")
	if err != nil {
		t.Fatalf("RunLogs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Status != types.RunSuccess || got[0].DurationMS != 1200 {
		t.Errorf("first log = %+v", got[0])
	}
	if got[1].Error != "boom" {
		t.Errorf("second log error = %q, want boom", got[1].Error)
	}
}

func TestStore_RegisterGroupRejectsInvalidFolder(t *testing.T) {
	st := testStore(t)
	err := st.RegisterGroup(types.RegisteredGroup{
		JID:    "bad@g.us",
		Name:   "Bad",
		Folder: "../../outside",
	})
	if err == nil {
		t.Fatal("RegisterGroup accepted a traversal folder")
	}
	if _, err := st.RegisteredGroup("bad@g.us"); !errors.Is(err, ErrNotFound) {
		t.Errorf("group present after rejected registration: %v", err)
	}
}

func TestStore_RegisteredGroupsFiltersCorruptRows(t *testing.T) {
	st := testStore(t)

	good := types.RegisteredGroup{
		JID: "good@g.us", Name: "Good", Folder: "good-group",
		TriggerPattern: "@Andy", AddedAt: "2026-01-01T00:00:00Z", RequiresTrigger: true,
	}
	if err := st.RegisterGroup(good); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}
	// Simulate a row written before folder validation existed.
	_, err := st.db.Exec(`
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, added_at, requires_trigger)
		VALUES ('evil@g.us', 'Evil', '../escape', '@Andy', '2026-01-01T00:00:00Z', 1)`)
	if err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	groups, err := st.RegisteredGroups()
	if err != nil {
		t.Fatalf("RegisteredGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("len = %d, want 1", len(groups))
	}
	if _, ok := groups["good@g.us"]; !ok {
		t.Error("valid group missing from snapshot")
	}
	if _, err := st.RegisteredGroup("evil@g.us"); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt group returned: %v", err)
	}
}

func TestStore_AvailableGroups(t *testing.T) {
	st := testStore(t)

	chats := []struct {
		jid, name, ts string
		isGroup       bool
	}{
		{"quiet@g.us", "Quiet", "2026-01-01T00:00:00Z", true},
		{"busy@g.us", "Busy", "2026-02-01T00:00:00Z", true},
		{"direct@s.net", "DM", "2026-03-01T00:00:00Z", false},
	}
	for _, c := range chats {
		if err := st.UpsertChat(c.jid, c.name, "whatsapp", c.ts, c.isGroup); err != nil {
			t.Fatalf("UpsertChat failed: %v", err)
		}
	}
	if err := st.SetLastGroupSync(time.Now()); err != nil {
		t.Fatalf("SetLastGroupSync failed: %v", err)
	}
	if err := st.RegisterGroup(types.RegisteredGroup{
		JID: "busy@g.us", Name: "Busy", Folder: "busy",
		TriggerPattern: "@Andy", AddedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}

	groups, err := st.AvailableGroups()
	if err != nil {
		t.Fatalf("AvailableGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("len = %d, want 2 (sentinel and non-group excluded)", len(groups))
	}
	if groups[0].JID != "busy@g.us" {
		t.Errorf("first group = %s, want most recent activity first", groups[0].JID)
	}
	if !groups[0].Registered {
		t.Error("busy@g.us not flagged as registered")
	}
	if groups[1].Registered {
		t.Error("quiet@g.us flagged as registered")
	}
}

func TestStore_LastGroupSync(t *testing.T) {
	st := testStore(t)

	ts, err := st.LastGroupSync()
	if err != nil {
		t.Fatalf("LastGroupSync failed: %v", err)
	}
	if ts != "" {
		t.Errorf("initial sync time = %q, want empty", ts)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SetLastGroupSync(now); err != nil {
		t.Fatalf("SetLastGroupSync failed: %v", err)
	}
	ts, _ = st.LastGroupSync()
	if ts != "2026-03-01T12:00:00Z" {
		t.Errorf("sync time = %q, want 2026-03-01T12:00:00Z", ts)
	}
}

func TestStore_Sessions(t *testing.T) {
	st := testStore(t)

	if _, err := st.Session("main"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	if err := st.SetSession("main", "sess-1"); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if err := st.SetSession("main", "sess-2"); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if err := st.SetSession("other-group", "sess-3"); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	id, err := st.Session("main")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if id != "sess-2" {
		t.Errorf("session = %q, want sess-2", id)
	}

	all, err := st.Sessions()
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}
}

func TestStore_RouterState(t *testing.T) {
	st := testStore(t)

	v, err := st.RouterState("last_timestamp")
	if err != nil {
		t.Fatalf("RouterState failed: %v", err)
	}
	if v != "" {
		t.Errorf("initial value = %q, want empty", v)
	}

	if err := st.SetRouterState("last_timestamp", "2026-03-01T00:00:00Z"); err != nil {
		t.Fatalf("SetRouterState failed: %v", err)
	}
	v, _ = st.RouterState("last_timestamp")
	if v != "2026-03-01T00:00:00Z" {
		t.Errorf("value = %q", v)
	}
}

func TestStore_Messages(t *testing.T) {
	st := testStore(t)

	for i := 0; i < 5; i++ {
		msg := types.NewMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			ChatJID:   "chat@g.us",
			Sender:    "user",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339),
		}
		if err := st.SaveMessage(msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := st.RecentMessages("chat@g.us", 3)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i := 0; i < len(msgs)-1; i++ {
		if msgs[i].Timestamp > msgs[i+1].Timestamp {
			t.Error("messages not in chronological order")
		}
	}
	if msgs[2].ID != "msg-4" {
		t.Errorf("last message = %s, want msg-4", msgs[2].ID)
	}
}
