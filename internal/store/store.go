// Package store persists tasks, run logs, registered groups, chats, sessions,
// and router state in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linkerlin/clawsched/internal/groupfolder"
	"github.com/linkerlin/clawsched/internal/types"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// groupSyncJID is the bookkeeping row in chats that tracks the last group
// metadata sync. It is never surfaced as a real chat.
const groupSyncJID = "__group_sync__"

// Store wraps a *sql.DB with clawsched-specific operations.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
  jid TEXT PRIMARY KEY,
  name TEXT,
  last_message_time TEXT,
  channel TEXT,
  is_group INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT,
  chat_jid TEXT,
  sender TEXT,
  sender_name TEXT,
  content TEXT,
  timestamp TEXT,
  is_from_me INTEGER,
  is_bot_message INTEGER DEFAULT 0,
  PRIMARY KEY (id, chat_jid)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  group_folder TEXT NOT NULL,
  chat_jid TEXT NOT NULL,
  prompt TEXT NOT NULL,
  schedule_type TEXT NOT NULL,
  schedule_value TEXT NOT NULL,
  context_mode TEXT DEFAULT 'isolated',
  next_run TEXT,
  last_run TEXT,
  last_result TEXT,
  status TEXT DEFAULT 'active',
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(next_run) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS task_run_logs (
  task_id TEXT NOT NULL,
  run_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs(task_id, run_at);

CREATE TABLE IF NOT EXISTS registered_groups (
  jid TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  folder TEXT NOT NULL UNIQUE,
  trigger_pattern TEXT NOT NULL,
  added_at TEXT NOT NULL,
  container_config TEXT,
  requires_trigger INTEGER DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sessions (
  group_folder TEXT PRIMARY KEY,
  session_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS router_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

// Open opens (or creates) the SQLite database at the given path.
func Open(path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := sqldb.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: sqldb}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Scheduled tasks ---

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t types.ScheduledTask) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.NextRun, t.LastRun, t.LastResult, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	context_mode, next_run, last_run, last_result, status, created_at`

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(id string) (*types.ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TasksForGroup returns the group's tasks, newest first.
func (s *Store) TasksForGroup(folder string) ([]types.ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE group_folder = ? ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// AllTasks returns every task, newest first.
func (s *Store) AllTasks() ([]types.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskUpdate names the fields that UpdateTask may change. Nil pointers leave
// the field untouched; ClearNextRun nulls next_run regardless of NextRun.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *string
	ScheduleValue *string
	NextRun       *string
	ClearNextRun  bool
	Status        *string
}

// UpdateTask applies the non-nil fields of u to the task. A missing id is a
// silent no-op.
func (s *Store) UpdateTask(id string, u TaskUpdate) error {
	var sets []string
	var args []any
	if u.Prompt != nil {
		sets, args = append(sets, "prompt = ?"), append(args, *u.Prompt)
	}
	if u.ScheduleType != nil {
		sets, args = append(sets, "schedule_type = ?"), append(args, *u.ScheduleType)
	}
	if u.ScheduleValue != nil {
		sets, args = append(sets, "schedule_value = ?"), append(args, *u.ScheduleValue)
	}
	if u.ClearNextRun {
		sets = append(sets, "next_run = NULL")
	} else if u.NextRun != nil {
		sets, args = append(sets, "next_run = ?"), append(args, *u.NextRun)
	}
	if u.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, *u.Status)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// DeleteTask removes the task and all of its run log rows in one
// transaction. A missing id is a silent no-op.
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete run logs: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// DueTasks returns active tasks whose next_run is at or before now, ordered
// by next_run ascending. Ordering among equal next_run values is whatever
// SQLite yields.
func (s *Store) DueTasks(now time.Time) ([]types.ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RecordRun writes the outcome of one execution: last_run, last_result, and
// the follow-up next_run. A nil nextRun marks the task completed. If the
// task was cancelled while it ran, the update matches no row and is a no-op.
func (s *Store) RecordRun(id string, nextRun *string, lastResult string, now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	var err error
	if nextRun == nil {
		_, err = s.db.Exec(`
			UPDATE scheduled_tasks SET last_run = ?, last_result = ?, next_run = NULL, status = 'completed'
			WHERE id = ?`, ts, lastResult, id)
	} else {
		_, err = s.db.Exec(`
			UPDATE scheduled_tasks SET last_run = ?, last_result = ?, next_run = ?
			WHERE id = ?`, ts, lastResult, *nextRun, id)
	}
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// AppendRunLog appends one audit row for a completed execution attempt.
func (s *Store) AppendRunLog(l types.TaskRunLog) error {
	_, err := s.db.Exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMS, l.Status, l.Result, l.Error,
	)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// RunLogs returns the task's run log rows in run order.
func (s *Store) RunLogs(taskID string) ([]types.TaskRunLog, error) {
	rows, err := s.db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []types.TaskRunLog
	for rows.Next() {
		var l types.TaskRunLog
		var result, errText sql.NullString
		if err := rows.Scan(&l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &result, &errText); err != nil {
			return nil, err
		}
		l.Result = result.String
		l.Error = errText.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Registered groups ---

// RegisterGroup inserts or replaces a group registration. The folder must
// pass validation; this is the write-side gate against unsafe names.
func (s *Store) RegisterGroup(g types.RegisteredGroup) error {
	if !groupfolder.Valid(g.Folder) {
		return fmt.Errorf("invalid group folder %q for jid %s", g.Folder, g.JID)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO registered_groups (jid, name, folder, trigger_pattern, added_at, container_config, requires_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.JID, g.Name, g.Folder, g.TriggerPattern, g.AddedAt,
		nullIfEmpty(g.ContainerConfig), boolInt(g.RequiresTrigger),
	)
	if err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	return nil
}

// RegisteredGroup returns the registration for a jid, or ErrNotFound. Rows
// whose stored folder no longer passes validation are treated as absent.
func (s *Store) RegisteredGroup(jid string) (*types.RegisteredGroup, error) {
	row := s.db.QueryRow(`
		SELECT jid, name, folder, trigger_pattern, added_at, container_config, requires_trigger
		FROM registered_groups WHERE jid = ?`, jid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registered group: %w", err)
	}
	if !groupfolder.Valid(g.Folder) {
		slog.Warn("skipping registered group with invalid folder", "jid", g.JID, "folder", g.Folder)
		return nil, ErrNotFound
	}
	return g, nil
}

// RegisteredGroups returns all valid registrations keyed by jid, skipping any
// row whose stored folder fails validation.
func (s *Store) RegisteredGroups() (map[string]types.RegisteredGroup, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, folder, trigger_pattern, added_at, container_config, requires_trigger
		FROM registered_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string]types.RegisteredGroup)
	for rows.Next() {
		var g types.RegisteredGroup
		var cc sql.NullString
		var req int
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.TriggerPattern, &g.AddedAt, &cc, &req); err != nil {
			return nil, err
		}
		if !groupfolder.Valid(g.Folder) {
			slog.Warn("skipping registered group with invalid folder", "jid", g.JID, "folder", g.Folder)
			continue
		}
		g.ContainerConfig = cc.String
		g.RequiresTrigger = req != 0
		groups[g.JID] = g
	}
	return groups, rows.Err()
}

// --- Chats ---

// UpsertChat records chat metadata, keeping the most recent message time.
func (s *Store) UpsertChat(jid, name, channel, timestamp string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time),
			channel = CASE WHEN excluded.channel != '' THEN excluded.channel ELSE chats.channel END,
			is_group = excluded.is_group`,
		jid, name, timestamp, channel, boolInt(isGroup),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// AvailableGroups lists discoverable group chats, most recent activity first,
// each annotated with whether it is currently registered. The group-sync
// bookkeeping row is excluded.
func (s *Store) AvailableGroups() ([]types.AvailableGroup, error) {
	rows, err := s.db.Query(`
		SELECT c.jid, COALESCE(c.name, c.jid), COALESCE(c.last_message_time, ''),
		       rg.jid IS NOT NULL
		FROM chats c
		LEFT JOIN registered_groups rg ON rg.jid = c.jid
		WHERE c.is_group = 1 AND c.jid != ?
		ORDER BY c.last_message_time DESC`, groupSyncJID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []types.AvailableGroup
	for rows.Next() {
		var g types.AvailableGroup
		var registered int
		if err := rows.Scan(&g.JID, &g.Name, &g.LastMessageTime, &registered); err != nil {
			return nil, err
		}
		g.Registered = registered != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// LastGroupSync returns the timestamp of the last group metadata sync, or ""
// when none has happened.
func (s *Store) LastGroupSync() (string, error) {
	var ts sql.NullString
	err := s.db.QueryRow(`SELECT last_message_time FROM chats WHERE jid = ?`, groupSyncJID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get last group sync: %w", err)
	}
	return ts.String, nil
}

// SetLastGroupSync records the time of a group metadata sync.
func (s *Store) SetLastGroupSync(now time.Time) error {
	ts := now.UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time, is_group)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(jid) DO UPDATE SET last_message_time = excluded.last_message_time`,
		groupSyncJID, groupSyncJID, ts,
	)
	return err
}

// --- Messages ---

// SaveMessage inserts a message, ignoring duplicates, and refreshes the chat
// metadata row.
func (s *Store) SaveMessage(m types.NewMessage) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolInt(m.IsFromMe), boolInt(m.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return s.UpsertChat(m.ChatJID, "", "", m.Timestamp, true)
}

// RecentMessages returns the N most recent messages for a chat in
// chronological order.
func (s *Store) RecentMessages(chatJID string, limit int) ([]types.NewMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages WHERE chat_jid = ?
		ORDER BY timestamp DESC LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.NewMessage
	for rows.Next() {
		var m types.NewMessage
		var fromMe, botMsg int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &fromMe, &botMsg); err != nil {
			return nil, err
		}
		m.IsFromMe = fromMe != 0
		m.IsBotMessage = botMsg != 0
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Sessions ---

// Session returns the stored session id for a group folder, or ErrNotFound.
func (s *Store) Session(groupFolder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

// SetSession stores the session id for a group folder.
func (s *Store) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (group_folder, session_id) VALUES (?, ?)`,
		groupFolder, sessionID)
	return err
}

// Sessions returns all folder-to-session mappings.
func (s *Store) Sessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, err
		}
		sessions[folder] = id
	}
	return sessions, rows.Err()
}

// --- Router state ---

// RouterState returns the value stored under key, or "" when unset.
func (s *Store) RouterState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state: %w", err)
	}
	return value, nil
}

// SetRouterState stores a key/value pair for the host process.
func (s *Store) SetRouterState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO router_state (key, value) VALUES (?, ?)`, key, value)
	return err
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.ScheduledTask, error) {
	var t types.ScheduledTask
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
		&t.NextRun, &t.LastRun, &t.LastResult,
		&t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]types.ScheduledTask, error) {
	var tasks []types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanGroup(row rowScanner) (*types.RegisteredGroup, error) {
	var g types.RegisteredGroup
	var cc sql.NullString
	var req int
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.TriggerPattern, &g.AddedAt, &cc, &req); err != nil {
		return nil, err
	}
	g.ContainerConfig = cc.String
	g.RequiresTrigger = req != 0
	return &g, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
