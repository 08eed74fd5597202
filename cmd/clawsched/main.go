package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/linkerlin/clawsched/internal/config"
	"github.com/linkerlin/clawsched/internal/ipc"
	"github.com/linkerlin/clawsched/internal/prompt"
	"github.com/linkerlin/clawsched/internal/queue"
	"github.com/linkerlin/clawsched/internal/scheduler"
	"github.com/linkerlin/clawsched/internal/store"
	"github.com/linkerlin/clawsched/internal/types"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	dbPath := pflag.String("db", "", "override SQLite database path")
	socketDir := pflag.String("socket-dir", "", "override IPC socket directory")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *socketDir != "" {
		cfg.App.SocketDir = *socketDir
	}

	os.MkdirAll(cfg.App.DataDir, 0o755)
	os.MkdirAll(cfg.App.GroupsDir, 0o755)

	path := cfg.DBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	st, err := store.Open(path)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	initMainGroup(st, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := newSender(st, cfg)
	deps := ipc.Deps{
		Store:       st,
		SendMessage: send,
		RegisteredGroups: func() map[string]types.RegisteredGroup {
			groups, err := st.RegisteredGroups()
			if err != nil {
				slog.Error("load registered groups", "err", err)
				return nil
			}
			return groups
		},
		RegisterGroup: func(jid string, g types.RegisteredGroup) error {
			return st.RegisterGroup(g)
		},
		SyncGroupMetadata: func(ctx context.Context) error {
			return st.SetLastGroupSync(time.Now())
		},
		AvailableGroups: st.AvailableGroups,
		WriteGroupsSnapshot: func(groups map[string]types.RegisteredGroup) error {
			return writeGroupsSnapshot(cfg.GroupsSnapshotPath(), groups)
		},
	}

	q := queue.New(cfg.App.MaxConcurrent)
	interval := time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond

	// The stub executor delivers the assembled input back to the target chat
	// as a reminder. Hosts that execute prompts in an agent sandbox replace it.
	execute := func(ctx context.Context, input string) (string, error) {
		return input, nil
	}

	// Group-context tasks carry recent chat history so the executor sees the
	// conversation; isolated tasks get the bare prompt.
	runner := scheduler.RunnerFunc(func(ctx context.Context, task types.ScheduledTask) (string, error) {
		var history []types.NewMessage
		if task.ContextMode == types.ContextGroup {
			var err error
			history, err = st.RecentMessages(task.ChatJID, 50)
			if err != nil {
				slog.Warn("load chat history", "task", task.ID, "err", err)
			}
		}
		out, err := execute(ctx, prompt.ForTask(task, history))
		if err != nil {
			return "", err
		}
		return prompt.CleanResponse(out), nil
	})

	sched := scheduler.New(st, runner, q, interval, send)
	sched.Start(ctx)
	defer sched.Stop()

	server, err := ipc.NewServer(cfg.App.SocketDir, cfg.App.MainFolder, deps)
	if err != nil {
		slog.Error("start ipc server", "err", err)
		os.Exit(1)
	}
	defer server.Close()
	go func() {
		if err := server.Serve(ctx); err != nil {
			slog.Error("ipc server", "err", err)
		}
	}()

	slog.Info("clawsched started",
		"db", path, "socket", server.SocketPath(), "poll_interval", interval.String())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	slog.Info("shutting down")
}

// initMainGroup makes sure the privileged control workspace exists.
func initMainGroup(st *store.Store, cfg *config.Config) {
	groups, err := st.RegisteredGroups()
	if err == nil {
		for _, g := range groups {
			if g.Folder == cfg.App.MainFolder {
				return
			}
		}
	}
	err = st.RegisterGroup(types.RegisteredGroup{
		JID:             cfg.App.MainFolder + "@clawsched",
		Name:            "Main",
		Folder:          cfg.App.MainFolder,
		TriggerPattern:  "@" + cfg.App.Name,
		AddedAt:         time.Now().UTC().Format(time.RFC3339),
		RequiresTrigger: true,
	})
	if err != nil {
		slog.Error("register main group", "err", err)
	}
}

// newSender returns the outbound chat collaborator: fire-and-forget, rate
// limited, recorded in the message log.
func newSender(st *store.Store, cfg *config.Config) func(chatJID, text string) {
	limiter := rate.NewLimiter(rate.Limit(cfg.App.SendRatePerSec), 1)
	return func(chatJID, text string) {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		msg := types.NewMessage{
			ID:           uuid.New().String(),
			ChatJID:      chatJID,
			Sender:       cfg.App.Name,
			SenderName:   cfg.App.Name,
			Content:      text,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			IsBotMessage: true,
		}
		if err := st.SaveMessage(msg); err != nil {
			slog.Error("send message: save", "chat", chatJID, "err", err)
			return
		}
		slog.Info("message sent", "chat", chatJID, "chars", len(text))
	}
}

// writeGroupsSnapshot publishes the registered-groups snapshot atomically so
// sandboxed readers never see a partial file.
func writeGroupsSnapshot(path string, groups map[string]types.RegisteredGroup) error {
	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
