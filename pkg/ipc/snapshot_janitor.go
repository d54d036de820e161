package ipc

import (
	"context"
	"log/slog"
	"time"
)

// TaskSnapshot is one entry of current_tasks.json (spec.md:206).
type TaskSnapshot struct {
	ID            string     `json:"id"`
	ChatJID       string     `json:"chatJid"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run,omitempty"`
}

// GovPipelineSnapshot is the shape of gov_pipeline.json (spec.md:207).
type GovPipelineSnapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Tasks       []any     `json:"tasks"`
}

// ExtCapabilitiesSnapshot tells an agent which optional IPC task types the
// host will currently route (spec.md:208: ext_capabilities.json).
type ExtCapabilitiesSnapshot struct {
	Trello        bool `json:"trello"`
	Slack         bool `json:"slack"`
	ExternalCall  bool `json:"external_call"`
	Embeddings    bool `json:"embeddings"`
}

// SnapshotSource supplies the data a snapshot tick publishes, decoupling
// this package from pkg/store and pkg/governance's concrete types.
type SnapshotSource interface {
	CurrentTasks(ctx context.Context) ([]TaskSnapshot, error)
	GovPipelineTasksForGroup(ctx context.Context, group string) ([]any, error)
}

// SnapshotJanitorConfig configures RunSnapshotJanitor.
type SnapshotJanitorConfig struct {
	Groups       []Group
	Source       SnapshotSource
	Capabilities ExtCapabilitiesSnapshot
	Logger       *slog.Logger
}

// RunSnapshotJanitor periodically republishes current_tasks.json,
// gov_pipeline.json, and ext_capabilities.json into every group's IPC
// directory (spec §9: snapshot write-through is one of the periodic
// janitors every loop runs on its own timer, same category as the nonce
// and rate-counter janitors).
func RunSnapshotJanitor(ctx context.Context, cfg SnapshotJanitorConfig, interval time.Duration) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tickSnapshots(ctx, cfg); err != nil {
				logger.Error("ipc: snapshot janitor failed", "error", err)
			}
		}
	}
}

func tickSnapshots(ctx context.Context, cfg SnapshotJanitorConfig) error {
	tasks, err := cfg.Source.CurrentTasks(ctx)
	if err != nil {
		return err
	}

	for _, g := range cfg.Groups {
		if err := WriteCurrentTasksSnapshot(g.Dir, tasks); err != nil {
			return err
		}

		govTasks, err := cfg.Source.GovPipelineTasksForGroup(ctx, g.Name)
		if err != nil {
			return err
		}
		pipeline := GovPipelineSnapshot{GeneratedAt: time.Now().UTC(), Tasks: govTasks}
		if err := WriteGovPipelineSnapshot(g.Dir, pipeline); err != nil {
			return err
		}

		if err := WriteExtCapabilitiesSnapshot(g.Dir, cfg.Capabilities); err != nil {
			return err
		}
	}
	return nil
}
