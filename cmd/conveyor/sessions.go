package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/recovery"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

// cliEnv bundles the pieces every session command needs.
type cliEnv struct {
	cfg      *config.Config
	logger   *zap.Logger
	st       *store.Store
	sessions *session.Manager
}

func openEnv(configPath string) (*cliEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger(cfg.Orchestrator.LogLevel, cfg.Orchestrator.LogFormat)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeConfig(cfg.Storage), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return &cliEnv{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		sessions: session.NewManager(st, logger),
	}, nil
}

func (e *cliEnv) close() {
	_ = e.st.Close()
	_ = e.logger.Sync()
}

func sessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted workflow sessions",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: conveyor.yaml in ., ./config, ~/.conveyor)")

	cmd.AddCommand(
		sessionsListCmd(&configPath),
		sessionsShowCmd(&configPath),
		sessionsDeleteCmd(&configPath),
		sessionsCleanupCmd(&configPath),
	)
	return cmd
}

func sessionsListCmd(configPath *string) *cobra.Command {
	var (
		statusFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent activity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			filter := store.SessionFilter{Limit: limit}
			if statusFilter != "" {
				for _, raw := range strings.Split(statusFilter, ",") {
					status := store.Status(strings.TrimSpace(raw))
					if !status.Valid() {
						return fmt.Errorf("unknown status %q", raw)
					}
					filter.Statuses = append(filter.Statuses, status)
				}
			}

			sessions, err := env.sessions.List(context.Background(), filter)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tWORKFLOW\tNAME\tUPDATED")
			for _, sess := range sessions {
				name := ""
				if sess.DisplayName != nil {
					name = *sess.DisplayName
				}
				workflow := ""
				if sess.WorkflowName != nil {
					workflow = *sess.WorkflowName
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					sess.ID, sess.Status, workflow, name,
					sess.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (comma-separated: active,interrupted,completed,failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (0 for all)")
	return cmd
}

func sessionsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's state, checkpoint and recent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := context.Background()
			sess, err := env.sessions.Get(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("ID:        %s\n", sess.ID)
			fmt.Printf("Status:    %s\n", sess.Status)
			if sess.DisplayName != nil {
				fmt.Printf("Name:      %s\n", *sess.DisplayName)
			}
			if sess.WorkflowName != nil {
				fmt.Printf("Workflow:  %s\n", *sess.WorkflowName)
			}
			fmt.Printf("Directory: %s\n", sess.WorkingDirectory)
			fmt.Printf("Created:   %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
			fmt.Printf("Updated:   %s\n", sess.UpdatedAt.Local().Format(time.RFC3339))
			fmt.Printf("Prompt:    %s\n", sess.InitialPrompt)

			state, err := env.sessions.LoadWorkflowState(ctx, sess.ID)
			if err != nil {
				return err
			}
			if state != nil {
				fmt.Printf("Checkpoint: step %d\n", state.CurrentStep)
			} else {
				fmt.Println("Checkpoint: none")
			}

			msgs, err := env.st.ListMessages(ctx, sess.ID, 10)
			if err != nil {
				return err
			}
			if len(msgs) > 0 {
				fmt.Println("\nRecent messages:")
				for _, msg := range msgs {
					content := msg.Content
					if len(content) > 100 {
						content = content[:100] + "..."
					}
					fmt.Printf("  [%s] %s\n", msg.Role, strings.ReplaceAll(content, "\n", " "))
				}
			}
			return nil
		},
	}
}

func sessionsDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and all its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.sessions.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}
}

func sessionsCleanupCmd(configPath *string) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Force-fail interrupted sessions with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			olderThan := env.cfg.Session.StaleAfter()
			if hours > 0 {
				olderThan = time.Duration(hours) * time.Hour
			}

			rec := recovery.NewManager(env.sessions, env.logger)
			failed, err := rec.CleanupStale(context.Background(), olderThan)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Println("No stale sessions.")
				return nil
			}
			fmt.Printf("Failed %d stale session(s):\n", len(failed))
			for _, id := range failed {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 0, "Staleness threshold in hours (default: session.stale_hours)")
	return cmd
}
