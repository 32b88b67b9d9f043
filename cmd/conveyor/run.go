package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/agent"
	"github.com/conveyordev/conveyor/internal/circuitbreaker"
	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/dispatch"
	"github.com/conveyordev/conveyor/internal/engine"
	"github.com/conveyordev/conveyor/internal/events"
	"github.com/conveyordev/conveyor/internal/janitor"
	"github.com/conveyordev/conveyor/internal/recovery"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

func runCmd() *cobra.Command {
	var (
		configPath  string
		workDir     string
		dryRun      bool
		resumeID    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the configured workflow over a prompt",
		Long:  "Executes the workflow step by step, invoking the configured agent CLI for each role. Ctrl-C checkpoints the session and exits; resume it later with --resume.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resumeID == "" && len(args) == 0 {
				return fmt.Errorf("a prompt is required unless --resume is given")
			}
			if resumeID != "" && len(args) > 0 {
				return fmt.Errorf("cannot combine a prompt with --resume")
			}
			if resumeID != "" && dryRun {
				return fmt.Errorf("cannot combine --dry-run with --resume")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := buildLogger(cfg.Orchestrator.LogLevel, cfg.Orchestrator.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cwd := workDir
			if cwd == "" {
				if cwd, err = os.Getwd(); err != nil {
					return fmt.Errorf("failed to resolve working directory: %w", err)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					logger.Warn("Interrupt received; checkpointing and stopping")
					cancel()
				case <-ctx.Done():
				}
			}()

			if metricsAddr == "" {
				metricsAddr = cfg.Orchestrator.MetricsAddr
			}
			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}

			persist := cfg.Session.Enabled && !dryRun
			if resumeID != "" && !cfg.Session.Enabled {
				return fmt.Errorf("cannot resume: session persistence is disabled")
			}

			var sessions *session.Manager
			if persist {
				st, err := store.Open(storeConfig(cfg.Storage), logger)
				if err != nil {
					return fmt.Errorf("failed to open session store: %w", err)
				}
				defer func() { _ = st.Close() }()
				sessions = session.NewManager(st, logger)
			}

			evm := events.NewManager(cfg.Events.ReplaySize, cfg.Events.BufferSize, logger)
			defer evm.Close()
			if cfg.Events.Redis.Addr != "" {
				sink, err := events.NewRedisSink(ctx, cfg.Events.Redis.Addr,
					cfg.Events.Redis.Stream, cfg.Events.Redis.MaxLen, logger)
				if err != nil {
					logger.Warn("Redis event sink unavailable", zap.Error(err))
				} else {
					evm.AddSink(sink)
				}
			}

			var invoker agent.Invoker = agent.NewCLIInvoker(logger)
			if cfg.Breaker.Enabled {
				invoker = circuitbreaker.WrapInvoker(invoker, circuitbreaker.FromConfig(cfg.Breaker), logger)
			}

			dispatcher := dispatch.New(cfg, invoker, sessions, evm, logger)

			// Hot reload needs a concrete file to watch. Edits picked up
			// mid-run apply to subsequent dispatches only; the workflow
			// shape stays as loaded.
			if configPath != "" && !dryRun {
				cm, err := config.NewManager(configPath, logger)
				if err != nil {
					logger.Warn("Config hot reload unavailable", zap.Error(err))
				} else {
					cm.RegisterHandler(func(next *config.Config) {
						dispatcher.SetConfig(next)
					})
					if err := cm.Start(ctx); err != nil {
						logger.Warn("Config hot reload unavailable", zap.Error(err))
					} else {
						defer func() { _ = cm.Stop() }()
					}
				}
			}

			eng := engine.New(cfg, dispatcher, sessions, evm, nil, logger)

			req := engine.RunRequest{
				WorkingDirectory: cwd,
				DryRun:           dryRun,
			}

			var jan *janitor.Janitor
			if sessions != nil {
				rec := recovery.NewManager(sessions, logger)
				jan = janitor.New(sessions, rec, cfg.Session, logger)
				if err := jan.Start(); err != nil {
					logger.Warn("Janitor failed to start", zap.Error(err))
				}
				defer jan.Stop()

				if resumeID != "" {
					params, sc, err := rec.PrepareResume(ctx, resumeID)
					if err != nil {
						return fmt.Errorf("failed to resume session %s: %w", resumeID, err)
					}
					req.InitialPrompt = params.InitialPrompt
					req.Session = sc
					req.ResumeFromStep = params.ResumeFromStep
					req.PlanJSON = params.Plan
					req.OutputsJSON = params.Outputs
					if workDir == "" && params.WorkingDirectory != "" {
						req.WorkingDirectory = params.WorkingDirectory
					}
					jan.Track(sc)
				} else {
					snapshot, err := cfg.Snapshot()
					if err != nil {
						return fmt.Errorf("failed to snapshot config: %w", err)
					}
					sc, err := sessions.Create(ctx, session.CreateParams{
						InitialPrompt:    args[0],
						WorkingDirectory: cwd,
						WorkflowName:     cfg.Workflow.Name,
						ConfigSnapshot:   store.JSONB(snapshot),
					})
					if err != nil {
						return fmt.Errorf("failed to create session: %w", err)
					}
					req.InitialPrompt = args[0]
					req.Session = sc
					jan.Track(sc)
				}
			} else {
				req.InitialPrompt = args[0]
			}

			// Live progress on stdout; detailed per-dispatch activity
			// stays in the log.
			stopProgress := func() {}
			if req.Session != nil {
				ch := evm.Subscribe(req.Session.ID, 64)
				done := make(chan struct{})
				go func() {
					defer close(done)
					for evt := range ch {
						printProgress(evt)
					}
				}()
				sid := req.Session.ID
				stopProgress = func() {
					evm.Unsubscribe(sid, ch)
					<-done
				}
			}

			res, err := eng.Run(ctx, req)
			stopProgress()
			if err != nil {
				return err
			}

			printResult(res)
			if !res.Success {
				// Interrupted sessions stay resumable; hard failures are terminal.
				if ctx.Err() != nil && res.SessionID != "" {
					fmt.Printf("\nResume with: conveyor run --resume %s\n", res.SessionID)
				}
				return fmt.Errorf("%s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default: conveyor.yaml in ., ./config, ~/.conveyor)")
	cmd.Flags().StringVarP(&workDir, "cwd", "C", "", "Working directory for agent processes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Walk the workflow without invoking agents or persisting anything")
	cmd.Flags().StringVar(&resumeID, "resume", "", "Resume an interrupted session from its last checkpoint")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	return cmd
}

// printProgress renders one line per step-level event as the workflow
// advances.
func printProgress(evt events.Event) {
	switch evt.Type {
	case events.StepStarted:
		fmt.Printf("  [%d] %s started\n", evt.Step+1, evt.Role)
	case events.StepCompleted:
		fmt.Printf("  [%d] %s completed\n", evt.Step+1, evt.Role)
	case events.StepFailed:
		fmt.Printf("  [%d] %s failed: %s\n", evt.Step+1, evt.Role, evt.Message)
	case events.WaitingRetry:
		fmt.Printf("  [%d] %s retrying (%s)\n", evt.Step+1, evt.Role, evt.Message)
	case events.StepJump:
		fmt.Printf("  [%d] %s: %s\n", evt.Step+1, evt.Role, evt.Message)
	case events.PlanUpdated:
		fmt.Printf("      plan: %s\n", evt.Message)
	}
}

func printResult(res *engine.RunResult) {
	status := "completed"
	if !res.Success {
		status = "failed"
	}
	fmt.Printf("\nWorkflow %s: %d/%d steps in %s\n",
		status, res.StepsCompleted, res.TotalSteps, res.Duration.Round(time.Millisecond))

	for _, sr := range res.StepResults {
		mark := "ok"
		switch {
		case sr.Skipped:
			mark = "skip"
		case !sr.Success:
			mark = "FAIL"
		}
		if sr.Skipped {
			fmt.Printf("  [%-4s] %d. %s: %s\n", mark, sr.StepIndex+1, sr.Role, sr.Output)
			continue
		}
		fmt.Printf("  [%-4s] %d. %s (%s)\n", mark, sr.StepIndex+1, sr.Role, sr.Duration.Round(time.Millisecond))
		if sr.Error != "" {
			fmt.Printf("         %s\n", sr.Error)
		}
	}

	if res.FinalOutput != "" {
		fmt.Printf("\n%s\n", res.FinalOutput)
	}
}

// storeConfig maps the storage config section onto store options.
func storeConfig(sc config.StorageConfig) *store.Config {
	return &store.Config{
		Driver:    sc.Driver,
		Path:      sc.Path,
		DSN:       sc.DSN,
		QueueSize: sc.QueueSize,
		Workers:   sc.Workers,
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger.Info("Metrics server listening", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
