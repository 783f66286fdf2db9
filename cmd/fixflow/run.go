package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/fixflow/agentloop"
	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/internal/config"
	"github.com/martinemde/fixflow/internal/logging"
	"github.com/martinemde/fixflow/internal/telemetry"
	"github.com/martinemde/fixflow/pipeline"
	"github.com/martinemde/fixflow/unifiedllm"
)

type runFlags struct {
	trace        string
	codebase     string
	output       string
	provider     string
	pathMap      string
	stageTimeout time.Duration
	eventDB      string
	startAt      string
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the RCA, fix plan and patch stages",
		Long: `Run analyses the error trace, plans a fix and writes a patched copy of the
affected file to the output directory. shared_memory.json and
message_history.json are written there as well. The run summary is printed
as JSON.

Exit status is 0 when the run completes, 1 when a stage fails and 2 for
usage or configuration errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.trace, "trace", "", "Path to the JSON error trace")
	cmd.Flags().StringVar(&f.codebase, "codebase", "", "Root of the codebase the trace refers to")
	cmd.Flags().StringVar(&f.output, "output", "", "Directory for the patched file and run artifacts")
	cmd.Flags().StringVar(&f.provider, "provider", "", "LLM provider: groq, google or auto (overrides LLM_PROVIDER)")
	cmd.Flags().StringVar(&f.pathMap, "path-map", "", "YAML file of extra trace path mappings (overrides FIXFLOW_PATH_MAP)")
	cmd.Flags().DurationVar(&f.stageTimeout, "stage-timeout", 0, "Per-stage timeout (overrides FIXFLOW_STAGE_TIMEOUT)")
	cmd.Flags().StringVar(&f.eventDB, "event-db", "", "SQLite file mirroring the event log (overrides FIXFLOW_EVENT_DB)")
	cmd.Flags().StringVar(&f.startAt, "start-at", string(pipeline.StageRCA), "Stage to start at: rca, fix_plan or patch; earlier results are read from shared_memory.json")
	for _, name := range []string{"trace", "codebase", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) run(cmd *cobra.Command, f runFlags) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return usageError(err)
	}
	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider = f.provider
	}
	if flags.Changed("path-map") {
		cfg.PathMapFile = f.pathMap
	}
	if flags.Changed("stage-timeout") {
		cfg.StageTimeout = f.stageTimeout
	}
	if flags.Changed("event-db") {
		cfg.EventDB = f.eventDB
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}
	startAt, ok := pipeline.ParseStage(f.startAt)
	if !ok {
		return usageError(fmt.Errorf("--start-at: unknown stage %q", f.startAt))
	}

	logger := logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return usageError(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	mappings, err := cfg.Mappings()
	if err != nil {
		return usageError(err)
	}

	pc, err := cfg.ProviderConfig()
	if err != nil {
		return usageError(err)
	}
	pc.Logger = logger
	pc.Factory = a.factory
	client, err := unifiedllm.NewClientForSelector(pc)
	if err != nil {
		return usageError(err)
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithStartAt(startAt)}
	if cfg.EventDB != "" {
		sink, err := eventlog.NewSQLiteSink(cfg.EventDB)
		if err != nil {
			return usageError(err)
		}
		defer closeSink(sink, logger)
		opts = append(opts, pipeline.WithEventSinks(sink))
	}

	loopCfg := agentloop.DefaultConfig()
	loopCfg.MaxToolRounds = cfg.MaxToolRounds
	executor := agentloop.New(client, agentloop.WithConfig(loopCfg), agentloop.WithLogger(logger))

	orch, err := pipeline.New(pipeline.Config{
		TracePath:    f.trace,
		CodebaseRoot: f.codebase,
		OutputDir:    f.output,
		Mappings:     mappings,
		StageTimeout: cfg.StageTimeout,
		MaxFileSize:  cfg.MaxFileSize,
	}, executor, opts...)
	if err != nil {
		return usageError(err)
	}

	summary, runErr := orch.Run(ctx)
	if summary != nil {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return errors.Join(runErr, err)
		}
		fmt.Fprintln(a.stdout, string(out))
	}
	if runErr != nil {
		return &exitError{code: summary.ExitCode(), err: runErr}
	}
	return nil
}

func closeSink(sink *eventlog.SQLiteSink, logger *slog.Logger) {
	if err := sink.Close(); err != nil {
		logger.Warn("close event db", "error", err)
	}
}
