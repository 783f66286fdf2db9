package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/internal/config"
	"github.com/martinemde/fixflow/internal/logging"
	"github.com/martinemde/fixflow/pipeline"
	"github.com/martinemde/fixflow/sandbox"
	"github.com/martinemde/fixflow/toolserver"
)

func (a *app) mcpCmd() *cobra.Command {
	var codebase, output, pathMap string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the sandbox tools over MCP on stdin/stdout",
		Long: `Serve read_file, write_file, list_directory and parse_error_trace to an MCP
client over stdio. Calls are confined exactly as in a pipeline run and are
logged to mcp_history.json in the output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return usageError(err)
			}
			if cmd.Flags().Changed("path-map") {
				cfg.PathMapFile = pathMap
			}
			mappings, err := cfg.Mappings()
			if err != nil {
				return usageError(err)
			}
			// stdout carries the protocol; logs go to stderr only.
			logger := logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)

			env, err := sandbox.NewEnvironment(sandbox.Config{
				CodebaseRoot:  codebase,
				OutputDir:     output,
				Mappings:      mappings,
				MaxFileSize:   cfg.MaxFileSize,
				ReservedNames: pipeline.ArtifactFiles,
			})
			if err != nil {
				return usageError(err)
			}
			log, err := eventlog.New(filepath.Join(output, pipeline.MCPLogFile), eventlog.WithSlog(logger))
			if err != nil {
				return usageError(err)
			}
			defer func() {
				if err := log.Close(); err != nil {
					logger.Warn("close message log", "error", err)
				}
			}()

			tools := sandbox.NewToolset(env, log, sandbox.WithLogger(logger))
			srv := toolserver.New(tools, version, toolserver.WithLogger(logger))
			logger.Info("serving MCP over stdio", "codebase", codebase, "output", output, "session", log.SessionID())
			if err := srv.ServeStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && cmd.Context().Err() == nil {
				return &exitError{code: exitFailed, err: fmt.Errorf("mcp: %w", err)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&codebase, "codebase", "", "Root of the codebase")
	cmd.Flags().StringVar(&output, "output", "", "Directory for written files")
	cmd.Flags().StringVar(&pathMap, "path-map", "", "YAML file of extra trace path mappings")
	_ = cmd.MarkFlagRequired("codebase")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
