// Command fixflow runs the root-cause, fix-plan and patch agents over an
// error trace and a codebase.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/martinemde/fixflow/unifiedllm"
)

// version is set at build time via ldflags.
var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

type app struct {
	stdout io.Writer
	stderr io.Writer

	// factory replaces the gollm adapters; nil in production.
	factory unifiedllm.AdapterFactory
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := (&app{stdout: os.Stdout, stderr: os.Stderr}).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (a *app) execute(ctx context.Context, args []string) int {
	// A missing .env is fine.
	_ = godotenv.Load()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(a.stderr, "fixflow:", ee.err)
		}
		return ee.code
	}
	// Anything cobra rejects before RunE is a usage problem.
	fmt.Fprintln(a.stderr, "fixflow:", err)
	return exitUsage
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fixflow",
		Short:         "Diagnose a production error and generate a patched file",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(a.runCmd(), a.mcpCmd(), a.replayCmd(), a.parseTraceCmd())
	return root
}
