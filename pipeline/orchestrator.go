package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/martinemde/fixflow/errortrace"
	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/internal/telemetry"
	"github.com/martinemde/fixflow/memory"
	"github.com/martinemde/fixflow/sandbox"
)

const (
	SharedMemoryFile = "shared_memory.json"
	MessageLogFile   = "message_history.json"
	MCPLogFile       = "mcp_history.json"

	DefaultStageTimeout = 5 * time.Minute
)

const instrumentationName = "github.com/martinemde/fixflow/pipeline"

// ArtifactFiles are the output directory files the pipeline and the tool
// server own. Tools may never write them.
var ArtifactFiles = []string{SharedMemoryFile, MessageLogFile, MCPLogFile}

// Config describes one run.
type Config struct {
	TracePath    string
	CodebaseRoot string
	OutputDir    string
	Mappings     []sandbox.PrefixMapping
	StageTimeout time.Duration
	MaxFileSize  int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithEventSinks mirrors message log events to extra sinks.
func WithEventSinks(sinks ...eventlog.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithStartAt begins the run at stage instead of rca. Sections written by
// an earlier run are loaded from the existing shared memory file.
func WithStartAt(stage Stage) Option {
	return func(o *Orchestrator) { o.startAt = stage }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the stages in order for a single trace.
type Orchestrator struct {
	cfg     Config
	exec    Executor
	logger  *slog.Logger
	sinks   []eventlog.Sink
	startAt Stage
	now     func() time.Time
}

// New validates the static parts of cfg. Filesystem checks happen in Run.
func New(cfg Config, exec Executor, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	if cfg.TracePath == "" || cfg.CodebaseRoot == "" || cfg.OutputDir == "" {
		return nil, errors.New("pipeline: trace path, codebase root and output dir are required")
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	o := &Orchestrator{
		cfg:     cfg,
		exec:    exec,
		logger:  slog.Default(),
		startAt: StageRCA,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, ok := ParseStage(string(o.startAt)); !ok {
		return nil, fmt.Errorf("pipeline: cannot start at stage %q", o.startAt)
	}
	return o, nil
}

// run holds the per-run collaborators created during init.
type run struct {
	trace   *errortrace.Trace
	store   *memory.Store
	log     *eventlog.Logger
	tools   *sandbox.Toolset
	summary *Summary
}

// Run executes the pipeline. The returned summary is non-nil whenever the
// output directory could be prepared; err is non-nil iff the run failed.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	ctx, span := telemetry.Tracer(instrumentationName).Start(ctx, "pipeline.run")
	defer span.End()

	r, err := o.init()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("pipeline init failed", "error", err)
		summary := &Summary{State: StageFailed, FailedStage: StageInit, Error: err.Error()}
		if r != nil {
			summary = r.summary
			summary.State, summary.FailedStage, summary.Error = StageFailed, StageInit, err.Error()
			o.record(r, AgentSystem, eventlog.Error, map[string]any{"stage": string(StageInit), "error_kind": Kind(err), "message": err.Error()})
			o.finish(r)
		}
		return summary, fmt.Errorf("init: %w", err)
	}
	span.SetAttributes(attribute.String("fixflow.session_id", r.summary.SessionID))

	o.record(r, AgentSystem, eventlog.System, map[string]any{
		"message":       "pipeline started",
		"trace_path":    o.cfg.TracePath,
		"codebase_root": o.cfg.CodebaseRoot,
		"output_dir":    o.cfg.OutputDir,
		"start_at":      string(o.startAt),
		"error_type":    r.trace.ErrorType,
	})
	o.logger.Info("pipeline started", "session", r.summary.SessionID, "trace", o.cfg.TracePath, "start_at", o.startAt)

	started := false
	for _, stage := range Stages {
		if stage == o.startAt {
			started = true
		}
		if !started {
			r.summary.Stages = append(r.summary.Stages, StageReport{Stage: stage, Agent: stage.Agent(), Status: StatusSkipped})
			continue
		}
		if err := o.runStage(ctx, r, stage); err != nil {
			span.SetStatus(codes.Error, err.Error())
			r.summary.State = StageFailed
			r.summary.FailedStage = stage
			r.summary.Error = err.Error()
			o.record(r, AgentSystem, eventlog.System, map[string]any{"message": "pipeline failed", "failed_stage": string(stage)})
			o.finish(r)
			o.logger.Error("pipeline failed", "session", r.summary.SessionID, "stage", stage, "error", err)
			return r.summary, fmt.Errorf("%s: %w", stage, err)
		}
	}

	r.summary.State = StageDone
	o.record(r, AgentSystem, eventlog.System, map[string]any{"message": "pipeline completed", "patched_file": r.summary.PatchedFile})
	o.finish(r)
	o.logger.Info("pipeline completed", "session", r.summary.SessionID, "patched_file", r.summary.PatchedFile)
	return r.summary, nil
}

func (o *Orchestrator) init() (*run, error) {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	memPath := filepath.Join(o.cfg.OutputDir, SharedMemoryFile)
	logPath := filepath.Join(o.cfg.OutputDir, MessageLogFile)

	log, err := eventlog.New(logPath, eventlog.WithSinks(o.sinks...), eventlog.WithSlog(o.logger))
	if err != nil {
		return nil, err
	}
	r := &run{
		log: log,
		summary: &Summary{
			SessionID:        log.SessionID(),
			State:            StageInit,
			SharedMemoryPath: memPath,
			MessageLogPath:   logPath,
		},
	}

	r.trace, err = errortrace.ParseFile(o.cfg.TracePath)
	if err != nil {
		return r, err
	}

	traceAbs, err := filepath.Abs(o.cfg.TracePath)
	if err != nil {
		return r, err
	}
	env, err := sandbox.NewEnvironment(sandbox.Config{
		CodebaseRoot:   o.cfg.CodebaseRoot,
		OutputDir:      o.cfg.OutputDir,
		Mappings:       o.cfg.Mappings,
		ExtraReadRoots: []string{traceAbs},
		MaxFileSize:    o.cfg.MaxFileSize,
		ReservedNames:  ArtifactFiles,
	})
	if err != nil {
		return r, err
	}
	r.tools = sandbox.NewToolset(env, log, sandbox.WithLogger(o.logger))

	var carried []carriedSection
	resumed := false
	if o.startAt != StageRCA {
		if _, statErr := os.Stat(memPath); statErr == nil {
			resumed = true
			prior, err := memory.Load(memPath)
			if err != nil {
				return r, err
			}
			if carried, err = carryPrerequisites(prior, o.startAt); err != nil {
				return r, err
			}
		}
	}
	r.store, err = memory.Open(memPath)
	if err != nil || !resumed {
		return r, err
	}
	names := make([]string, 0, len(carried))
	for _, c := range carried {
		if err := r.store.Set(c.section, c.record); err != nil {
			return r, err
		}
		names = append(names, string(c.section))
	}
	o.record(r, AgentSystem, eventlog.System, map[string]any{
		"message":         "resuming from existing shared memory",
		"start_at":        string(o.startAt),
		"carried_forward": names,
	})
	return r, nil
}

type carriedSection struct {
	section memory.Section
	record  any
}

// carryPrerequisites picks the sections of the stages before start out of a
// previous run's document. Sections of start and later stages are dropped
// so that the resumed stages can write them again. Every carried section
// must still validate.
func carryPrerequisites(prior *memory.Store, start Stage) ([]carriedSection, error) {
	var carried []carriedSection
	for _, stage := range Stages {
		if stage == start {
			break
		}
		sec := stage.Section()
		var fields map[string]any
		ok, err := prior.Decode(sec, &fields)
		if err != nil {
			return nil, fmt.Errorf("%w: resumed section %s: %v", ErrInvalidOutput, sec, err)
		}
		if !ok {
			continue
		}
		switch v := memory.Validate(sec, fields).(type) {
		case memory.Invalid:
			return nil, fmt.Errorf("%w: resumed section %s: %s", ErrInvalidOutput, sec, v.Error())
		case memory.Valid:
			carried = append(carried, carriedSection{section: sec, record: v.Record})
		}
	}
	return carried, nil
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, stage Stage) (err error) {
	agent := stage.Agent()
	ctx, span := telemetry.Tracer(instrumentationName).Start(ctx, "stage."+string(stage))
	defer span.End()
	span.SetAttributes(attribute.String("fixflow.stage", string(stage)), attribute.String("fixflow.agent", agent))

	report := StageReport{Stage: stage, Agent: agent, StartedAt: o.now().UTC()}
	r.summary.State = stage
	defer func() {
		report.Duration = o.now().Sub(report.StartedAt)
		report.Status = StatusCompleted
		if err != nil {
			report.Status = StatusFailed
			report.Error = err.Error()
			span.SetStatus(codes.Error, err.Error())
			o.record(r, agent, eventlog.Error, map[string]any{
				"stage":      string(stage),
				"error_kind": Kind(err),
				"message":    err.Error(),
			})
		}
		r.summary.Stages = append(r.summary.Stages, report)
	}()

	o.record(r, agent, eventlog.AgentStart, map[string]any{
		"stage":      string(stage),
		"trace_path": o.cfg.TracePath,
		"tools":      stage.Tools(),
	})
	o.logger.Info("stage started", "stage", stage, "agent", agent)

	task, err := o.buildTask(r, stage)
	if err != nil {
		return err
	}

	tools := r.tools.Grant(stage.Tools()...)
	if stage == StagePatch {
		tools, err = tools.ScopeReads(task.RCA.AffectedFile)
		if err != nil {
			return &AgentExecutionError{Stage: stage, Err: fmt.Errorf("scope reads to %s: %w", task.RCA.AffectedFile, err)}
		}
	}

	writeMark := r.tools.Environment().WriteCount()
	out, err := o.invoke(ctx, stage, task, tools)
	if err != nil {
		return err
	}
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = o.now().UTC().Format(time.RFC3339)
	}

	var record any
	switch v := memory.Validate(stage.Section(), out).(type) {
	case memory.Invalid:
		return &AgentExecutionError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrInvalidOutput, v.Error())}
	case memory.Valid:
		record = v.Record
	}

	if patch, ok := record.(*memory.PatchMetadata); ok {
		if err := o.checkPatch(r, patch, writeMark); err != nil {
			return &AgentExecutionError{Stage: stage, Err: err}
		}
		r.summary.PatchedFile = patch.PatchedFile
	}

	if err := r.store.Set(stage.Section(), record); err != nil {
		return err
	}
	o.record(r, agent, eventlog.MemoryUpdate, map[string]any{
		"section": string(stage.Section()),
		"value":   record,
	})
	o.record(r, agent, eventlog.AgentEnd, map[string]any{
		"stage":       string(stage),
		"success":     true,
		"duration_ms": o.now().Sub(report.StartedAt).Milliseconds(),
	})
	o.logger.Info("stage completed", "stage", stage, "agent", agent)
	return nil
}

// buildTask reads the stage's prerequisites. An absent section fails the
// stage; nothing is defaulted.
func (o *Orchestrator) buildTask(r *run, stage Stage) (Task, error) {
	task := Task{
		Stage:        stage,
		Agent:        stage.Agent(),
		TracePath:    o.cfg.TracePath,
		CodebaseRoot: r.tools.Environment().Resolver().Root(),
		OutputDir:    r.tools.Environment().Resolver().OutputDir(),
		Tools:        stage.Tools(),
	}
	if stage == StageRCA {
		task.Trace = r.trace
	}

	for _, sec := range stage.Prerequisites() {
		var target any
		switch sec {
		case memory.SectionRCA:
			task.RCA = &memory.RCAResult{}
			target = task.RCA
		case memory.SectionFixPlan:
			task.FixPlan = &memory.FixPlan{}
			target = task.FixPlan
		}
		present, err := r.store.Decode(sec, target)
		if err != nil {
			return task, err
		}
		if !present {
			return task, &MissingPrerequisiteError{Stage: stage, Section: sec}
		}
	}

	if stage == StagePatch {
		task.PatchedFileHint = "fixed_" + filepath.Base(task.RCA.AffectedFile)
	}
	return task, nil
}

// invoke runs the executor under the stage deadline. The executor runs in
// its own goroutine so one that ignores ctx still times out.
func (o *Orchestrator) invoke(ctx context.Context, stage Stage, task Task, tools *sandbox.Toolset) (map[string]any, error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := o.exec.Run(sctx, task, tools)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err == nil && res.out == nil:
			return nil, &AgentExecutionError{Stage: stage, Err: fmt.Errorf("%w: no output", ErrInvalidOutput)}
		case res.err == nil:
			return res.out, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(sctx.Err(), context.DeadlineExceeded):
			return nil, &TimeoutError{Stage: stage, After: o.cfg.StageTimeout}
		default:
			return nil, &AgentExecutionError{Stage: stage, Err: res.err}
		}
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Stage: stage, After: o.cfg.StageTimeout}
	}
}

func (o *Orchestrator) checkPatch(r *run, patch *memory.PatchMetadata, writeMark int) error {
	env := r.tools.Environment()
	resolver := env.Resolver()
	if !resolver.InOutputDir(patch.PatchedFile) {
		return fmt.Errorf("%w: %s", ErrPatchOutsideOutput, patch.PatchedFile)
	}
	target, err := resolver.ResolveWrite(patch.PatchedFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchOutsideOutput, err)
	}
	if !env.WrittenSince(writeMark, target) {
		return fmt.Errorf("%w: patched file %s was not written during this stage", sandbox.ErrFileNotFound, patch.PatchedFile)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("%w: patched file %s", sandbox.ErrFileNotFound, patch.PatchedFile)
	}
	patch.PatchedFile = target
	return nil
}

// record logs an event. Log failures are reported but never fail a stage,
// since the document is rewritten on every later event and on Close.
func (o *Orchestrator) record(r *run, agent string, typ eventlog.EventType, data map[string]any) {
	if _, err := r.log.Log(agent, typ, data); err != nil {
		o.logger.Warn("message log write failed", "agent", agent, "type", typ, "error", err)
	}
}

// finish flushes both documents, including partial state after a failure.
func (o *Orchestrator) finish(r *run) {
	if r.store != nil {
		if err := r.store.Flush(); err != nil {
			o.logger.Warn("shared memory flush failed", "error", err)
		}
	}
	if err := r.log.Close(); err != nil {
		o.logger.Warn("message log close failed", "error", err)
	}
}
