package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/perf-pipeline/artifact"
	"github.com/songzhibin97/perf-pipeline/events"
	"github.com/songzhibin97/perf-pipeline/middleware"
	"github.com/songzhibin97/perf-pipeline/rules"
	"github.com/songzhibin97/perf-pipeline/runner"
	"github.com/songzhibin97/perf-pipeline/storage"
	"github.com/songzhibin97/perf-pipeline/taskspec"
	"github.com/songzhibin97/perf-pipeline/types"
)

// saveTimeout bounds a single state write to the store.
const saveTimeout = 5 * time.Second

// TaskWriter rewrites the task description consumed by the capture stage.
type TaskWriter interface {
	Write(story string) (string, error)
}

// ProcessRunner runs a stage executable to completion.
type ProcessRunner interface {
	Run(ctx context.Context, cmd runner.Command, timeout time.Duration) types.StageResult
}

// ArtifactScanner finds the files stages leave behind.
type ArtifactScanner interface {
	Prepare(dir string) error
	Scan(dir string, expected []string) artifact.Scan
	Collect(dir, ext string) []string
}

// ScriptValidator validates every generated script and tallies the outcome.
type ScriptValidator interface {
	Validate(ctx context.Context, paths []string) (types.ValidationSummary, error)
}

// Dependencies are the collaborators injected into the engine.
type Dependencies struct {
	Generator generator.Generator
	Storage   storage.Storage
	Tasks     TaskWriter
	Runner    ProcessRunner
	Scanner   ArtifactScanner
	Validator ScriptValidator
	Gate      *rules.Gate
}

// StageCommand is an external stage executable and its time limit.
type StageCommand struct {
	Command runner.Command
	Timeout time.Duration
}

// Pipeline describes where the external stages live and where they write.
type Pipeline struct {
	Capture StageCommand
	Steps   StageCommand
	Scripts StageCommand

	StepsDir      string
	StepsExpected []string
	ScriptsDir    string
	ScriptExt     string
	DefaultURL    string

	// WorkDir resolves relative command paths and required files during the startup check.
	WorkDir string
	// EnforceGate fails the validation stage when the quality gate is not met.
	EnforceGate bool
}

// DefaultPipeline returns the stock layout: three Python stage scripts run
// from the working directory.
func DefaultPipeline() Pipeline {
	python := func(script string) runner.Command {
		return runner.Command{Path: "python3", Args: []string{script}, Requires: []string{script}}
	}
	return Pipeline{
		Capture:  StageCommand{Command: python("log.py"), Timeout: 300 * time.Second},
		Steps:    StageCommand{Command: python("TestSteps.py"), Timeout: 120 * time.Second},
		Scripts:  StageCommand{Command: python("PTScript.py"), Timeout: 180 * time.Second},
		StepsDir: "TestSteps_Output",
		StepsExpected: []string{
			"TestSteps_Output/test_steps_structured.json",
			"TestSteps_Output/test_steps_simple.json",
			"TestSteps_Output/TestSteps.txt",
			"TestSteps_Output/correlation_rules.json",
		},
		ScriptsDir: "JMX_SCRIPT_OUTPUT",
		ScriptExt:  ".jmx",
		DefaultURL: taskspec.DefaultURL,
		WorkDir:    ".",
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMiddleware wraps every stage execution. The first middleware is the
// outermost; panics are always recovered inside the chain.
func WithMiddleware(mws ...Middleware) Option {
	return func(e *Engine) {
		e.middleware = append(e.middleware, mws...)
	}
}

// WithRetention evicts terminal workflows older than ttl, checking every interval.
func WithRetention(ttl, interval time.Duration) Option {
	return func(e *Engine) {
		e.retention = ttl
		e.sweepInterval = interval
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEventBus publishes progress on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// Middleware is re-exported for option callers.
type Middleware = middleware.Middleware

// Engine runs pipeline workflows, one goroutine each, and answers status
// queries from the store.
type Engine struct {
	generate generator.Generator
	storage  storage.Storage
	stages   []Stage
	caps     Capabilities
	eventBus *events.EventBus
	logger   *slog.Logger
	now      func() time.Time
	chain    middleware.Middleware

	middleware    []middleware.Middleware
	retention     time.Duration
	sweepInterval time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
	stopped bool

	ctx      context.Context
	cancel   context.CancelCauseFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates an Engine and checks its collaborators once.
// Unavailable collaborators do not fail construction; Submit refuses work
// until they are fixed.
func NewEngine(deps Dependencies, p Pipeline, options ...Option) (*Engine, error) {
	if deps.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if deps.Scanner == nil {
		return nil, errors.New("scanner is required")
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMemoryStorage()
	}
	if p.DefaultURL == "" {
		p.DefaultURL = taskspec.DefaultURL
	}

	e := &Engine{
		generate: deps.Generator,
		storage:  deps.Storage,
		logger:   slog.Default(),
		now:      time.Now,
		handles:  make(map[string]*Handle),
	}
	for _, option := range options {
		option(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	e.chain = middleware.Chain(append(append([]middleware.Middleware(nil), e.middleware...), middleware.Recover(e.logger))...)
	e.stages = []Stage{
		analysisStage{defaultURL: p.DefaultURL},
		captureStage{tasks: deps.Tasks, runner: deps.Runner, cmd: p.Capture},
		testStepsStage{scanner: deps.Scanner, runner: deps.Runner, cmd: p.Steps, dir: p.StepsDir, expected: p.StepsExpected},
		scriptsStage{scanner: deps.Scanner, runner: deps.Runner, cmd: p.Scripts, dir: p.ScriptsDir, ext: p.ScriptExt},
		validationStage{validator: deps.Validator, gate: deps.Gate, enforce: p.EnforceGate, ext: p.ScriptExt},
	}
	e.caps = inspect(deps, p)
	for _, c := range e.caps {
		if !c.Available {
			e.logger.Warn("pipeline module unavailable", slog.String("module", c.Name), slog.String("reason", c.Reason))
		}
	}

	e.ctx, e.cancel = context.WithCancelCause(context.Background())
	if e.retention > 0 && e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.janitor()
	}
	return e, nil
}

// Capabilities returns the result of the startup check.
func (e *Engine) Capabilities() Capabilities {
	return append(Capabilities(nil), e.caps...)
}

// StepNames returns the step labels in pipeline order.
func (e *Engine) StepNames() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) events.Subscription {
	return e.eventBus.Subscribe(handler, events.Types(eventType))
}

// Watch subscribes handler to every event of one workflow.
func (e *Engine) Watch(id string, handler events.EventHandler) events.Subscription {
	return e.eventBus.Subscribe(handler, events.Workflow(id))
}

// Submit validates story, stores a new workflow and starts it in the
// background. It returns as soon as the workflow is stored.
func (e *Engine) Submit(ctx context.Context, story string) (*Handle, error) {
	story = strings.TrimSpace(story)
	if story == "" {
		return nil, ErrEmptyStory
	}
	if !taskspec.HasURL(story) {
		return nil, ErrNoURL
	}
	if err := e.caps.Err(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return nil, ErrEngineStopped
	}

	n, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate workflow id: %w", err)
	}
	wf := types.NewWorkflow(strconv.FormatUint(n, 10), story, e.StepNames(), e.now())
	if err := e.storage.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	h := newHandle(wf.ID)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	e.handles[wf.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("workflow submitted", slog.String("workflow_id", wf.ID))
	e.publish(events.WorkflowSubmitted, wf, 0, map[string]interface{}{"story": story})
	go e.run(wf, h)
	return h, nil
}

// Status returns the polling view of a workflow.
func (e *Engine) Status(ctx context.Context, id string) (types.Progress, error) {
	wf, err := e.get(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}
	return wf.Progress(), nil
}

// Results returns the terminal payloads of a workflow.
func (e *Engine) Results(ctx context.Context, id string) (types.Outcome, error) {
	wf, err := e.get(ctx, id)
	if err != nil {
		return types.Outcome{}, err
	}
	return wf.Outcome(), nil
}

// Active returns the ids of workflows that have not finished yet.
func (e *Engine) Active() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.handles))
	for id := range e.handles {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Remove deletes a finished workflow from the store.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.RLock()
	_, active := e.handles[id]
	e.mu.RUnlock()
	if active {
		return fmt.Errorf("%w: %s", ErrWorkflowActive, id)
	}
	if err := e.storage.DeleteWorkflow(ctx, id); err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return err
	}
	return nil
}

// Sweep removes terminal workflows older than the retention period.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e.retention <= 0 {
		return 0, nil
	}
	return e.storage.ClearTerminal(ctx, e.now().Add(-e.retention))
}

// Stop cancels running workflows, waits for them to record their final
// state and shuts the event bus down.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		e.cancel(ErrEngineStopped)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.eventBus.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) get(ctx context.Context, id string) (types.Workflow, error) {
	wf, err := e.storage.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			return types.Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return types.Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// run drives one workflow through every stage.
func (e *Engine) run(wf types.Workflow, h *Handle) {
	defer e.wg.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow error: %v", r)
			e.logger.Error("workflow panicked",
				slog.String("workflow_id", wf.ID),
				slog.Any("panic", r),
			)
			e.fail(&wf, wf.CurrentStep, err)
		}
		e.mu.Lock()
		delete(e.handles, wf.ID)
		e.mu.Unlock()
		h.finish(err)
	}()

	err = e.execute(e.ctx, &wf)
}

func (e *Engine) execute(ctx context.Context, wf *types.Workflow) error {
	e.setStatus(wf, types.WorkflowRunning)
	e.save(wf)

	for i, stage := range e.stages {
		if cause := context.Cause(ctx); cause != nil {
			err := fmt.Errorf("%s failed: workflow canceled: %w", stage.Name(), cause)
			e.fail(wf, i, err)
			return err
		}

		e.transition(wf, i, types.StepRunning, stage.Pending())

		run := newRun(*wf)
		var msg string
		info := middleware.Stage{WorkflowID: wf.ID, Index: i, Name: stage.Name()}
		err := e.chain(ctx, info, func(ctx context.Context) error {
			var err error
			msg, err = stage.Execute(ctx, run)
			return err
		})
		if err != nil {
			err = fmt.Errorf("%s failed: %w", stage.Name(), err)
			e.fail(wf, i, err)
			return err
		}

		for k, v := range run.staged {
			wf.Results[k] = v
		}
		if wf.TargetURL == "" {
			wf.TargetURL = run.TargetURL
		}
		e.transition(wf, i, types.StepCompleted, msg)
	}

	e.setStatus(wf, types.WorkflowCompleted)
	wf.FinishedAt = wf.UpdatedAt
	e.save(wf)
	e.publish(events.WorkflowCompleted, *wf, wf.CurrentStep, nil)
	e.logger.Info("workflow completed", slog.String("workflow_id", wf.ID))
	return nil
}

// fail attributes err to step idx, or to the first unfinished step if idx
// is already terminal, and marks the workflow failed.
func (e *Engine) fail(wf *types.Workflow, idx int, err error) {
	if wf.Status.Terminal() {
		return
	}
	if idx < 0 || idx >= len(wf.Steps) || wf.Steps[idx].Status.Terminal() {
		idx = -1
		for i, s := range wf.Steps {
			if !s.Status.Terminal() {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		if wf.Steps[idx].Status == types.StepPending {
			e.transition(wf, idx, types.StepRunning, e.stages[idx].Pending())
		}
		e.transition(wf, idx, types.StepFailed, err.Error())
	}

	e.setStatus(wf, types.WorkflowFailed)
	wf.FinishedAt = wf.UpdatedAt
	e.save(wf)
	e.publish(events.WorkflowFailed, *wf, wf.CurrentStep, map[string]interface{}{"error": err.Error()})
	e.logger.Error("workflow failed",
		slog.String("workflow_id", wf.ID),
		slog.Int("step", wf.CurrentStep),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) transition(wf *types.Workflow, idx int, status types.StepStatus, msg string) {
	step := &wf.Steps[idx]
	if !step.Status.CanAdvanceTo(status) {
		e.logger.Error("invalid step transition",
			slog.String("workflow_id", wf.ID),
			slog.Int("step", idx),
			slog.String("from", string(step.Status)),
			slog.String("to", string(status)),
		)
		return
	}
	step.Status = status
	step.Message = msg
	wf.CurrentStep = idx
	wf.UpdatedAt = e.now()
	e.save(wf)
	e.publish(events.StepChanged, *wf, idx, map[string]interface{}{
		"name":        step.Name,
		"step_status": string(status),
		"message":     msg,
	})
}

func (e *Engine) setStatus(wf *types.Workflow, status types.WorkflowStatus) {
	if !wf.Status.CanAdvanceTo(status) {
		return
	}
	wf.Status = status
	wf.UpdatedAt = e.now()
}

// save stores a snapshot of wf. Failures are logged; the run continues.
func (e *Engine) save(wf *types.Workflow) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), saveTimeout)
	defer cancel()
	if err := e.storage.SaveWorkflow(ctx, *wf); err != nil {
		e.logger.Error("failed to save workflow state",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publish notifies subscribers; events nobody listens to are dropped.
func (e *Engine) publish(eventType string, wf types.Workflow, step int, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["workflow_status"] = string(wf.Status)
	ev := events.NewEvent(eventType, wf.ID, step, data)
	if !e.eventBus.Wants(ev) {
		return
	}
	if err := e.eventBus.Publish(context.Background(), ev); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("event_type", eventType),
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) janitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			n, err := e.Sweep(e.ctx)
			if err != nil {
				e.logger.Warn("workflow sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.logger.Info("evicted finished workflows", slog.Int("count", n))
			}
		}
	}
}
