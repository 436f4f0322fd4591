// Package orchestrator runs fix agents and tracks their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mysleekdesigns/fixpool/internal/agent"
	"github.com/mysleekdesigns/fixpool/internal/metrics"
	"github.com/mysleekdesigns/fixpool/internal/persona"
	"github.com/mysleekdesigns/fixpool/internal/progress"
	"github.com/mysleekdesigns/fixpool/internal/store"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

var (
	ErrInvalidCategory = errors.New("invalid fix category")
	ErrNoFindings      = errors.New("no findings to fix")
	ErrPoolFull        = errors.New("agent pool is full")
	ErrClosed          = errors.New("orchestrator is shut down")
)

const (
	defaultStartConcurrency = 2
	defaultSpawnTimeout     = 5 * time.Second
	defaultNoOutputTimeout  = 120 * time.Second
	defaultRetainFinished   = 256
	maxOutputCapture        = 4 * 1024 * 1024

	initializingMessage = "Initializing..."
)

// Failure reasons, also used as metric labels.
const (
	reasonSpawnError   = "spawn_error"
	reasonSpawnTimeout = "spawn_timeout"
	reasonNoOutput     = "no_output"
	reasonExitCode     = "exit_code"
	reasonParseFailure = "parse_failure"
	reasonDeclared     = "declared_failure"
	reasonCancelled    = "cancelled"
)

// Config holds orchestrator configuration.
type Config struct {
	Command          agent.CommandConfig
	StartConcurrency int
	MaxRunning       int
	SpawnTimeout     time.Duration
	NoOutputTimeout  time.Duration
	RetainFinished   int
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store    store.Store
	Launcher agent.Launcher
	Emitter  progress.Emitter
	Metrics  *metrics.Metrics
	// Personas prepends per-category guidance to prompts. Optional.
	Personas *persona.Manager
}

// Orchestrator coordinates fix agents. All agent state is owned by a single
// event loop goroutine; process events, timer expirations and API calls are
// serialized through it.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	launcher agent.Launcher
	emitter  progress.Emitter
	metrics  *metrics.Metrics
	personas *persona.Manager
	records  *recordWriter

	events chan loopEvent
	calls  chan func()
	quit   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once

	// Owned by the loop.
	agents   map[string]*fixAgent
	byTask   map[string]map[string]struct{}
	finished *lru.Cache[string, struct{}]
	starting int
	closed   bool

	// Starts in flight per task; completion is held back while any remain.
	startingByTask map[string]int
}

type fixAgent struct {
	id            string
	gen           uint64
	opts          models.FixAgentOptions
	handle        agent.Handle
	parser        *agent.StreamParser
	guard         *guard
	status        models.AgentStatus
	statusMessage string
	output        []byte
	outputBytes   int
	pid           int
	startedAt     time.Time
	completedAt   *time.Time
	exitCode      *int
	result        *models.FixOutput
	failReason    string
}

type loopEvent struct {
	agentID string
	proc    *agent.ProcessEvent
	timer   timerKind
}

// New creates an Orchestrator and starts its event loop.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Launcher == nil {
		return nil, errors.New("orchestrator: launcher is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = defaultStartConcurrency
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	if cfg.NoOutputTimeout <= 0 {
		cfg.NoOutputTimeout = defaultNoOutputTimeout
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = defaultRetainFinished
	}
	if cfg.Command.Command == "" {
		cfg.Command.Command = "claude"
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		launcher: deps.Launcher,
		emitter:  deps.Emitter,
		metrics:  deps.Metrics,
		personas: deps.Personas,
		records:  newRecordWriter(),
		events:   make(chan loopEvent, 256),
		calls:    make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		agents:   make(map[string]*fixAgent),
		byTask:   make(map[string]map[string]struct{}),

		startingByTask: make(map[string]int),
	}

	finished, err := lru.NewWithEvict[string, struct{}](cfg.RetainFinished, o.onEvict)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create retention cache: %w", err)
	}
	o.finished = finished

	go o.run()
	return o, nil
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case ev := <-o.events:
			o.handleEvent(ev)
		case fn := <-o.calls:
			fn()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (o *Orchestrator) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case o.calls <- func() { fn(); close(finished) }:
	case <-o.quit:
		return ErrClosed
	}
	<-finished
	return nil
}

func (o *Orchestrator) post(ev loopEvent) {
	select {
	case o.events <- ev:
	case <-o.quit:
	}
}

// StartFix launches one agent for opts and returns its id once the launch
// has been initiated.
func (o *Orchestrator) StartFix(ctx context.Context, opts models.FixAgentOptions) (string, error) {
	if opts.TaskID == "" {
		return "", errors.New("task id is required")
	}
	if !models.ValidCategory(opts.Category) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, opts.Category)
	}
	logAgentReceived(opts)

	if err := o.reserve(opts.TaskID); err != nil {
		return "", err
	}
	reserved := true
	defer func() {
		if reserved {
			o.do(func() { o.abandonStart(opts.TaskID) })
		}
	}()

	startedAt := time.Now()
	fixID, gen, err := o.markInProgress(opts, startedAt)
	if err != nil {
		return "", err
	}
	opts.FixID = fixID

	if err := ctx.Err(); err != nil {
		o.persistFailure(opts, gen, "Cancelled before launch")
		return "", err
	}

	id := generateID()
	prompt := o.personas.Apply(opts.Category, agent.BuildPrompt(opts))
	handle, err := o.launcher.Launch(o.ctx, agent.LaunchSpec{
		ID:      id,
		Command: o.cfg.Command.Command,
		Args:    agent.BuildArgs(o.cfg.Command, prompt),
		Dir:     opts.ProjectPath,
	})
	if err != nil {
		o.persistFailure(opts, gen, "Failed: spawn error: "+err.Error())
		return "", fmt.Errorf("failed to launch agent: %w", err)
	}

	a := &fixAgent{
		id:            id,
		gen:           gen,
		opts:          opts,
		handle:        handle,
		parser:        agent.NewStreamParser(),
		status:        models.AgentStatusRunning,
		statusMessage: initializingMessage,
		startedAt:     startedAt,
	}

	err = o.do(func() {
		reserved = false
		if o.closed {
			o.abandonStart(opts.TaskID)
			return
		}
		o.releaseStart(opts.TaskID)
		o.register(a)
	})
	if err != nil || a.guard == nil {
		handle.Kill()
		go drain(handle)
		o.persistFailure(opts, gen, "Cancelled")
		return "", ErrClosed
	}

	return id, nil
}

// reserve claims a start slot against MaxRunning.
func (o *Orchestrator) reserve(taskID string) error {
	var err error
	if doErr := o.do(func() {
		if o.closed {
			err = ErrClosed
			return
		}
		if o.cfg.MaxRunning > 0 && o.runningCount()+o.starting >= o.cfg.MaxRunning {
			err = fmt.Errorf("%w: %d agents running", ErrPoolFull, o.cfg.MaxRunning)
			return
		}
		o.starting++
		o.startingByTask[taskID]++
	}); doErr != nil {
		return doErr
	}
	return err
}

// releaseStart returns a start slot. Loop only.
func (o *Orchestrator) releaseStart(taskID string) {
	o.starting--
	o.startingByTask[taskID]--
	if o.startingByTask[taskID] <= 0 {
		delete(o.startingByTask, taskID)
	}
}

// abandonStart returns the slot of a start that never registered an agent.
// If it was the last start holding back completion of a task whose agents
// have all finished, completion is announced here. Loop only.
func (o *Orchestrator) abandonStart(taskID string) {
	o.releaseStart(taskID)
	if len(o.byTask[taskID]) == 0 || !o.taskComplete(taskID) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.emitter.EmitComplete(models.CompleteEvent{TaskID: taskID, Timestamp: time.Now()})
	}()
}

// markInProgress claims a new record generation and moves the record to
// IN_PROGRESS, creating it when missing.
func (o *Orchestrator) markInProgress(opts models.FixAgentOptions, startedAt time.Time) (string, uint64, error) {
	var fixID string
	gen, err := o.records.claim(recordKey{opts.TaskID, opts.Category}, func() error {
		rec, err := o.store.Get(opts.TaskID, opts.Category)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = o.store.Upsert(&models.FixRecord{
				ID:        opts.FixID,
				TaskID:    opts.TaskID,
				Category:  opts.Category,
				Status:    models.FixStatusInProgress,
				Findings:  opts.Findings,
				StartedAt: &startedAt,
			})
			if err != nil {
				return fmt.Errorf("failed to create fix record: %w", err)
			}
			fixID = rec.ID
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load fix record: %w", err)
		}
		if err := o.store.MarkInProgress(opts.TaskID, opts.Category, startedAt); err != nil {
			return fmt.Errorf("failed to mark fix in progress: %w", err)
		}
		fixID = rec.ID
		return nil
	})
	return fixID, gen, err
}

// persistResult writes a terminal result unless a newer start has claimed
// the record since gen.
func (o *Orchestrator) persistResult(taskID string, category models.FixCategory, gen uint64, result models.FixResult) {
	written, err := o.records.write(recordKey{taskID, category}, gen, func() error {
		return o.store.Finish(taskID, category, result)
	})
	switch {
	case err != nil:
		log.Printf("Warning: failed to persist fix result for task %s/%s: %v", taskID, category, err)
	case !written:
		log.Printf("Skipping superseded fix result for task %s/%s (status %s)", taskID, category, result.Status)
	}
}

func (o *Orchestrator) persistFailure(opts models.FixAgentOptions, gen uint64, summary string) {
	o.persistResult(opts.TaskID, opts.Category, gen, models.FixResult{
		Status:      models.FixStatusFailed,
		Summary:     summary,
		CompletedAt: time.Now(),
	})
}

// register adds a launched agent to the loop's state. Loop only.
func (o *Orchestrator) register(a *fixAgent) {
	o.agents[a.id] = a
	ids, ok := o.byTask[a.opts.TaskID]
	if !ok {
		ids = make(map[string]struct{})
		o.byTask[a.opts.TaskID] = ids
	}
	ids[a.id] = struct{}{}

	id := a.id
	a.guard = armGuard(o.cfg.SpawnTimeout, o.cfg.NoOutputTimeout, func(kind timerKind) {
		o.post(loopEvent{agentID: id, timer: kind})
	})

	o.metrics.AgentStarted(string(a.opts.Category))
	logAgentStarted(a)

	o.emitter.EmitProgress(models.ProgressEvent{
		TaskID:      a.opts.TaskID,
		FixCategory: a.opts.Category,
		Message:     initializingMessage,
		Timestamp:   time.Now(),
	})

	o.wg.Add(1)
	go o.forward(id, a.handle)
}

// forward relays one process's events to the loop in order. After shutdown
// the remaining events are drained and discarded.
func (o *Orchestrator) forward(id string, h agent.Handle) {
	defer o.wg.Done()
	for ev := range h.Events() {
		ev := ev
		select {
		case o.events <- loopEvent{agentID: id, proc: &ev}:
		case <-o.quit:
		}
	}
}

func drain(h agent.Handle) {
	for range h.Events() {
	}
}

// StartAllFixes starts one agent per category with findings. At most
// StartConcurrency starts are in flight; the first start error stops
// further starts and is returned with the ids already started.
func (o *Orchestrator) StartAllFixes(ctx context.Context, taskID, projectPath string, findings map[models.FixCategory][]models.Finding) (map[models.FixCategory]string, error) {
	req := models.StartFixesRequest{ProjectPath: projectPath, Findings: findings}
	categories := req.Categories()
	for _, c := range categories {
		if !models.ValidCategory(c) {
			return map[models.FixCategory]string{}, fmt.Errorf("%w: %q", ErrInvalidCategory, c)
		}
	}

	var mu sync.Mutex
	started := make(map[models.FixCategory]string, len(categories))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.StartConcurrency)

	for _, category := range categories {
		category := category
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var rec *models.FixRecord
			err := o.records.reset(recordKey{taskID, category}, func() error {
				var err error
				rec, err = o.store.Upsert(&models.FixRecord{
					TaskID:   taskID,
					Category: category,
					Status:   models.FixStatusPending,
					Findings: findings[category],
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to create %s fix record: %w", category, err)
			}

			id, err := o.StartFix(gctx, models.FixAgentOptions{
				TaskID:      taskID,
				Category:    category,
				ProjectPath: projectPath,
				Findings:    findings[category],
				FixID:       rec.ID,
			})
			if err != nil {
				return fmt.Errorf("failed to start %s fix: %w", category, err)
			}

			mu.Lock()
			started[category] = id
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return started, err
}

// CancelFix cancels the running agents of one category of a task and
// returns how many were cancelled.
func (o *Orchestrator) CancelFix(taskID string, category models.FixCategory) int {
	n := 0
	o.do(func() {
		for _, a := range o.taskAgents(taskID) {
			if a.opts.Category == category && o.cancelAgent(a) {
				n++
			}
		}
	})
	return n
}

// CancelAllFixes cancels every running agent of a task and forgets the
// task's agent index.
func (o *Orchestrator) CancelAllFixes(taskID string) int {
	n := 0
	o.do(func() {
		for _, a := range o.taskAgents(taskID) {
			if o.cancelAgent(a) {
				n++
			}
		}
		delete(o.byTask, taskID)
	})
	return n
}

func (o *Orchestrator) cancelAgent(a *fixAgent) bool {
	if a.status.IsTerminal() {
		return false
	}
	logAgentCancelled(a)
	o.fail(a, reasonCancelled, "Cancelled", true)
	return true
}

// GetAgentStatus returns a snapshot of an agent.
func (o *Orchestrator) GetAgentStatus(agentID string) (models.AgentSnapshot, bool) {
	var (
		snap models.AgentSnapshot
		ok   bool
	)
	o.do(func() {
		if a, exists := o.agents[agentID]; exists {
			snap, ok = a.snapshot(), true
		}
	})
	return snap, ok
}

// GetActiveFixesForTask returns the running agents of a task.
func (o *Orchestrator) GetActiveFixesForTask(taskID string) []models.AgentSnapshot {
	snaps := []models.AgentSnapshot{}
	o.do(func() {
		for _, a := range o.taskAgents(taskID) {
			if a.status == models.AgentStatusRunning {
				snaps = append(snaps, a.snapshot())
			}
		}
	})
	return snaps
}

// ListAgentsForTask returns every retained agent of a task.
func (o *Orchestrator) ListAgentsForTask(taskID string) []models.AgentSnapshot {
	snaps := []models.AgentSnapshot{}
	o.do(func() {
		for _, a := range o.taskAgents(taskID) {
			snaps = append(snaps, a.snapshot())
		}
	})
	return snaps
}

// AreAllFixesComplete reports whether no agent of the task is running.
// A task without agents is complete.
func (o *Orchestrator) AreAllFixesComplete(taskID string) bool {
	complete := true
	o.do(func() {
		complete = o.allDone(taskID)
	})
	return complete
}

// GetActiveAgentsCount returns the number of running agents.
func (o *Orchestrator) GetActiveAgentsCount() int {
	n := 0
	o.do(func() {
		n = o.runningCount()
	})
	return n
}

// GetCurrentActivity returns the latest status message of the most recent
// agent for a (task, category) pair.
func (o *Orchestrator) GetCurrentActivity(taskID string, category models.FixCategory) (string, bool) {
	var (
		msg string
		ok  bool
	)
	o.do(func() {
		if a := o.latestAgent(taskID, category); a != nil {
			msg, ok = a.statusMessage, true
		}
	})
	return msg, ok
}

// IsFixRunning reports whether an agent for the pair is running.
func (o *Orchestrator) IsFixRunning(taskID string, category models.FixCategory) bool {
	running := false
	o.do(func() {
		for _, a := range o.taskAgents(taskID) {
			if a.opts.Category == category && a.status == models.AgentStatusRunning {
				running = true
				return
			}
		}
	})
	return running
}

// Stats holds orchestrator statistics.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Tasks     int `json:"tasks"`
}

// GetStats returns counts over the retained agents.
func (o *Orchestrator) GetStats() Stats {
	var stats Stats
	o.do(func() {
		stats.Total = len(o.agents)
		stats.Tasks = len(o.byTask)
		for _, a := range o.agents {
			switch a.status {
			case models.AgentStatusRunning:
				stats.Running++
			case models.AgentStatusCompleted:
				stats.Completed++
			case models.AgentStatusFailed:
				stats.Failed++
			}
		}
	})
	return stats
}

// ListFixRecords returns the persisted records of a task.
func (o *Orchestrator) ListFixRecords(taskID string) ([]*models.FixRecord, error) {
	return o.store.ListByTask(taskID)
}

// Shutdown cancels every running agent, stops the loop and waits for
// pending persistence and process teardown.
func (o *Orchestrator) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.do(func() {
			o.closed = true
			for _, a := range o.agents {
				if a.status == models.AgentStatusRunning {
					logAgentCancelled(a)
					o.fail(a, reasonCancelled, "Cancelled: shutting down", true)
				}
			}
		})
		o.cancel()
		close(o.quit)
		<-o.done
		o.wg.Wait()
	})
	return nil
}

func (o *Orchestrator) handleEvent(ev loopEvent) {
	a, ok := o.agents[ev.agentID]
	if !ok {
		return
	}
	if ev.proc != nil {
		o.handleProcessEvent(a, *ev.proc)
		return
	}
	o.handleTimer(a, ev.timer)
}

func (o *Orchestrator) handleProcessEvent(a *fixAgent, ev agent.ProcessEvent) {
	if a.status.IsTerminal() {
		return
	}

	switch ev.Kind {
	case agent.EventSpawned:
		a.pid = ev.PID
		a.guard.confirmSpawn()
		logAgentSpawned(a)

	case agent.EventOutput:
		a.guard.confirmSpawn()
		if a.guard.firstOutput() {
			logAgentFirstOutput(a)
		}
		a.appendOutput(ev.Data)
		o.applyMessages(a, a.parser.Feed(ev.Data))

	case agent.EventError:
		msg := "Failed: spawn error"
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		o.fail(a, reasonSpawnError, msg, false)

	case agent.EventExit:
		o.applyMessages(a, a.parser.Flush())
		code := ev.ExitCode
		a.exitCode = &code
		o.finishExit(a, ev)
	}
}

func (o *Orchestrator) applyMessages(a *fixAgent, msgs []agent.Message) {
	for _, msg := range msgs {
		status, ok := agent.ExtractStatus(msg)
		if !ok || status == a.statusMessage {
			continue
		}
		a.statusMessage = status
		o.emitter.EmitProgress(models.ProgressEvent{
			TaskID:      a.opts.TaskID,
			FixCategory: a.opts.Category,
			Message:     status,
			Timestamp:   time.Now(),
		})
	}
}

func (o *Orchestrator) finishExit(a *fixAgent, ev agent.ProcessEvent) {
	if ev.ExitCode != 0 {
		msg := fmt.Sprintf("Failed: exited with code %d", ev.ExitCode)
		if tail := strings.TrimSpace(ev.StderrTail); tail != "" {
			msg += ": " + models.TruncateString(tail, 500)
		}
		o.fail(a, reasonExitCode, msg, false)
		return
	}

	out, err := agent.ExtractResult(string(a.output))
	a.result = &out
	switch {
	case err != nil:
		o.fail(a, reasonParseFailure, "Failed: "+out.Error, false)
	case !out.Success:
		reason := out.Error
		if reason == "" {
			reason = out.Summary
		}
		if reason == "" {
			reason = "agent reported failure"
		}
		o.fail(a, reasonDeclared, "Failed: "+reason, false)
	default:
		summary := out.Summary
		if summary == "" {
			summary = "Fix applied"
		}
		o.transition(a, models.AgentStatusCompleted, "", summary)
	}
}

func (o *Orchestrator) handleTimer(a *fixAgent, kind timerKind) {
	if a.status.IsTerminal() || !a.guard.armed(kind) {
		return
	}
	a.guard.clear(kind)

	switch kind {
	case timerSpawn:
		o.fail(a, reasonSpawnTimeout,
			fmt.Sprintf("Failed: spawn timeout (process did not start within %s)", o.cfg.SpawnTimeout), true)
	case timerNoOutput:
		o.fail(a, reasonNoOutput,
			fmt.Sprintf("Failed: no output received within %s", o.cfg.NoOutputTimeout), true)
	}
}

// fail moves a running agent to failed. A second failure is a no-op.
func (o *Orchestrator) fail(a *fixAgent, reason, message string, kill bool) {
	if a.status.IsTerminal() {
		return
	}
	if kill {
		a.handle.Kill()
	}
	o.transition(a, models.AgentStatusFailed, reason, message)
}

// transition records the terminal state, then persists and notifies off
// the loop.
func (o *Orchestrator) transition(a *fixAgent, status models.AgentStatus, reason, message string) {
	if a.status.IsTerminal() {
		return
	}
	a.guard.disarm()
	now := time.Now()
	a.status = status
	a.statusMessage = message
	a.completedAt = &now
	a.failReason = reason

	outcome := string(status)
	o.metrics.AgentFinished(string(a.opts.Category), outcome, reason, now.Sub(a.startedAt))
	logAgentFinished(a)

	taskID := a.opts.TaskID
	category := a.opts.Category
	gen := a.gen
	allDone := o.taskComplete(taskID)
	result := a.fixResult()

	o.finished.Add(a.id, struct{}{})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.persistResult(taskID, category, gen, result)
		o.emitter.EmitProgress(models.ProgressEvent{
			TaskID:      taskID,
			FixCategory: category,
			Message:     message,
			Timestamp:   now,
		})
		if allDone {
			o.emitter.EmitComplete(models.CompleteEvent{TaskID: taskID, Timestamp: time.Now()})
		}
	}()
}

// onEvict forgets a finished agent pushed out of the retention cache. It
// runs on the loop, inside finished.Add.
func (o *Orchestrator) onEvict(id string, _ struct{}) {
	a, ok := o.agents[id]
	if !ok || !a.status.IsTerminal() {
		return
	}
	delete(o.agents, id)
	if ids, ok := o.byTask[a.opts.TaskID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(o.byTask, a.opts.TaskID)
		}
	}
	logAgentEvicted(a)
}

func (o *Orchestrator) taskAgents(taskID string) []*fixAgent {
	ids := o.byTask[taskID]
	out := make([]*fixAgent, 0, len(ids))
	for id := range ids {
		if a, ok := o.agents[id]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].opts.Category != out[j].opts.Category {
			return out[i].opts.Category < out[j].opts.Category
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

func (o *Orchestrator) latestAgent(taskID string, category models.FixCategory) *fixAgent {
	var latest *fixAgent
	for _, a := range o.taskAgents(taskID) {
		if a.opts.Category != category {
			continue
		}
		if latest == nil || !a.startedAt.Before(latest.startedAt) {
			latest = a
		}
	}
	return latest
}

// taskComplete reports whether the task has no running agent and no start
// in flight.
func (o *Orchestrator) taskComplete(taskID string) bool {
	return o.startingByTask[taskID] == 0 && o.allDone(taskID)
}

func (o *Orchestrator) allDone(taskID string) bool {
	for _, a := range o.taskAgents(taskID) {
		if a.status == models.AgentStatusRunning {
			return false
		}
	}
	return true
}

func (o *Orchestrator) runningCount() int {
	n := 0
	for _, a := range o.agents {
		if a.status == models.AgentStatusRunning {
			n++
		}
	}
	return n
}

func (a *fixAgent) appendOutput(p []byte) {
	a.outputBytes += len(p)
	a.output = append(a.output, p...)
	if len(a.output) > maxOutputCapture {
		a.output = append([]byte(nil), a.output[len(a.output)-maxOutputCapture/2:]...)
	}
}

func (a *fixAgent) fixResult() models.FixResult {
	res := models.FixResult{
		Status:      models.FixStatusFailed,
		Summary:     a.statusMessage,
		CompletedAt: time.Now(),
	}
	if a.completedAt != nil {
		res.CompletedAt = *a.completedAt
	}
	if a.status == models.AgentStatusCompleted {
		res.Status = models.FixStatusCompleted
	}
	if a.result != nil {
		res.Patch = strings.Join(a.result.FilesModified, "\n")
		res.ResearchNotes = strings.Join(a.result.ResearchSources, "\n")
	}
	return res
}

func (a *fixAgent) snapshot() models.AgentSnapshot {
	snap := models.AgentSnapshot{
		ID:            a.id,
		TaskID:        a.opts.TaskID,
		Category:      a.opts.Category,
		FixID:         a.opts.FixID,
		Status:        a.status,
		StatusMessage: a.statusMessage,
		PID:           a.pid,
		OutputBytes:   a.outputBytes,
		StartedAt:     a.startedAt,
	}
	if a.handle != nil {
		snap.LogFile = a.handle.LogFile()
	}
	if a.completedAt != nil {
		t := *a.completedAt
		snap.CompletedAt = &t
	}
	if a.exitCode != nil {
		c := *a.exitCode
		snap.ExitCode = &c
	}
	if a.result != nil {
		r := *a.result
		snap.Result = &r
	}
	return snap
}

func generateID() string {
	return fmt.Sprintf("fix-%s", uuid.New().String()[:8])
}

func logAgentReceived(opts models.FixAgentOptions) {
	log.Printf(
		"agent_event=received task_id=%s category=%s fix_id=%q project_path=%q findings=%d",
		opts.TaskID,
		opts.Category,
		opts.FixID,
		opts.ProjectPath,
		len(opts.Findings),
	)
}

func logAgentStarted(a *fixAgent) {
	log.Printf(
		"agent_event=started agent_id=%s task_id=%s category=%s fix_id=%s log_file=%q",
		a.id,
		a.opts.TaskID,
		a.opts.Category,
		a.opts.FixID,
		a.handle.LogFile(),
	)
}

func logAgentSpawned(a *fixAgent) {
	log.Printf("agent_event=spawned agent_id=%s task_id=%s pid=%d", a.id, a.opts.TaskID, a.pid)
}

func logAgentFirstOutput(a *fixAgent) {
	log.Printf(
		"agent_event=first_output agent_id=%s task_id=%s after=%q",
		a.id,
		a.opts.TaskID,
		time.Since(a.startedAt).String(),
	)
}

func logAgentCancelled(a *fixAgent) {
	log.Printf("agent_event=cancelled agent_id=%s task_id=%s category=%s", a.id, a.opts.TaskID, a.opts.Category)
}

func logAgentFinished(a *fixAgent) {
	duration := ""
	if a.completedAt != nil {
		duration = a.completedAt.Sub(a.startedAt).String()
	}

	exitCode := ""
	if a.exitCode != nil {
		exitCode = fmt.Sprintf("%d", *a.exitCode)
	}

	event := "finished"
	if a.status == models.AgentStatusFailed {
		event = "failed"
	}

	log.Printf(
		"agent_event=%s agent_id=%s task_id=%s category=%s status=%s reason=%q exit_code=%s message=%q duration=%q output_bytes=%d",
		event,
		a.id,
		a.opts.TaskID,
		a.opts.Category,
		a.status,
		a.failReason,
		exitCode,
		models.TruncateString(a.statusMessage, 160),
		duration,
		a.outputBytes,
	)
}

func logAgentEvicted(a *fixAgent) {
	log.Printf("agent_event=evicted agent_id=%s task_id=%s status=%s", a.id, a.opts.TaskID, a.status)
}
