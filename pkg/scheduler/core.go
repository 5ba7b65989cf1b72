// Package scheduler drives runs from trigger to completion on a single
// control goroutine. All registry mutation, state transitions and
// script advancement happen inside the event loop; the only genuine
// concurrency is with the child processes themselves, whose exits come
// back as events on the executor's channel. Nothing here needs a lock.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	config "emberci/configs"
	"emberci/pkg/executor"
	"emberci/pkg/logger"
	"emberci/pkg/metrics"
	"emberci/pkg/models"
	"emberci/pkg/node"
	tracing "emberci/pkg/observability"
	"emberci/pkg/run"
	"emberci/pkg/storage"
)

// RunView is the read-only projection of a live run handed to external
// readers. The API never sees a *run.Run.
type RunView struct {
	Name        string    `json:"name"`
	Build       uint      `json:"build"`
	ParentName  string    `json:"parent_name,omitempty"`
	ParentBuild uint      `json:"parent_build,omitempty"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason"`
	Node        string    `json:"node,omitempty"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

type abortRequest struct {
	name  string
	build uint
	reply chan error
}

type snapshotRequest struct {
	job   string // empty = all
	reply chan []RunView
}

// Params wires the scheduler's collaborators. Store, Logs, Queue and
// Tracer are optional; the loop degrades to in-memory-only behavior
// without them.
type Params struct {
	Config   *config.Config
	Launcher *executor.Executor
	Jobs     JobSource
	Nodes    []*node.Node
	Store    storage.RunStore
	Logs     storage.LogStore
	Queue    storage.TriggerQueue
	Tracer   *tracing.Provider
}

type pendingRun struct {
	run  *run.Run
	spec *JobSpec
}

// Core is the control loop. Construct with New, then call Run on its
// own goroutine; every exported method besides Run is safe to call from
// other goroutines because it only passes messages into the loop.
type Core struct {
	cfg      *config.Config
	log      *zap.Logger
	launcher *executor.Executor
	jobs     JobSource
	store    storage.RunStore
	logs     storage.LogStore
	queue    storage.TriggerQueue
	tracer   *tracing.Provider

	nodes     []*node.Node
	active    *run.Registry
	pending   []pendingRun
	nextBuild map[string]uint
	specs     map[*run.Run]*JobSpec
	outputs   map[*run.Run]*os.File
	spans     map[*run.Run]trace.Span
	cron      *cron.Cron

	triggers  chan models.Trigger
	aborts    chan abortRequest
	snapshots chan snapshotRequest
}

func New(p Params) *Core {
	return &Core{
		cfg:       p.Config,
		log:       logger.Get().Named("scheduler"),
		launcher:  p.Launcher,
		jobs:      p.Jobs,
		store:     p.Store,
		logs:      p.Logs,
		queue:     p.Queue,
		tracer:    p.Tracer,
		nodes:     p.Nodes,
		active:    run.NewRegistry(),
		nextBuild: make(map[string]uint),
		specs:     make(map[*run.Run]*JobSpec),
		outputs:   make(map[*run.Run]*os.File),
		spans:     make(map[*run.Run]trace.Span),
		triggers:  make(chan models.Trigger, 16),
		aborts:    make(chan abortRequest),
		snapshots: make(chan snapshotRequest),
	}
}

// Run is the event loop. It blocks until the context is cancelled, at
// which point every live run is aborted without cleanup.
func (c *Core) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.TimeoutCheckSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeoutTick := time.NewTicker(interval)
	defer timeoutTick.Stop()

	if c.queue != nil {
		go c.consumeQueue(ctx)
	}
	c.startCron()
	defer c.stopCron()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutting down", zap.Int("live_runs", c.active.Len()))
			for _, r := range c.active.ByStartedAt() {
				r.Abort(false)
			}
			return
		case trig := <-c.triggers:
			c.handleTrigger(trig)
		case req := <-c.aborts:
			req.reply <- c.handleAbort(req.name, req.build)
		case req := <-c.snapshots:
			req.reply <- c.snapshot(req.job)
		case exit := <-c.launcher.Exits():
			c.handleExit(exit)
		case <-timeoutTick.C:
			c.checkTimeouts()
		}
	}
}

// Trigger enqueues a build request for a job. Safe from any goroutine.
func (c *Core) Trigger(job string, params map[string]string) {
	trig := models.NewTrigger(job, params)
	trig.Source = "api"
	c.triggers <- trig
}

// Abort cancels a live run, letting its cleanup scripts execute. Safe
// from any goroutine.
func (c *Core) Abort(name string, build uint) error {
	reply := make(chan error, 1)
	c.aborts <- abortRequest{name: name, build: build, reply: reply}
	return <-reply
}

// Snapshot returns the live runs in start-time order. Safe from any
// goroutine.
func (c *Core) Snapshot() []RunView {
	reply := make(chan []RunView, 1)
	c.snapshots <- snapshotRequest{reply: reply}
	return <-reply
}

// JobRuns returns the live runs of one job. Safe from any goroutine.
func (c *Core) JobRuns(job string) []RunView {
	reply := make(chan []RunView, 1)
	c.snapshots <- snapshotRequest{job: job, reply: reply}
	return <-reply
}

func (c *Core) handleTrigger(trig models.Trigger) {
	metrics.TriggersReceived.WithLabelValues(sourceLabel(trig.Source)).Inc()

	spec, err := c.jobs.Describe(trig.Job)
	if err != nil {
		c.log.Warn("dropping trigger for unknown job",
			zap.String("job", trig.Job), zap.Error(err))
		return
	}

	r := run.New(trig.Job, trig.Params, c.cfg.Home, c.launcher)
	r.ParentName = trig.ParentName
	r.ParentBuild = trig.ParentBuild
	r.Timeout = spec.TimeoutSeconds
	for _, s := range spec.Scripts {
		r.AddScript(s.Path, s.WorkingDir, s.RunOnAbort)
	}
	for _, e := range spec.EnvFiles {
		r.AddEnv(e)
	}
	r.LastResult = c.lastResult(trig.Job)

	c.pending = append(c.pending, pendingRun{run: r, spec: spec})
	c.specs[r] = spec
	metrics.RunsQueued.Inc()
	metrics.RunsPending.Set(float64(len(c.pending)))
	c.log.Info("run queued",
		zap.String("job", trig.Job), zap.String("source", trig.Source))

	c.assignPending()
}

// assignPending moves queued runs onto nodes with free slots. Called
// after every trigger and every completion. A run that completes inside
// its first Step re-enters here via finalize, so the queue must be
// taken over before anything starts: iterating c.pending directly
// would let the nested call see, and start, the same entry twice.
func (c *Core) assignPending() {
	batch := c.pending
	c.pending = nil
	for _, p := range batch {
		n := c.pickNode(p.spec.Tags)
		if n == nil {
			c.pending = append(c.pending, p)
			continue
		}
		if !c.startRun(p.run, n) {
			delete(c.specs, p.run)
		}
	}
	metrics.RunsPending.Set(float64(len(c.pending)))
}

func (c *Core) pickNode(tags []string) *node.Node {
	for _, n := range c.nodes {
		if n.CanQueue(tags...) {
			return n
		}
	}
	return nil
}

// startRun configures the run onto a node and drives its first step.
// Returns false if configuration failed and the run never started.
func (c *Core) startRun(r *run.Run, n *node.Node) bool {
	build := c.buildNumber(r.Name)
	if !r.Configure(build, n, c.cfg.Home) {
		c.log.Error("run configuration failed",
			zap.String("job", r.Name), zap.Uint("build", build),
			zap.String("reason", r.Reason()))
		return false
	}

	logPath := filepath.Join(c.cfg.Home, "logs", "live",
		fmt.Sprintf("%s-%d.log", r.Name, r.Build))
	if f, err := openLogFile(logPath); err == nil {
		r.Output = f
		r.LogPath = logPath
		c.outputs[r] = f
	} else {
		c.log.Warn("run executing without log capture",
			zap.String("job", r.Name), zap.Error(err))
	}

	n.Acquire()
	if err := c.active.Add(r); err != nil {
		// Build numbers are assigned monotonically, so this means the
		// counter was corrupted. Loud is better than wedged.
		panic(fmt.Sprintf("scheduler: %v", err))
	}
	metrics.RunsActive.Inc()

	if c.tracer != nil {
		_, span := c.tracer.StartSpan(context.Background(), "run",
			trace.WithAttributes(
				attribute.String("job", r.Name),
				attribute.Int("build", int(r.Build)),
				attribute.String("node", n.Name),
			))
		c.spans[r] = span
	}

	c.log.Info("run started",
		zap.String("job", r.Name), zap.Uint("build", r.Build),
		zap.String("node", n.Name))

	c.advance(r)
	return true
}

// advance performs one Step. A false return means a script process is
// now in flight and the loop resumes on its exit event.
func (c *Core) advance(r *run.Run) {
	if r.Step() {
		c.finalize(r)
		return
	}
	metrics.ScriptsLaunched.Inc()
}

// handleExit is the reaped path: map the process back to its run via
// the identity index, record the status, and step again.
func (c *Core) handleExit(exit executor.Exit) {
	if !c.active.Has(exit.Run) {
		c.log.Warn("dropping exit event for evicted run", zap.Int("pid", exit.PID))
		return
	}
	exit.Run.Reaped(exit.Status)
	c.advance(exit.Run)
}

func (c *Core) handleAbort(name string, build uint) error {
	r, ok := c.active.ByNameBuild(name, build)
	if !ok {
		return fmt.Errorf("no live run %s #%d", name, build)
	}
	metrics.AbortsRequested.Inc()
	r.Abort(true)
	// If nothing is in flight the exit event will never come, so step
	// through the cleanup scripts (or finalize) from here.
	if r.CurrentPID == 0 {
		c.advance(r)
	}
	return nil
}

func (c *Core) checkTimeouts() {
	now := time.Now()
	for _, r := range c.active.ByStartedAt() {
		if r.Timeout <= 0 {
			continue
		}
		if now.Sub(r.StartedAt) < time.Duration(r.Timeout)*time.Second {
			continue
		}
		c.log.Warn("run timed out",
			zap.String("job", r.Name), zap.Uint("build", r.Build),
			zap.Int("timeout_seconds", r.Timeout))
		r.Abort(true)
		if r.CurrentPID == 0 {
			c.advance(r)
		}
	}
}

// finalize consumes the finished signal, archives the run and evicts it
// from the registry.
func (c *Core) finalize(r *run.Run) {
	state := <-r.WhenFinished()

	if f := c.outputs[r]; f != nil {
		f.Close()
		delete(c.outputs, r)
	}

	logRef := r.LogPath
	if c.logs != nil && r.LogPath != "" {
		if data, err := os.ReadFile(r.LogPath); err == nil {
			if ref, err := c.logs.Store(context.Background(), r.Name, r.Build, data); err == nil {
				logRef = ref
			} else {
				c.log.Error("failed to archive run log", zap.Error(err))
			}
		}
	}

	if c.store != nil {
		rec := &models.RunRecord{
			Name:        r.Name,
			Build:       r.Build,
			ParentName:  r.ParentName,
			ParentBuild: r.ParentBuild,
			Params:      r.Params,
			Result:      state.String(),
			Reason:      r.Reason(),
			NodeName:    r.Node.Name,
			LogRef:      logRef,
			QueuedAt:    r.QueuedAt,
			StartedAt:   r.StartedAt,
			CompletedAt: time.Now(),
		}
		if err := c.store.RecordRun(context.Background(), rec); err != nil {
			c.log.Error("failed to archive run",
				zap.String("job", r.Name), zap.Uint("build", r.Build),
				zap.Error(err))
		}
	}

	if span, ok := c.spans[r]; ok {
		span.SetAttributes(attribute.String("result", state.String()))
		span.End()
		delete(c.spans, r)
	}

	duration := time.Since(r.StartedAt)
	metrics.RunsActive.Dec()
	metrics.RecordCompletion(r.Name, state.String(), duration.Seconds())

	r.Node.Release()
	c.active.Remove(r)

	c.log.Info("run finished",
		zap.String("job", r.Name), zap.Uint("build", r.Build),
		zap.String("result", state.String()),
		zap.Duration("duration", duration),
		zap.String("reason", r.Reason()))

	spec := c.specs[r]
	delete(c.specs, r)
	if spec != nil && state == run.StateSuccess {
		for _, downstream := range spec.OnSuccess {
			trig := models.NewTrigger(downstream, nil)
			trig.ParentName = r.Name
			trig.ParentBuild = r.Build
			trig.Source = "chain"
			c.handleTrigger(trig)
		}
	}

	c.assignPending()
}

// buildNumber hands out the next build number for a job, seeding the
// in-memory counter from the archive the first time a job is seen.
func (c *Core) buildNumber(job string) uint {
	next, ok := c.nextBuild[job]
	if !ok {
		next = 1
		if c.store != nil {
			if n, err := c.store.NextBuild(context.Background(), job); err == nil {
				next = n
			} else {
				c.log.Error("failed to seed build counter", zap.String("job", job), zap.Error(err))
			}
		}
	}
	c.nextBuild[job] = next + 1
	return next
}

func (c *Core) lastResult(job string) run.State {
	if c.store == nil {
		return run.StateUnknown
	}
	last, err := c.store.LastResult(context.Background(), job)
	if err != nil {
		return run.StateUnknown
	}
	return run.ParseState(last)
}

func (c *Core) snapshot(job string) []RunView {
	var runs []*run.Run
	if job == "" {
		runs = c.active.ByStartedAt()
	} else {
		runs = c.active.ByJob(job)
	}
	views := make([]RunView, 0, len(runs)+len(c.pending))
	for _, r := range runs {
		views = append(views, viewOf(r))
	}
	for _, p := range c.pending {
		if job != "" && p.run.Name != job {
			continue
		}
		views = append(views, viewOf(p.run))
	}
	return views
}

func viewOf(r *run.Run) RunView {
	v := RunView{
		Name:        r.Name,
		Build:       r.Build,
		ParentName:  r.ParentName,
		ParentBuild: r.ParentBuild,
		Result:      r.Result.String(),
		Reason:      r.Reason(),
		QueuedAt:    r.QueuedAt,
		StartedAt:   r.StartedAt,
	}
	if r.Node != nil {
		v.Node = r.Node.Name
	}
	return v
}

// consumeQueue pumps the Redis trigger stream into the loop.
func (c *Core) consumeQueue(ctx context.Context) {
	const group = "emberci-scheduler"
	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "scheduler"
	}
	if err := c.queue.EnsureGroup(ctx, group); err != nil {
		c.log.Warn("failed to ensure trigger consumer group", zap.Error(err))
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msgID, trig, err := c.queue.Pop(ctx, group, consumer)
		if err != nil {
			c.log.Error("failed to pop trigger", zap.Error(err))
			// A non-empty msgID with an error is an unparseable message.
			// Ack it anyway, or it sits in the group's pending-entries
			// list forever.
			if msgID != "" {
				if ackErr := c.queue.Ack(ctx, group, msgID); ackErr != nil {
					c.log.Warn("failed to ack poisoned trigger", zap.Error(ackErr))
				}
			}
			time.Sleep(time.Second)
			continue
		}
		if trig == nil {
			continue
		}
		trig.Source = "queue"
		select {
		case c.triggers <- *trig:
		case <-ctx.Done():
			return
		}
		if err := c.queue.Ack(ctx, group, msgID); err != nil {
			c.log.Warn("failed to ack trigger", zap.Error(err))
		}
	}
}

func (c *Core) startCron() {
	jobs, err := c.jobs.List()
	if err != nil {
		c.log.Warn("failed to list jobs for cron triggers", zap.Error(err))
		return
	}
	for _, job := range jobs {
		spec, err := c.jobs.Describe(job)
		if err != nil || spec.Schedule == "" {
			continue
		}
		if c.cron == nil {
			c.cron = cron.New()
		}
		job := job
		_, err = c.cron.AddFunc(spec.Schedule, func() {
			trig := models.NewTrigger(job, nil)
			trig.Source = "cron"
			c.triggers <- trig
		})
		if err != nil {
			c.log.Warn("invalid cron schedule",
				zap.String("job", job), zap.String("schedule", spec.Schedule),
				zap.Error(err))
			continue
		}
		c.log.Info("cron trigger registered",
			zap.String("job", job), zap.String("schedule", spec.Schedule))
	}
	if c.cron != nil {
		c.cron.Start()
	}
}

func (c *Core) stopCron() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
