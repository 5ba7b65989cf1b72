package run

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"emberci/pkg/node"
)

// Script is one executable step in a run's work queue. RunOnAbort marks
// a cleanup step that still executes after the run has been aborted or
// failed.
type Script struct {
	Path       string
	WorkingDir string
	RunOnAbort bool
}

// ProcessSpec describes one script launch handed to the Launcher.
// EnvFiles are sourced in order before the script executes; Env holds
// additional KEY=VALUE pairs appended to the inherited environment.
type ProcessSpec struct {
	Owner      *Run
	Path       string
	WorkingDir string
	EnvFiles   []string
	Env        []string
	Output     io.Writer
}

// Launcher is the external process facility. Launch starts the script
// and returns its PID without waiting for it to exit; the facility
// reports the exit asynchronously to the control loop, which then calls
// Reaped on the owning run. Kill requests termination of a previously
// launched process.
type Launcher interface {
	Launch(spec ProcessSpec) (int, error)
	Kill(pid int) error
}

// Run is the state machine for one execution of a named job. It is
// driven by a single control goroutine: Configure once, then Step after
// every Reaped until Step returns true. Run is never copied; every
// subsystem that observes it holds the same pointer.
type Run struct {
	Name        string
	Build       uint
	ParentName  string
	ParentBuild uint

	Params map[string]string

	Node *node.Node

	Result     State
	LastResult State

	// CurrentPID is non-zero only while a child process is in flight.
	CurrentPID int

	// Output receives the combined stdout/stderr of every script.
	Output io.Writer

	// LogPath is where the combined output is written, if file backed.
	LogPath string

	// Timeout in seconds; 0 means none. Enforcement is the scheduler's
	// job, the run only records it.
	Timeout int

	QueuedAt  time.Time
	StartedAt time.Time

	rootPath  string
	workDir   string
	scripts   []Script
	envFiles  []string
	reasonMsg string

	launcher Launcher

	stepped       bool
	started       chan struct{}
	startedFired  bool
	finished      chan State
	finishedFired bool
}

// New constructs a run in pending state. rootPath is the directory that
// relative script and working-directory paths resolve against. No
// side effects beyond bookkeeping; the run becomes eligible for
// execution only after Configure.
func New(name string, params map[string]string, rootPath string, launcher Launcher) *Run {
	if params == nil {
		params = map[string]string{}
	}
	return &Run{
		Name:     name,
		Params:   params,
		Result:   StatePending,
		QueuedAt: time.Now(),
		rootPath: rootPath,
		launcher: launcher,
		started:  make(chan struct{}, 1),
		finished: make(chan State, 1),
	}
}

// AddScript appends a script to the work queue. Setup phase only;
// calling it after the first Step is a scheduler bug.
func (r *Run) AddScript(path, workingDir string, runOnAbort bool) {
	if r.stepped {
		panic("run: AddScript after execution started")
	}
	r.scripts = append(r.scripts, Script{Path: path, WorkingDir: workingDir, RunOnAbort: runOnAbort})
}

// AddEnv appends an environment file sourced, in addition order, before
// every script. Setup phase only.
func (r *Run) AddEnv(path string) {
	if r.stepped {
		panic("run: AddEnv after execution started")
	}
	r.envFiles = append(r.envFiles, path)
}

// Configure binds the run to a build number and execution node and
// prepares its working directory under home. It must be called exactly
// once, before any Step. A false return means the run never started:
// the caller must not Step it and no signal will fire.
func (r *Run) Configure(build uint, n *node.Node, home string) bool {
	if build == 0 || n == nil {
		return false
	}
	workDir := filepath.Join(home, "run", r.Name, fmt.Sprintf("%d", build))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		r.reasonMsg = fmt.Sprintf("workspace setup failed: %v", err)
		return false
	}
	r.Build = build
	r.Node = n
	r.workDir = workDir
	r.StartedAt = time.Now()
	return true
}

// Step advances execution by one unit of work. It launches the next
// queued script and returns false, or finds the queue empty, finalizes
// the result, fires the finished signal and returns true. It never
// blocks on the child process. Calling Step while a process is in
// flight is a scheduler bug.
func (r *Run) Step() bool {
	if r.CurrentPID != 0 {
		panic("run: Step called while a process is in flight")
	}
	r.stepped = true

	if len(r.scripts) == 0 {
		if !r.Result.Terminal() {
			r.Result = StateSuccess
		}
		r.fireFinished()
		return true
	}

	script := r.scripts[0]
	r.scripts = r.scripts[1:]

	pid, err := r.launcher.Launch(ProcessSpec{
		Owner:      r,
		Path:       r.resolve(script.Path),
		WorkingDir: r.resolveWorkingDir(script.WorkingDir),
		EnvFiles:   r.envFiles,
		Env:        r.environment(),
		Output:     r.Output,
	})
	if err != nil {
		if !r.Result.Terminal() {
			r.Result = StateFailed
			r.reasonMsg = fmt.Sprintf("failed to launch %s: %v", script.Path, err)
		}
		r.pruneToAbortScripts()
		return r.Step()
	}

	r.CurrentPID = pid
	if !r.Result.Terminal() {
		r.Result = StateRunning
	}
	if !r.startedFired {
		r.startedFired = true
		r.started <- struct{}{}
	}
	return false
}

// Abort cancels the run. A running child process is signalled, and the
// result moves to aborted unless already terminal (in which case Abort
// is a no-op). With respectRunOnAbort the queue keeps its cleanup
// scripts so subsequent Step calls still execute them; without it the
// queue is cleared and the next Step finalizes.
func (r *Run) Abort(respectRunOnAbort bool) {
	if r.Result.Terminal() {
		return
	}
	if r.CurrentPID != 0 {
		_ = r.launcher.Kill(r.CurrentPID)
	}
	r.Result = StateAborted
	r.reasonMsg = "aborted externally"
	if respectRunOnAbort {
		r.pruneToAbortScripts()
	} else {
		r.scripts = nil
	}
}

// Reaped records the exit of the process launched by the last Step.
// The process facility calls it exactly once per launch. A non-zero
// status fails the run (unless a terminal result landed first) and
// skips every remaining non-cleanup script. Reaped does not advance
// the queue; the control loop calls Step again.
func (r *Run) Reaped(status int) {
	if r.CurrentPID == 0 {
		panic("run: Reaped called with no process in flight")
	}
	r.CurrentPID = 0
	if status == 0 {
		return
	}
	if !r.Result.Terminal() {
		r.Result = StateFailed
		r.reasonMsg = fmt.Sprintf("script exited with status %d", status)
	}
	r.pruneToAbortScripts()
}

// Reason renders a human readable explanation of the run's outcome.
func (r *Run) Reason() string {
	if r.reasonMsg == "" {
		return r.Result.String()
	}
	return fmt.Sprintf("%s: %s", r.Result, r.reasonMsg)
}

// WhenStarted returns the one-shot signal fired when the first script
// begins running. Single consumer; fan-out is the consumer's problem.
func (r *Run) WhenStarted() <-chan struct{} { return r.started }

// WhenFinished returns the one-shot signal carrying the terminal state,
// fired when the queue is exhausted or the run is finalized after an
// abort. Single consumer.
func (r *Run) WhenFinished() <-chan State { return r.finished }

// QueueLen reports how many scripts remain queued.
func (r *Run) QueueLen() int { return len(r.scripts) }

// WorkingDir is the per-build workspace prepared by Configure.
func (r *Run) WorkingDir() string { return r.workDir }

func (r *Run) fireFinished() {
	if r.finishedFired {
		return
	}
	r.finishedFired = true
	r.finished <- r.Result
}

// pruneToAbortScripts drops every queued script not flagged RunOnAbort.
func (r *Run) pruneToAbortScripts() {
	kept := r.scripts[:0]
	for _, s := range r.scripts {
		if s.RunOnAbort {
			kept = append(kept, s)
		}
	}
	r.scripts = kept
}

func (r *Run) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.rootPath, path)
}

func (r *Run) resolveWorkingDir(dir string) string {
	if dir == "" {
		return r.workDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(r.workDir, dir)
}

// environment builds the variables injected into every script, after
// the env files have been sourced: the run's identity plus its
// parameter map.
func (r *Run) environment() []string {
	env := []string{
		"JOB=" + r.Name,
		fmt.Sprintf("RUN=%d", r.Build),
		"LAST_RESULT=" + r.LastResult.String(),
	}
	for k, v := range r.Params {
		env = append(env, k+"="+v)
	}
	return env
}
