// Package executor is the process-execution facility: it forks and
// supervises the OS processes behind run scripts and reports their exit
// back to the control loop as events. It never touches run state
// itself.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"emberci/pkg/logger"
	"emberci/pkg/run"
)

// Exit is delivered exactly once per launched process, after the OS
// process has genuinely terminated. Status is the exit code, or -1 if
// the process died to a signal or never ran cleanly.
type Exit struct {
	Run    *run.Run
	PID    int
	Status int
}

// Executor implements run.Launcher on top of os/exec. Every script runs
// under /bin/sh in its own process group so Kill can take down the
// whole tree.
type Executor struct {
	exits chan Exit
	log   *zap.Logger
}

func New() *Executor {
	return &Executor{
		exits: make(chan Exit, 64),
		log:   logger.Get().Named("executor"),
	}
}

// Exits is the channel the control loop selects on to receive process
// exit notifications.
func (e *Executor) Exits() <-chan Exit { return e.exits }

// Launch starts a script and returns its PID immediately. A watcher
// goroutine waits on the child and pushes an Exit event when it dies.
// The shell preamble sources the accumulated env files, in order,
// before handing over to the script.
func (e *Executor) Launch(spec run.ProcessSpec) (int, error) {
	var sb strings.Builder
	for _, f := range spec.EnvFiles {
		fmt.Fprintf(&sb, ". %s\n", shellQuote(f))
	}
	fmt.Fprintf(&sb, "exec %s\n", shellQuote(spec.Path))

	cmd := exec.Command("/bin/sh", "-c", sb.String())
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	pid := cmd.Process.Pid
	e.log.Debug("script launched",
		zap.String("path", spec.Path),
		zap.Int("pid", pid),
	)

	go func() {
		status := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				status = exitErr.ExitCode()
			} else {
				status = -1
			}
		}
		e.exits <- Exit{Run: spec.Owner, PID: pid, Status: status}
	}()

	return pid, nil
}

// Kill signals the process group with SIGTERM. The exit still arrives
// through the watcher, so the run's Reaped is called exactly once.
func (e *Executor) Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
