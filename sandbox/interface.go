package sandbox

import (
	"context"
	"time"

	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/workspace"
)

// Phase names the step of an execution
type Phase string

// Execution phases
const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Command describes one child process. Args[0] is executed directly.
type Command struct {
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

// ProcessResult is what the Launcher observed about one child process
type ProcessResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Launcher starts a command and races it against a deadline
type Launcher interface {
	Launch(ctx context.Context, cmd Command, deadline time.Duration) (ProcessResult, error)
}

// Job is one prepared execution handed to a Strategy
type Job struct {
	Profile   language.Profile
	Workspace *workspace.Workspace
	Stdin     string
	Deadline  time.Duration
	Reaper    *Reaper
}

// Outcome is the last phase a Strategy ran and what it produced
type Outcome struct {
	Phase         Phase
	Process       ProcessResult
	Containerized bool
}

// Strategy executes a Job. A returned error means the strategy itself failed
// (runtime unavailable, toolchain missing); program failures are reported in
// the Outcome.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, job Job) (Outcome, error)
}

// phaseFunc runs a single phase with the given argv
type phaseFunc func(ctx context.Context, phase Phase, argv []string, stdin string, deadline time.Duration) (ProcessResult, error)

// runPhases compiles when the profile requires it and then runs, sharing the
// job deadline between both phases. A failed compile never reaches the run
// phase.
func runPhases(ctx context.Context, job Job, vars language.Vars, run phaseFunc) (Outcome, error) {
	var outcome Outcome
	remaining := job.Deadline

	if job.Profile.Compiled() {
		res, err := run(ctx, PhaseCompile, job.Profile.CompileCommand.Expand(vars), "", remaining)
		outcome.Phase = PhaseCompile
		outcome.Process = res
		if err != nil || res.TimedOut || res.ExitCode != 0 || res.Stderr != "" {
			return outcome, err
		}
		remaining -= res.Duration
		if remaining <= 0 {
			outcome.Process.TimedOut = true
			return outcome, nil
		}
	}

	res, err := run(ctx, PhaseRun, job.Profile.RunCommand.Expand(vars), job.Stdin, remaining)
	outcome.Phase = PhaseRun
	outcome.Process = res
	return outcome, err
}
