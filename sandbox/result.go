package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/runbox/apperror"
)

// Status is the terminal state of an execution
type Status string

// Execution statuses
const (
	StatusCompleted            Status = "completed"
	StatusCompileFailed        Status = "compile_failed"
	StatusRuntimeFailed        Status = "runtime_failed"
	StatusTimedOut             Status = "timed_out"
	StatusInfrastructureFailed Status = "infrastructure_failed"
)

// StderrPolicy decides whether stderr output on a zero exit is a failure
type StderrPolicy string

// Stderr policies
const (
	StderrPolicyContainerized StderrPolicy = "containerized"
	StderrPolicyAlways        StderrPolicy = "always"
	StderrPolicyNever         StderrPolicy = "never"
)

// ParseStderrPolicy validates a configured policy name
func ParseStderrPolicy(s string) (StderrPolicy, error) {
	switch p := StderrPolicy(s); p {
	case StderrPolicyContainerized, StderrPolicyAlways, StderrPolicyNever:
		return p, nil
	case "":
		return StderrPolicyContainerized, nil
	default:
		return "", fmt.Errorf("unknown stderr policy: %s", s)
	}
}

func (p StderrPolicy) failsOnStderr(containerized bool) bool {
	switch p {
	case StderrPolicyAlways:
		return true
	case StderrPolicyNever:
		return false
	default:
		return containerized
	}
}

// Result is the public outcome of an execution. Exactly one of TimedOut,
// InfrastructureError and ExitCode is set.
type Result struct {
	ID                  string        `json:"id"`
	Language            string        `json:"language"`
	Stdout              string        `json:"stdout"`
	Stderr              string        `json:"stderr"`
	ExitCode            *int          `json:"exitCode,omitempty"`
	TimedOut            bool          `json:"timedOut"`
	InfrastructureError string        `json:"infrastructureError,omitempty"`
	Status              Status        `json:"status"`
	Phase               Phase         `json:"phase,omitempty"`
	Truncated           bool          `json:"truncated"`
	Duration            time.Duration `json:"-"`
}

// InfrastructureFailure builds the result for a failure before any process ran
func InfrastructureFailure(err error) Result {
	msg := "execution runtime unavailable"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Status:              StatusInfrastructureFailed,
		InfrastructureError: msg,
	}
}

// BuildResult maps a strategy outcome onto a Result
func BuildResult(outcome Outcome, err error, policy StderrPolicy) Result {
	proc := outcome.Process
	r := Result{
		Stdout:    proc.Stdout,
		Stderr:    proc.Stderr,
		Phase:     outcome.Phase,
		Truncated: proc.Truncated,
		Duration:  proc.Duration,
	}

	switch {
	case proc.TimedOut, errors.Is(err, context.DeadlineExceeded):
		r.TimedOut = true
		r.Status = StatusTimedOut
		return r
	case errors.Is(err, context.Canceled):
		r.Status = StatusInfrastructureFailed
		r.InfrastructureError = "execution cancelled"
		return r
	case err != nil:
		r.Status = StatusInfrastructureFailed
		r.InfrastructureError = err.Error()
		return r
	}

	code := proc.ExitCode
	r.ExitCode = &code

	switch {
	case outcome.Phase == PhaseCompile && (code != 0 || proc.Stderr != ""):
		r.Status = StatusCompileFailed
	case code != 0:
		r.Status = StatusRuntimeFailed
	case proc.Stderr != "" && policy.failsOnStderr(outcome.Containerized):
		r.Status = StatusRuntimeFailed
	default:
		r.Status = StatusCompleted
	}
	return r
}

// Err converts a failed Result into the error taxonomy. It returns nil for
// completed executions.
func (r Result) Err() error {
	switch r.Status {
	case StatusCompleted:
		return nil
	case StatusCompileFailed:
		return apperror.Compile(diagnostic(r, "compilation failed"))
	case StatusRuntimeFailed:
		return apperror.Runtime(diagnostic(r, "program exited"))
	case StatusTimedOut:
		return apperror.Timeout()
	case StatusInfrastructureFailed:
		return apperror.Infrastructure(r.InfrastructureError, nil)
	default:
		return fmt.Errorf("unknown execution status %q", r.Status)
	}
}

// Succeeded reports whether the execution completed without error
func (r Result) Succeeded() bool {
	return r.Status == StatusCompleted
}

// Output returns stdout followed by stderr
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" || strings.HasSuffix(r.Stdout, "\n") {
		return r.Stdout + r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

func diagnostic(r Result, what string) string {
	if r.Stderr != "" {
		return r.Stderr
	}
	if r.Stdout != "" {
		return r.Stdout
	}
	if r.ExitCode != nil {
		return fmt.Sprintf("%s with exit code %d", what, *r.ExitCode)
	}
	return what
}
