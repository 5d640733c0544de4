// Package sandbox runs untrusted programs under a deadline.
//
// A Strategy turns a prepared workspace and a language profile into an
// Outcome. The NativeStrategy runs host toolchains through the process
// Launcher; the ContainerStrategy drives the docker or podman CLI; the
// DockerAPIStrategy talks to the Docker Engine API directly. Every strategy
// compiles first when the profile requires it and shares one deadline budget
// between compile and run.
//
// The Launcher spawns commands from argv, never through a shell, places the
// child in its own process group and kills the whole group when the deadline
// fires. Captured output is capped per stream.
//
// BuildResult maps an Outcome onto the public Result, and the Reaper runs
// per-request cleanup on every exit path.
//
// Usage:
//
//	strategies, err := sandbox.NewStrategies(cfg, logger)
//	strategy, err := strategies.For(profile)
//	reaper := sandbox.NewReaper(logger)
//	defer reaper.Reap()
//	outcome, err := strategy.Execute(ctx, sandbox.Job{Profile: profile, Workspace: ws, Deadline: 10 * time.Second, Reaper: reaper})
//	result := sandbox.BuildResult(outcome, err, sandbox.StderrPolicyContainerized)
package sandbox
