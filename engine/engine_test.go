package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/template"
	"github.com/isdmx/runbox/workspace"
)

// MockStrategy implements sandbox.Strategy for testing
type MockStrategy struct {
	execute func(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error)

	mu   sync.Mutex
	jobs []sandbox.Job
}

func (*MockStrategy) Name() string {
	return "mock"
}

func (m *MockStrategy) Execute(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error) {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()

	if m.execute != nil {
		return m.execute(ctx, job)
	}
	return sandbox.Outcome{Phase: sandbox.PhaseRun}, nil
}

func (m *MockStrategy) Jobs() []sandbox.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sandbox.Job(nil), m.jobs...)
}

// MockSelector implements StrategySelector for testing
type MockSelector struct {
	strategy sandbox.Strategy
	err      error
}

func (m *MockSelector) For(language.Profile) (sandbox.Strategy, error) {
	return m.strategy, m.err
}

// echoSource runs the program by reporting its source file and stdin back
func echoSource(_ context.Context, job sandbox.Job) (sandbox.Outcome, error) {
	code, err := os.ReadFile(job.Workspace.Path(job.Profile.SourceFile))
	if err != nil {
		return sandbox.Outcome{}, err
	}
	return sandbox.Outcome{
		Phase:   sandbox.PhaseRun,
		Process: sandbox.ProcessResult{Stdout: string(code) + "|" + job.Stdin},
	}, nil
}

type fixture struct {
	engine   *Engine
	strategy *MockStrategy
	root     string
}

func newFixture(t *testing.T, strategy *MockStrategy, opts Options, templates ...template.Template) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := language.NewRegistry(nil, true)
	require.NoError(t, err)

	root := t.TempDir()
	workspaces := workspace.NewManager(logger, root)

	if strategy == nil {
		strategy = &MockStrategy{execute: echoSource}
	}

	e := New(logger, registry, workspaces, &MockSelector{strategy: strategy}, template.NewMemoryResolver(templates...), opts)
	return &fixture{engine: e, strategy: strategy, root: root}
}

// workspaceCount returns the number of workspace directories under the scratch root
func (f *fixture) workspaceCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	return len(entries)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestNew(t *testing.T) {
	f := newFixture(t, nil, Options{})
	assert.Equal(t, DefaultTimeout, f.engine.opts.Timeout)
	assert.Equal(t, DefaultMaxTimeout, f.engine.opts.MaxTimeout)
	assert.Equal(t, DefaultMaxConcurrency, f.engine.opts.MaxConcurrency)
	assert.Equal(t, sandbox.StderrPolicyContainerized, f.engine.opts.StderrPolicy)

	f = newFixture(t, nil, Options{Timeout: time.Minute, MaxTimeout: time.Second})
	assert.Equal(t, time.Minute, f.engine.opts.MaxTimeout)

	assert.Len(t, f.engine.Languages(), 5)
}

func TestExecute(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		result, err := f.engine.Execute(context.Background(), Request{
			Language: "Python",
			Code:     "print('hi')",
			Stdin:    "abc",
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompleted, result.Status)
		assert.Equal(t, "print('hi')|abc", result.Stdout)
		assert.Equal(t, "python", result.Language)
		assert.Len(t, result.ID, 26)
		require.NotNil(t, result.ExitCode)
		assert.Equal(t, 0, *result.ExitCode)
		assert.NoError(t, result.Err())

		jobs := f.strategy.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, language.Python, jobs[0].Profile.ID)
		assert.NotNil(t, jobs[0].Reaper)
	})

	t.Run("WorkspaceRemovedAfterExecution", func(t *testing.T) {
		var path string
		strategy := &MockStrategy{execute: func(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error) {
			path = job.Workspace.RootPath
			assert.DirExists(t, path)
			assert.FileExists(t, filepath.Join(path, "Main.java"))
			return echoSource(ctx, job)
		}}
		f := newFixture(t, strategy, Options{})

		_, err := f.engine.Execute(context.Background(), Request{Language: "java", Code: "class Main {}"})
		require.NoError(t, err)
		assert.NoDirExists(t, path)
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("UnsupportedLanguageAllocatesNothing", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		_, err := f.engine.Execute(context.Background(), Request{Language: "brainfuck", Code: "+[]"})
		require.ErrorIs(t, err, apperror.ErrValidation)
		assert.ErrorIs(t, err, apperror.ErrUnsupportedLanguage)
		assert.Equal(t, "language", apperror.FieldOf(err))
		assert.Empty(t, f.strategy.Jobs())
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		tests := []struct {
			name  string
			req   Request
			field string
		}{
			{name: "MissingLanguage", req: Request{Code: "x"}, field: "language"},
			{name: "MissingCode", req: Request{Language: "python", Code: "   "}, field: "code"},
			{name: "BothForms", req: Request{Language: "python", Code: "x", TemplateID: int64Ptr(1)}, field: "templateId"},
			{name: "NonPositiveTemplate", req: Request{TemplateID: int64Ptr(0)}, field: "templateId"},
			{name: "NegativeTimeout", req: Request{Language: "python", Code: "x", Timeout: -time.Second}, field: "timeoutMs"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.engine.Execute(context.Background(), tt.req)
				require.ErrorIs(t, err, apperror.ErrValidation)
				assert.Equal(t, tt.field, apperror.FieldOf(err))
			})
		}
		assert.Empty(t, f.strategy.Jobs())
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("TemplateNotFound", func(t *testing.T) {
		f := newFixture(t, nil, Options{})

		_, err := f.engine.Execute(context.Background(), Request{TemplateID: int64Ptr(9)})
		require.ErrorIs(t, err, apperror.ErrNotFound)
		assert.Empty(t, f.strategy.Jobs())
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("TemplateMatchesDirect", func(t *testing.T) {
		f := newFixture(t, nil, Options{}, template.Template{ID: 3, Language: "js", Code: "console.log(1)"})

		viaTemplate, err := f.engine.Execute(context.Background(), Request{TemplateID: int64Ptr(3), Stdin: "in"})
		require.NoError(t, err)
		direct, err := f.engine.Execute(context.Background(), Request{Language: "js", Code: "console.log(1)", Stdin: "in"})
		require.NoError(t, err)

		assert.Equal(t, direct.Status, viaTemplate.Status)
		assert.Equal(t, direct.Stdout, viaTemplate.Stdout)
		assert.Equal(t, direct.Stderr, viaTemplate.Stderr)
		assert.Equal(t, "javascript", viaTemplate.Language)
	})

	t.Run("TemplateWithoutCodeAllocatesNothing", func(t *testing.T) {
		f := newFixture(t, nil, Options{}, template.Template{ID: 6, Language: "python", Code: "  \n"})

		_, err := f.engine.Execute(context.Background(), Request{TemplateID: int64Ptr(6)})
		require.ErrorIs(t, err, apperror.ErrValidation)
		assert.Equal(t, "templateId", apperror.FieldOf(err))
		assert.Equal(t, "template 6 has no code", err.Error())
		assert.Empty(t, f.strategy.Jobs())
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("TemplateWithUnknownLanguage", func(t *testing.T) {
		f := newFixture(t, nil, Options{}, template.Template{ID: 4, Language: "cobol", Code: "DISPLAY 'X'."})

		_, err := f.engine.Execute(context.Background(), Request{TemplateID: int64Ptr(4)})
		assert.ErrorIs(t, err, apperror.ErrUnsupportedLanguage)
	})

	t.Run("CompileFailure", func(t *testing.T) {
		diag := "main.c:1:1: error: expected ';'\n"
		strategy := &MockStrategy{execute: func(context.Context, sandbox.Job) (sandbox.Outcome, error) {
			return sandbox.Outcome{Phase: sandbox.PhaseCompile, Process: sandbox.ProcessResult{ExitCode: 1, Stderr: diag}}, nil
		}}
		f := newFixture(t, strategy, Options{})

		result, err := f.engine.Execute(context.Background(), Request{Language: "c", Code: "int main("})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompileFailed, result.Status)
		assert.Equal(t, sandbox.PhaseCompile, result.Phase)

		resErr := result.Err()
		require.ErrorIs(t, resErr, apperror.ErrCompile)
		assert.Equal(t, diag, resErr.Error())
	})

	t.Run("TimedOut", func(t *testing.T) {
		strategy := &MockStrategy{execute: func(context.Context, sandbox.Job) (sandbox.Outcome, error) {
			return sandbox.Outcome{Phase: sandbox.PhaseRun, Process: sandbox.ProcessResult{Stdout: "partial", TimedOut: true}}, nil
		}}
		f := newFixture(t, strategy, Options{})

		result, err := f.engine.Execute(context.Background(), Request{Language: "python", Code: "while True: pass"})
		require.NoError(t, err)
		assert.True(t, result.TimedOut)
		assert.Nil(t, result.ExitCode)
		assert.Equal(t, "partial", result.Stdout)
		assert.ErrorIs(t, result.Err(), apperror.ErrTimeout)
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("StrategyFailureIsInfrastructure", func(t *testing.T) {
		strategy := &MockStrategy{execute: func(context.Context, sandbox.Job) (sandbox.Outcome, error) {
			return sandbox.Outcome{}, apperror.Infrastructure("docker is not available", errors.New("exec: not found"))
		}}
		f := newFixture(t, strategy, Options{})

		result, err := f.engine.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusInfrastructureFailed, result.Status)
		assert.Equal(t, "docker is not available", result.InfrastructureError)
		assert.Nil(t, result.ExitCode)
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("NoStrategyIsInfrastructure", func(t *testing.T) {
		logger := zaptest.NewLogger(t)
		registry, err := language.NewRegistry(nil, true)
		require.NoError(t, err)
		root := t.TempDir()
		e := New(logger, registry, workspace.NewManager(logger, root),
			&MockSelector{err: apperror.Infrastructure("native execution of python is disabled", nil)}, nil, Options{})

		result, err := e.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusInfrastructureFailed, result.Status)

		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = e.Execute(context.Background(), Request{TemplateID: int64Ptr(1)})
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("PanicStillCleansUp", func(t *testing.T) {
		strategy := &MockStrategy{execute: func(context.Context, sandbox.Job) (sandbox.Outcome, error) {
			panic("strategy bug")
		}}
		f := newFixture(t, strategy, Options{})

		assert.Panics(t, func() {
			_, _ = f.engine.Execute(context.Background(), Request{Language: "python", Code: "print(1)"})
		})
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("ContainerCleanupRunsBeforeWorkspace", func(t *testing.T) {
		var order []string
		var root string
		strategy := &MockStrategy{execute: func(_ context.Context, job sandbox.Job) (sandbox.Outcome, error) {
			root = job.Workspace.RootPath
			job.Reaper.Add("container", func(context.Context) error {
				_, err := os.Stat(root)
				order = append(order, fmt.Sprintf("container:%v", err == nil))
				return nil
			})
			return sandbox.Outcome{Phase: sandbox.PhaseRun, Process: sandbox.ProcessResult{TimedOut: true}}, nil
		}}
		f := newFixture(t, strategy, Options{})

		_, err := f.engine.Execute(context.Background(), Request{Language: "python", Code: "x"})
		require.NoError(t, err)
		assert.Equal(t, []string{"container:true"}, order)
		assert.NoDirExists(t, root)
	})
}

func TestDeadline(t *testing.T) {
	f := newFixture(t, nil, Options{Timeout: 2 * time.Second, MaxTimeout: 5 * time.Second})

	tests := []struct {
		name      string
		requested time.Duration
		want      time.Duration
	}{
		{name: "Default", requested: 0, want: 2 * time.Second},
		{name: "Override", requested: 500 * time.Millisecond, want: 500 * time.Millisecond},
		{name: "Capped", requested: time.Hour, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Execute(context.Background(), Request{Language: "python", Code: "x", Timeout: tt.requested})
			require.NoError(t, err)

			jobs := f.strategy.Jobs()
			assert.Equal(t, tt.want, jobs[len(jobs)-1].Deadline)
		})
	}
}

func TestConcurrency(t *testing.T) {
	t.Run("ConcurrentRequestsAreIsolated", func(t *testing.T) {
		var active, peak atomic.Int32
		strategy := &MockStrategy{execute: func(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return echoSource(ctx, job)
		}}
		f := newFixture(t, strategy, Options{MaxConcurrency: 3})

		const n = 12
		results := make([]sandbox.Result, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := f.engine.Execute(context.Background(), Request{
					Language: "python",
					Code:     fmt.Sprintf("token-%d", i),
					Stdin:    fmt.Sprintf("stdin-%d", i),
				})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		ids := make(map[string]bool, n)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("token-%d|stdin-%d", i, i), res.Stdout)
			ids[res.ID] = true
		}
		assert.Len(t, ids, n)
		assert.LessOrEqual(t, peak.Load(), int32(3))
		assert.Zero(t, f.workspaceCount(t))
	})

	t.Run("CancelledWhileQueued", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		strategy := &MockStrategy{execute: func(context.Context, sandbox.Job) (sandbox.Outcome, error) {
			close(started)
			<-release
			return sandbox.Outcome{Phase: sandbox.PhaseRun}, nil
		}}
		f := newFixture(t, strategy, Options{MaxConcurrency: 1})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := f.engine.Execute(context.Background(), Request{Language: "python", Code: "x"})
			assert.NoError(t, err)
		}()
		<-started

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.engine.Execute(ctx, Request{Language: "python", Code: "y"})
		require.ErrorIs(t, err, context.Canceled)

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = f.engine.Execute(ctx, Request{Language: "python", Code: "z"})
		require.ErrorIs(t, err, apperror.ErrTimeout)

		close(release)
		<-done
		assert.Len(t, f.strategy.Jobs(), 1)
	})
}

// The tests below run real host toolchains through the native strategy.

func newNativeEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry, err := language.NewRegistry(nil, true)
	require.NoError(t, err)
	strategies := &sandbox.Strategies{Native: sandbox.NewNativeStrategy(logger)}
	return New(logger, registry, workspace.NewManager(logger, t.TempDir()), strategies, nil, Options{})
}

func requireProcFS(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}
}

func parsePids(t *testing.T, out string) []int {
	t.Helper()
	var pids []int
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		require.NoError(t, err, out)
		pids = append(pids, pid)
	}
	require.NotEmpty(t, pids, "no pids in output")
	return pids
}

// processAlive treats zombies as gone
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return true
	}
	return data[i+2] != 'Z'
}

func requireProcessesGone(t *testing.T, pids ...int) {
	t.Helper()
	for _, pid := range pids {
		require.Eventually(t, func() bool { return !processAlive(pid) }, 2*time.Second, 20*time.Millisecond,
			"process %d still running", pid)
	}
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestNativeToolchains(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		language string
		code     string
	}{
		{name: "Python", tool: "python3", language: "python", code: "print('hello-runbox')"},
		{name: "JavaScript", tool: "node", language: "javascript", code: "console.log('hello-runbox')"},
		{name: "C", tool: "gcc", language: "c", code: "#include <stdio.h>\nint main(void) { puts(\"hello-runbox\"); return 0; }\n"},
		{name: "CPP", tool: "g++", language: "c++", code: "#include <iostream>\nint main() { std::cout << \"hello-runbox\" << std::endl; }\n"},
		{name: "Java", tool: "javac", language: "java", code: "public class Main { public static void main(String[] a) { System.out.println(\"hello-runbox\"); } }\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireTool(t, tt.tool)
			e := newNativeEngine(t)

			result, err := e.Execute(context.Background(), Request{Language: tt.language, Code: tt.code, Timeout: 20 * time.Second})
			require.NoError(t, err)
			assert.Equal(t, sandbox.StatusCompleted, result.Status, result.Stderr)
			assert.Contains(t, result.Stdout, "hello-runbox")
			assert.Empty(t, result.Stderr)
		})
	}

	t.Run("PythonStdin", func(t *testing.T) {
		requireTool(t, "python3")
		e := newNativeEngine(t)

		result, err := e.Execute(context.Background(), Request{
			Language: "py",
			Code:     "import sys\nprint(sys.stdin.read())",
			Stdin:    "abc",
		})
		require.NoError(t, err)
		assert.Contains(t, result.Stdout, "abc")
	})

	t.Run("PythonTimeout", func(t *testing.T) {
		requireTool(t, "python3")
		requireProcFS(t)
		e := newNativeEngine(t)

		start := time.Now()
		result, err := e.Execute(context.Background(), Request{
			Language: "python",
			Code: "import os, subprocess\n" +
				"child = subprocess.Popen(['sleep', '30'])\n" +
				"print(os.getpid(), child.pid, flush=True)\n" +
				"while True:\n    pass\n",
			Timeout: 500 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.True(t, result.TimedOut)
		assert.Equal(t, sandbox.StatusTimedOut, result.Status)
		assert.Less(t, time.Since(start), 5*time.Second)

		pids := parsePids(t, result.Stdout)
		require.Len(t, pids, 2)
		requireProcessesGone(t, pids...)
	})

	t.Run("PythonBackgroundChildKilled", func(t *testing.T) {
		requireTool(t, "python3")
		requireProcFS(t)
		e := newNativeEngine(t)

		result, err := e.Execute(context.Background(), Request{
			Language: "python",
			Code: "import subprocess\n" +
				"child = subprocess.Popen(['sleep', '30'], stdout=subprocess.DEVNULL, stderr=subprocess.DEVNULL)\n" +
				"print(child.pid)\n",
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompleted, result.Status, result.Stderr)

		requireProcessesGone(t, parsePids(t, result.Stdout)...)
	})

	t.Run("ConcurrentPythonRequestsAreIsolated", func(t *testing.T) {
		requireTool(t, "python3")
		e := newNativeEngine(t)

		const n = 10
		results := make([]sandbox.Result, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := e.Execute(context.Background(), Request{
					Language: "python",
					Code:     fmt.Sprintf("import sys\nprint('token-%d|' + sys.stdin.read())", i),
					Stdin:    fmt.Sprintf("stdin-%d", i),
					Timeout:  20 * time.Second,
				})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		for i, res := range results {
			assert.Equal(t, sandbox.StatusCompleted, res.Status, res.Stderr)
			assert.Equal(t, fmt.Sprintf("token-%d|stdin-%d\n", i, i), res.Stdout)
		}
	})

	t.Run("CCompileError", func(t *testing.T) {
		requireTool(t, "gcc")
		e := newNativeEngine(t)

		result, err := e.Execute(context.Background(), Request{Language: "c", Code: "int main(void) { return 0 }\n"})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompileFailed, result.Status)
		assert.Equal(t, sandbox.PhaseCompile, result.Phase)
		assert.Contains(t, result.Stderr, "error")
		assert.Equal(t, result.Stderr, result.Err().Error())
	})
}
