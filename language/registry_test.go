package language

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		want ID
	}{
		{"python", Python},
		{"PYTHON", Python},
		{" Py ", Python},
		{"python3", Python},
		{"javascript", JavaScript},
		{"JavaScript", JavaScript},
		{"node", JavaScript},
		{"nodejs", JavaScript},
		{"java", Java},
		{"C", C},
		{"c++", CPP},
		{"cpp", CPP},
		{"CXX", CPP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := Parse(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, id)
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		for _, name := range []string{"", "brainfuck", "go", "c#"} {
			_, ok := Parse(name)
			assert.False(t, ok, name)
		}
	})
}

func TestIDs(t *testing.T) {
	ids := IDs()
	require.Len(t, ids, 5)
	for _, id := range ids {
		assert.True(t, id.Valid())
		assert.NotEmpty(t, id.String())
		assert.NotEmpty(t, id.ConfigKey())
	}
	assert.Equal(t, "c++", CPP.String())
	assert.Equal(t, "cpp", CPP.ConfigKey())
	assert.Equal(t, []string{"js", "node", "nodejs"}, JavaScript.Aliases())
	assert.False(t, ID(42).Valid())
	assert.Equal(t, "language(42)", ID(42).String())
}

func TestCommand(t *testing.T) {
	t.Run("ParseAndExpand", func(t *testing.T) {
		cmd, err := ParseCommand(`javac -d {dir} "{src}"`)
		require.NoError(t, err)

		argv := cmd.Expand(Vars{Dir: "/scratch/run 1", Src: "/scratch/run 1/Main.java"})
		assert.Equal(t, []string{"javac", "-d", "/scratch/run 1", "/scratch/run 1/Main.java"}, argv)
	})

	t.Run("ExpansionNeverSplitsValues", func(t *testing.T) {
		cmd, err := ParseCommand("{bin}")
		require.NoError(t, err)

		argv := cmd.Expand(Vars{Bin: "/tmp/a b; rm -rf /"})
		assert.Equal(t, []string{"/tmp/a b; rm -rf /"}, argv)
	})

	t.Run("EmptyTemplate", func(t *testing.T) {
		cmd, err := ParseCommand("   ")
		require.NoError(t, err)
		assert.Nil(t, cmd)
		assert.Nil(t, cmd.Expand(Vars{}))
	})

	t.Run("UnterminatedQuote", func(t *testing.T) {
		_, err := ParseCommand(`python3 "{src}`)
		require.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("BuiltinProfiles", func(t *testing.T) {
		reg, err := NewRegistry(nil, false)
		require.NoError(t, err)

		for _, p := range reg.List() {
			assert.NotEmpty(t, p.RunCommand, p.Name())
			assert.NotEmpty(t, p.SourceFile, p.Name())
			assert.NotEmpty(t, p.FileExtension, p.Name())
		}

		java := reg.Profile(Java)
		assert.Equal(t, "Main.java", java.SourceFile)
		assert.True(t, java.Compiled())

		python := reg.Profile(Python)
		assert.False(t, python.Compiled())
		assert.Equal(t, "main.py", python.SourceFile)
	})

	t.Run("ResolveIsCaseInsensitive", func(t *testing.T) {
		reg, err := NewRegistry(nil, false)
		require.NoError(t, err)

		p, err := reg.Resolve("C++")
		require.NoError(t, err)
		assert.Equal(t, CPP, p.ID)
		assert.Equal(t, "c++", p.Name())
	})

	t.Run("ResolveUnsupported", func(t *testing.T) {
		reg, err := NewRegistry(nil, false)
		require.NoError(t, err)

		_, err = reg.Resolve("brainfuck")
		require.Error(t, err)
		assert.ErrorIs(t, err, apperror.ErrUnsupportedLanguage)
		assert.ErrorIs(t, err, apperror.ErrValidation)
	})

	t.Run("Overrides", func(t *testing.T) {
		reg, err := NewRegistry(map[ID]Override{
			Python: {
				Image:       "python:3.12-slim",
				RunCmd:      "python3 -u {src}",
				Environment: map[string]string{"PYTHONHASHSEED": "0", "A": "1"},
			},
		}, false)
		require.NoError(t, err)

		p := reg.Profile(Python)
		assert.Equal(t, "python:3.12-slim", p.IsolationImage)
		assert.True(t, p.Containerized())
		assert.Equal(t, Command{"python3", "-u", "{src}"}, p.RunCommand)
		assert.Equal(t, []string{"A=1", "PYTHONHASHSEED=0"}, p.EnvList())
	})

	t.Run("NativeDropsImages", func(t *testing.T) {
		reg, err := NewRegistry(map[ID]Override{Python: {Image: "python:3.12-slim"}}, true)
		require.NoError(t, err)

		assert.False(t, reg.Profile(Python).Containerized())
	})

	t.Run("InvalidOverride", func(t *testing.T) {
		_, err := NewRegistry(map[ID]Override{C: {CompileCmd: `gcc "unterminated`}}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "language c")
	})

	t.Run("ProfilesAreCopies", func(t *testing.T) {
		reg, err := NewRegistry(map[ID]Override{Python: {Environment: map[string]string{"A": "1"}}}, false)
		require.NoError(t, err)

		p := reg.Profile(Python)
		p.Environment["A"] = "changed"
		p.RunCommand[0] = "evil"

		again := reg.Profile(Python)
		assert.Equal(t, "1", again.Environment["A"])
		assert.Equal(t, "python3", again.RunCommand[0])
	})
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{
		Sandbox: config.SandboxConfig{Backend: "docker"},
		Languages: map[string]config.LanguageConfig{
			"cpp":  {Image: "gcc:14"},
			"java": {Image: "eclipse-temurin:21-jdk", Environment: map[string]string{"JAVA_TOOL_OPTIONS": "-Xss8m"}},
		},
	}

	reg, err := NewRegistryFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "gcc:14", reg.Profile(CPP).IsolationImage)
	assert.Equal(t, "-Xss8m", reg.Profile(Java).Environment["JAVA_TOOL_OPTIONS"])
	assert.False(t, reg.Profile(Python).Containerized())

	cfg.Sandbox.Backend = "local"
	reg, err = NewRegistryFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, reg.Profile(CPP).Containerized())
}
