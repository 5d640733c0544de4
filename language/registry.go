package language

import (
	"fmt"
	"maps"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
)

type builtinProfile struct {
	ext     string
	source  string
	binary  string
	compile string
	run     string
}

// Java requires the public class Main to live in Main.java.
var builtins = [numIDs]builtinProfile{
	Python:     {ext: "py", source: "main.py", run: "python3 {src}"},
	JavaScript: {ext: "js", source: "main.js", run: "node {src}"},
	Java:       {ext: "java", source: "Main.java", compile: "javac -d {dir} {src}", run: "java -cp {dir} Main"},
	C:          {ext: "c", source: "main.c", binary: "main", compile: "gcc -O2 -o {bin} {src} -lm", run: "{bin}"},
	CPP:        {ext: "cpp", source: "main.cpp", binary: "main", compile: "g++ -std=c++17 -O2 -o {bin} {src}", run: "{bin}"},
}

// Override replaces parts of a built-in profile. Empty fields keep the default.
type Override struct {
	Image       string
	CompileCmd  string
	RunCmd      string
	Environment map[string]string
}

// Registry is the immutable table of language profiles
type Registry struct {
	profiles [numIDs]Profile
}

// NewRegistry builds the registry from the built-in table and overrides.
// When native is true every profile drops its isolation image.
func NewRegistry(overrides map[ID]Override, native bool) (*Registry, error) {
	r := &Registry{}
	for _, id := range IDs() {
		def := builtins[id]
		ov := overrides[id]

		compileTpl := def.compile
		if ov.CompileCmd != "" {
			compileTpl = ov.CompileCmd
		}
		runTpl := def.run
		if ov.RunCmd != "" {
			runTpl = ov.RunCmd
		}

		compileCmd, err := ParseCommand(compileTpl)
		if err != nil {
			return nil, fmt.Errorf("language %s: %w", id, err)
		}
		runCmd, err := ParseCommand(runTpl)
		if err != nil {
			return nil, fmt.Errorf("language %s: %w", id, err)
		}
		if len(runCmd) == 0 {
			return nil, fmt.Errorf("language %s: run command is required", id)
		}

		image := ov.Image
		if native {
			image = ""
		}

		r.profiles[id] = Profile{
			ID:             id,
			FileExtension:  def.ext,
			SourceFile:     def.source,
			BinaryFile:     def.binary,
			CompileCommand: compileCmd,
			RunCommand:     runCmd,
			IsolationImage: image,
			Environment:    maps.Clone(ov.Environment),
		}
	}
	return r, nil
}

// NewRegistryFromConfig builds the registry from the languages config section
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	overrides := make(map[ID]Override, len(cfg.Languages))
	for _, id := range IDs() {
		lc, ok := cfg.Languages[id.ConfigKey()]
		if !ok {
			continue
		}
		overrides[id] = Override{
			Image:       lc.Image,
			CompileCmd:  lc.CompileCmd,
			RunCmd:      lc.RunCmd,
			Environment: lc.Environment,
		}
	}
	return NewRegistry(overrides, cfg.Sandbox.Backend == "local")
}

// Resolve returns the profile for a case-insensitive language name or alias
func (r *Registry) Resolve(name string) (Profile, error) {
	id, ok := Parse(name)
	if !ok {
		return Profile{}, apperror.UnsupportedLanguage(name)
	}
	return r.profiles[id].clone(), nil
}

// Profile returns the profile of a known ID
func (r *Registry) Profile(id ID) Profile {
	return r.profiles[id].clone()
}

// List returns every profile in declaration order
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, numIDs)
	for _, id := range IDs() {
		out = append(out, r.profiles[id].clone())
	}
	return out
}
