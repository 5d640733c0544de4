package language

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// ID identifies a supported language
type ID int

// Supported languages
const (
	Python ID = iota
	JavaScript
	Java
	C
	CPP

	numIDs
)

var names = [numIDs]string{
	Python:     "python",
	JavaScript: "javascript",
	Java:       "java",
	C:          "c",
	CPP:        "c++",
}

// configKeys are the keys used under the languages config section
var configKeys = [numIDs]string{
	Python:     "python",
	JavaScript: "javascript",
	Java:       "java",
	C:          "c",
	CPP:        "cpp",
}

var aliases = map[string]ID{
	"py":      Python,
	"python3": Python,
	"js":      JavaScript,
	"node":    JavaScript,
	"nodejs":  JavaScript,
	"cpp":     CPP,
	"cxx":     CPP,
}

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("language(%d)", int(id))
	}
	return names[id]
}

// Valid reports whether id is one of the supported languages
func (id ID) Valid() bool {
	return id >= 0 && id < numIDs
}

// ConfigKey returns the key of this language in the languages config section
func (id ID) ConfigKey() string {
	if !id.Valid() {
		return ""
	}
	return configKeys[id]
}

// Aliases returns the alternative names accepted for id, sorted
func (id ID) Aliases() []string {
	var out []string
	for alias, target := range aliases {
		if target == id {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// IDs returns every supported language in declaration order
func IDs() []ID {
	ids := make([]ID, 0, numIDs)
	for id := ID(0); id < numIDs; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Parse maps a case-insensitive name or alias to its ID
func Parse(name string) (ID, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return 0, false
	}
	for id := ID(0); id < numIDs; id++ {
		if names[id] == key {
			return id, true
		}
	}
	id, ok := aliases[key]
	return id, ok
}

// Vars are the values substituted into command templates
type Vars struct {
	Dir string // workspace root
	Src string // source file path
	Bin string // compiled binary path
}

// Command is a parsed command template: argv with {dir}, {src} and {bin} placeholders
type Command []string

// ParseCommand splits a template with shell-like quoting rules. The result is
// executed directly and never handed to a shell.
func ParseCommand(tpl string) (Command, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, nil
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", tpl, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command template %q is empty after parsing", tpl)
	}
	return Command(fields), nil
}

// Expand substitutes placeholders in every argument
func (c Command) Expand(v Vars) []string {
	if len(c) == 0 {
		return nil
	}
	r := strings.NewReplacer("{dir}", v.Dir, "{src}", v.Src, "{bin}", v.Bin)
	out := make([]string, len(c))
	for i, arg := range c {
		out[i] = r.Replace(arg)
	}
	return out
}

func (c Command) String() string {
	return strings.Join(c, " ")
}

// Profile describes how to build and run programs of one language
type Profile struct {
	ID             ID
	FileExtension  string
	SourceFile     string
	BinaryFile     string
	CompileCommand Command
	RunCommand     Command
	IsolationImage string
	Environment    map[string]string
}

// Name returns the canonical language name
func (p Profile) Name() string {
	return p.ID.String()
}

// Compiled reports whether the profile has a compile step
func (p Profile) Compiled() bool {
	return len(p.CompileCommand) > 0
}

// Containerized reports whether the profile runs inside an isolation image
func (p Profile) Containerized() bool {
	return p.IsolationImage != ""
}

// EnvList returns the environment as sorted KEY=VALUE pairs
func (p Profile) EnvList() []string {
	keys := slices.Sorted(maps.Keys(p.Environment))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Environment[k])
	}
	return env
}

func (p Profile) clone() Profile {
	p.CompileCommand = slices.Clone(p.CompileCommand)
	p.RunCommand = slices.Clone(p.RunCommand)
	p.Environment = maps.Clone(p.Environment)
	return p
}
