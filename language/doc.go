// Package language holds the registry of supported languages.
//
// Languages form a closed enumeration (ID). Each ID maps to an immutable
// Profile describing how to materialize and run a program: the fixed source
// file name, optional compile command, run command, and an optional
// isolation image that selects the containerized execution strategy.
//
// Command templates are split into argv once with shlex and expanded per
// token, so user input never passes through a shell.
//
// Usage:
//
//	reg, err := language.NewRegistryFromConfig(cfg)
//	profile, err := reg.Resolve("Python")
//	argv := profile.RunCommand.Expand(language.Vars{Src: "/tmp/ws/main.py"})
package language
