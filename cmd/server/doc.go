// Package main is the entry point for the runbox execution server.
//
// runbox compiles and runs untrusted programs (Python, JavaScript, Java, C,
// C++) in throwaway workspaces, either inside docker or podman containers or
// directly on the host when the local backend is enabled. It is served over
// REST or as a Model Context Protocol server on stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
