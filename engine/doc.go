// Package engine orchestrates code executions.
//
// An Engine validates a Request, resolves templates and language profiles,
// waits for a concurrency slot, materializes the source in a fresh workspace,
// dispatches to the sandbox strategy for the profile and builds the Result.
// Every resource allocated for a request is released by a per-request
// sandbox.Reaper before Execute returns.
//
// The engine has no knowledge of transports. The api and mcpserver packages
// adapt it to REST and MCP.
package engine
