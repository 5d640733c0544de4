// Package mcpserver exposes the execution engine as Model Context Protocol tools.
//
// Tools:
//
//	execute_code      run source code in a supported language
//	execute_template  run a stored template by id
//	list_languages    list supported languages and their aliases
//
// Every tool answers with a single JSON text content. Rejected requests and
// executions that did not complete are flagged with IsError and carry the
// error kind and message next to the captured output.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, eng)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
