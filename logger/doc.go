// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Every entry carries the service name, and execution
// scoped loggers add the execution id and language.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("Application started")
//	logger.ForExecution(log, id, "python").Debug("state", zap.String("state", "running"))
package logger
