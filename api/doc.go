// Package api exposes the execution engine over REST.
//
// Routes:
//
//	POST /v1/execute                 {language, code, input?} or {templateId, input?}
//	POST /v1/templates/{id}/execute  {input?}
//	GET  /v1/languages
//	GET  /healthz
//	GET  /metrics
//
// Failures are returned as {error, message} with the status derived from
// the apperror kind.
package api
