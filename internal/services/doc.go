// Package services wires medagent's components from configuration.
//
// Build turns a config.Config into a Registry holding the logger, telemetry,
// rate limiter, retry executor, cache, gateway, reasoning completer,
// orchestrator and optional event publisher. The CLI and the HTTP server
// both start from a Registry.
package services
