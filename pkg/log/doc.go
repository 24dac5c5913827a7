/*
Package log provides structured logging for Helmsman built on zerolog.

A single global logger is initialized once at process start via Init and
consumed everywhere else through child loggers scoped to a component, task,
or workspace:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("dispatcher")
	logger.Info().Str("task_id", id).Msg("dispatching")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is used when logs are shipped to an aggregator. Level filtering is
global. The helper functions (Info, Warn, ...) cover the simple cases where
no structured fields are needed.
*/
package log
