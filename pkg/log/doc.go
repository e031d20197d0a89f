/*
Package log provides structured logging for ClawSats using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. The serve daemon logs JSON lines; interactive CLI
commands use the human console writer.

Context helpers attach the fields the rest of the runtime keys on:

	dispatchLog := log.WithComponent("dispatcher")
	dispatchLog.Info().Str("capability", "echo").Int64("sats", 10).Msg("paid call served")

	peerLog := log.WithPeer(identityKey)
	peerLog.Warn().Msg("invitation signature rejected")

Identity keys are truncated to 16 chars in log fields; full keys only ever
appear in wire payloads, never in logs.
*/
package log
