// Package notify is the outbound side of the pipeline: room messages and
// lifecycle events.
//
// The orchestrator only sees Port. Dispatcher implements it by persisting
// messages to the room log and fanning messages and events out to Sinks: a zap
// LogSink, the in-process websocket Hub and the redis RedisSink for
// multi-instance deployments. Sink failures are logged and never fail the
// pipeline.
package notify
