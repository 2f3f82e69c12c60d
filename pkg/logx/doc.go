// Package logx is catalogd's logging layer: a thin Logger over zerolog whose
// sinks (pretty console, JSON console, append-only file) are rebuilt by
// Service.Apply when the config reloads. Loggers derived with With keep
// following the service, so components never need to be handed a new one.
package logx
