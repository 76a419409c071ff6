// Package storage persists connection records, broadcasts, the message log,
// scheduled work and durable job state.
//
// Every driver implements the same Store. The SQL drivers share one
// implementation; timestamps are stored as unix milliseconds and structured
// fields as JSON text so the schema runs unchanged on SQLite and PostgreSQL.
package storage
