// Package domain holds the records and job payloads shared by the dispatch
// engine: connection records, broadcasts, scheduled campaigns, appointments
// and the message log.
package domain
