// Package audit fans security events out to log, Kafka, Elasticsearch and
// ClickHouse sinks through a buffered asynchronous dispatcher.
//
// Callers record events through a Recorder. Raw phone numbers handed to the
// recorder are masked and envelope-encrypted on the dispatcher goroutine and
// never reach a sink in clear text.
package audit
