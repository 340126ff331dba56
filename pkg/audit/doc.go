// Package audit records who did what on the hub: logins, server
// lifecycle changes, token and role mutations, denied requests.
// Events flow to one or more Sinks; MemorySink backs the admin API,
// FileSink writes JSON lines locally, and S3Archiver batches events
// into object storage for retention.
package audit
