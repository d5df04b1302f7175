// Package audit implements the Audit Middleware (§4.7): it captures every
// inbound request, persists it when enabled, and fans it out to stdout/HTTP/
// ClickHouse forwarders — without ever allowing an audit failure to fail the
// request it describes.
//
// Grounded on the teacher's internal/logger.Logger buffered-channel +
// background-flush pattern, generalized from its fixed RequestLog shape into
// the audit Record shape named by §3/§4.7.
package audit

import "time"

// Record is one captured request (§3 AuditLog, §4.7).
type Record struct {
	Timestamp  time.Time
	Method     string
	Path       string
	User       string
	AuthType   string
	StatusCode int
	DurationMs int64
	Metadata   map[string]string
}
