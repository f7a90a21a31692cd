package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService       = "service"
	FieldUserID        = "user_id"
	FieldOwnerID       = "owner_id"
	FieldAppID         = "app_id"
	FieldIP            = "ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldRoutingKey    = "routing_key"
	FieldQueue         = "queue"
	FieldCorrelationID = "correlation_id"
	FieldAttempt       = "attempt"
	FieldPeriod        = "period"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// UserID returns a slog attribute for the end-user ID.
func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

// OwnerID returns a slog attribute for the tenant that owns an application.
func OwnerID(id string) slog.Attr {
	return slog.String(FieldOwnerID, id)
}

// AppID returns a slog attribute for the application ID.
func AppID(id string) slog.Attr {
	return slog.String(FieldAppID, id)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// RoutingKey returns a slog attribute for a broker routing key.
func RoutingKey(key string) slog.Attr {
	return slog.String(FieldRoutingKey, key)
}

// Queue returns a slog attribute for a broker queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// CorrelationID returns a slog attribute for an RPC correlation ID.
func CorrelationID(id string) slog.Attr {
	return slog.String(FieldCorrelationID, id)
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Period returns a slog attribute for an aggregation granularity.
func Period(p string) slog.Attr {
	return slog.String(FieldPeriod, p)
}
