package messaging

// Routing keys for the Nimbus event bus.
// Follow the pattern: {domain}.{entity}.{action}
const (
	// API gateway request telemetry
	KeyAPIRequestCompleted = "api.request.completed"

	// Document storage mutations
	KeyDatabaseDocumentCreated = "database.document.created"
	KeyDatabaseDocumentUpdated = "database.document.updated"
	KeyDatabaseDocumentDeleted = "database.document.deleted"

	// Realtime document storage mutations
	KeyRealtimeDocumentCreated = "realtime.document.created"
	KeyRealtimeDocumentUpdated = "realtime.document.updated"
	KeyRealtimeDocumentDeleted = "realtime.document.deleted"

	// File storage
	KeyStorageFileUploaded = "storage.file.uploaded"
	KeyStorageFileDeleted  = "storage.file.deleted"

	// Identity
	KeyAuthUserSignedUp    = "auth.user.signedup"
	KeyAuthUserLoggedIn    = "auth.user.loggedin"
	KeyAuthUserLoggedOut   = "auth.user.loggedout"
	KeyAuthUserLoginFailed = "auth.user.loginfailed"

	// Application registry
	KeyAppApplicationCreated = "app.application.created"
	KeyAppApplicationDeleted = "app.application.deleted"
)

// RPC routing keys. Each service owns the stats key for its own domain.
const (
	RPCAnalyticsStats = "analytics.stats.request"
	RPCRealtimeStats  = "realtime.stats.request"
	RPCStorageStats   = "storage.stats.request"
	RPCDatabaseStats  = "database.stats.request"
)

// Queue names for durable consumers.
const (
	QueueAnalyticsEvents = "analytics.events"
	QueueDeadLetter      = "nimbus.deadletter"
)

// DeadLetterPrefix prefixes the routing key of parked messages.
const DeadLetterPrefix = "deadletter"

// RPCQueueName returns the deterministic responder queue for a routing key.
// Example: rpc.realtime.stats.request
func RPCQueueName(routingKey string) string {
	return "rpc." + routingKey
}

// DeadLetterKey returns the routing key a failed message from queue is parked under.
// Example: deadletter.analytics.events
func DeadLetterKey(queue string) string {
	return DeadLetterPrefix + "." + queue
}
