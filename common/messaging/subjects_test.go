package messaging

import (
	"strings"
	"testing"
)

func TestRoutingKeyConstants_FollowNamingConvention(t *testing.T) {
	// Keys should follow the pattern: {domain}.{entity}.{action}
	keys := []string{
		KeyAPIRequestCompleted,
		KeyDatabaseDocumentCreated,
		KeyDatabaseDocumentUpdated,
		KeyDatabaseDocumentDeleted,
		KeyRealtimeDocumentCreated,
		KeyRealtimeDocumentUpdated,
		KeyRealtimeDocumentDeleted,
		KeyStorageFileUploaded,
		KeyStorageFileDeleted,
		KeyAuthUserSignedUp,
		KeyAuthUserLoggedIn,
		KeyAuthUserLoggedOut,
		KeyAuthUserLoginFailed,
		KeyAppApplicationCreated,
		KeyAppApplicationDeleted,
	}

	for _, key := range keys {
		if parts := strings.Split(key, "."); len(parts) != 3 {
			t.Errorf("routing key %q does not follow {domain}.{entity}.{action} pattern", key)
		}
		if err := ValidateRoutingKey(key); err != nil {
			t.Errorf("routing key %q is invalid: %v", key, err)
		}
	}
}

func TestRPCKeys_MatchStatsConvention(t *testing.T) {
	keys := []string{RPCAnalyticsStats, RPCRealtimeStats, RPCStorageStats, RPCDatabaseStats}

	for _, key := range keys {
		if !MatchTopic("*.stats.request", key) {
			t.Errorf("RPC key %q should match *.stats.request", key)
		}
	}
}

func TestRPCQueueName(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"realtime.stats.request", "rpc.realtime.stats.request"},
		{"storage.stats.request", "rpc.storage.stats.request"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := RPCQueueName(tt.key); got != tt.expected {
				t.Errorf("RPCQueueName(%q) = %q, want %q", tt.key, got, tt.expected)
			}
		})
	}
}

func TestRPCQueueName_Deterministic(t *testing.T) {
	// Restarts must reattach to the same queue
	if RPCQueueName(RPCRealtimeStats) != RPCQueueName(RPCRealtimeStats) {
		t.Error("RPCQueueName should be deterministic")
	}
}

func TestDeadLetterKey(t *testing.T) {
	got := DeadLetterKey(QueueAnalyticsEvents)
	if got != "deadletter.analytics.events" {
		t.Errorf("DeadLetterKey() = %q", got)
	}
	if !MatchTopic(DeadLetterPrefix+".#", got) {
		t.Errorf("dead letter key %q should match %s.#", got, DeadLetterPrefix)
	}
}
