package mqtt

import (
	"encoding/json"
	"strings"
	"time"
)

// Presence states and reasons published on the presence topic.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"

	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

// presencePayload is the retained JSON document on the presence topic.
type presencePayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PresenceTopic returns the retained status topic for a client.
//
// Example: PresenceTopic("mqttsession", "console-01") returns
// "mqttsession/console-01/status".
func PresenceTopic(prefix, clientID string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + clientID + "/status"
}

// buildPresencePayload creates the JSON payload for a presence message.
func buildPresencePayload(clientID, status, reason string) []byte {
	payload, _ := json.Marshal(presencePayload{ //nolint:errchkjson // string fields only
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}
