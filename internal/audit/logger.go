package audit

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Action names for link lifecycle events.
const (
	ActionCreateLink       = "create_link"
	ActionRefreshLink      = "refresh_link"
	ActionInvalidateLink   = "invalidate_link"
	ActionDeleteLink       = "delete_link"
	ActionGetAccessToken   = "get_access_token"
	ActionValidatePassport = "validate_passport"
)

// Event is one structured audit record for a link lifecycle outcome.
// Emission is fire-and-forget: a failed emit never fails the operation.
type Event struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	UserID         string    `json:"user_id,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	ExternalUserID string    `json:"external_user_id,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

var auditLogger = log.Output(os.Stdout).With().Logger()

// Log records an audit event.
func Log(action, userID, provider, externalUserID string, success bool, err error) {
	event := Event{
		EventID:        uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		Action:         action,
		UserID:         userID,
		Provider:       provider,
		ExternalUserID: externalUserID,
		Success:        success,
	}
	if err != nil {
		event.Error = err.Error()
	}

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		// Fallback to unstructured logging if JSON marshaling fails
		auditLogger.Error().
			Str("action", action).
			Str("user_id", userID).
			Str("provider", provider).
			Bool("success", success).
			Err(err).
			Msg("Audit Log (fallback)")
		return
	}
	auditLogger.Log().RawJSON("audit_event", entry).Msg("")
}
