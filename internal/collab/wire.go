package collab

import (
	"encoding/json"
	"time"

	"github.com/strandlabs/controlplane/internal/ot"
)

// Client-to-server message types.
const (
	MsgRegister      = "register"
	MsgOperation     = "operation"
	MsgCursor        = "cursor"
	MsgPresenceJoin  = "presence_join"
	MsgPresenceLeave = "presence_leave"
	MsgSync          = "sync"
	MsgHeartbeat     = "heartbeat"
)

// Server-to-client message types.
const (
	MsgRegistered   = "registered"
	MsgAck          = "ack"
	MsgSynced       = "synced"
	MsgHeartbeatAck = "heartbeat_ack"
	MsgError        = "error"
	MsgIdle         = "idle"
	MsgStale        = "stale"
)

// Error codes carried in error frames.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeNotRegistered    = "NOT_REGISTERED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBlocked          = "BLOCKED"
	CodeBackpressure     = "BACKPRESSURE"
	CodeVersionMismatch  = "VERSION_MISMATCH"
	CodeInvalidOperation = "INVALID_OPERATION"
)

// clientFrame is the union of fields a client may send; Type selects which
// matter.
type clientFrame struct {
	Type           string    `json:"type"`
	DocumentID     string    `json:"document_id,omitempty"`
	UserName       string    `json:"user_name,omitempty"`
	Batch          *ot.Batch `json:"batch,omitempty"`
	Position       *int      `json:"position,omitempty"`
	SelectionStart *int      `json:"selection_start,omitempty"`
	SelectionEnd   *int      `json:"selection_end,omitempty"`
	IsTyping       *bool     `json:"is_typing,omitempty"`
	Version        *int      `json:"version,omitempty"`
}

// frame marshals a server message. Marshal errors cannot happen for the map
// shapes used here.
func frame(fields map[string]interface{}) []byte {
	data, _ := json.Marshal(fields)
	return data
}

func errorFrame(code, message string, retryAfter time.Duration) []byte {
	fields := map[string]interface{}{
		"type":    MsgError,
		"code":    code,
		"message": message,
	}
	if retryAfter > 0 {
		fields["retry_after"] = retryAfter.Seconds()
	}
	return frame(fields)
}
