package hub

import (
	"encoding/json"
	"fmt"

	"github.com/example/report-form-engine/internal/types"
)

// FrameType discriminates the JSON envelopes exchanged with the hub.
type FrameType string

const (
	// FrameJoin binds a session to a report room.
	FrameJoin FrameType = "join"
	// FramePresence publishes the sending tab's presence state.
	FramePresence FrameType = "presence"
	// FramePresenceChanged notifies room members that the roster changed.
	// It carries no payload; receivers pull a fresh snapshot instead.
	FramePresenceChanged FrameType = "presence-changed"
	// FrameCommand is a request/response primitive. The only command the
	// hub currently serves is "presence-state".
	FrameCommand FrameType = "command"
	// FrameCommandResult answers a FrameCommand by correlation id.
	FrameCommandResult FrameType = "command-result"
	// FrameRevisionUpdated announces that a report was saved elsewhere.
	FrameRevisionUpdated FrameType = "revision-updated"
	// FrameLeave detaches a session from its room.
	FrameLeave FrameType = "leave"
)

// CommandPresenceState names the full-roster snapshot command.
const CommandPresenceState = "presence-state"

// RevisionEvent is the payload of FrameRevisionUpdated.
type RevisionEvent struct {
	ReportID types.ReportID `json:"reportId"`
	Revision int64          `json:"revision"`
}

// Envelope is the single wire frame for the presence channel. Fields are
// populated according to Type; everything else stays empty.
type Envelope struct {
	Type      FrameType                        `json:"type"`
	Room      types.ReportID                   `json:"room,omitempty"`
	Session   types.SessionID                  `json:"session,omitempty"`
	Member    *types.Member                    `json:"member,omitempty"`
	CommandID string                           `json:"commandId,omitempty"`
	Command   string                           `json:"command,omitempty"`
	State     map[types.SessionID]types.Member `json:"state,omitempty"`
	Revision  *RevisionEvent                   `json:"revision,omitempty"`
	Error     string                           `json:"error,omitempty"`
}

// Encode serializes an envelope for transmission.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope received from the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}
