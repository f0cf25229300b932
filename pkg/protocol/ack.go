package protocol

import (
	"encoding/json"
	"errors"
)

// Ack is the uniform acknowledgement returned for every room-mutating
// call. Every such call eventually produces exactly one Ack.
type Ack struct {
	Status  string `json:"status"` // "ok" or "error"
	Message string `json:"message,omitempty"`
}

func AckOK() Ack {
	return Ack{Status: "ok"}
}

func AckError(err error) Ack {
	return Ack{Status: "error", Message: err.Error()}
}

// Error taxonomy. Handlers classify failures with errors.Is against these
// sentinels; the router decides per class whether to emit an ERROR event,
// drop silently, or reject the connection.
var (
	ErrAuth            = errors.New("unauthorized")
	ErrValidation      = errors.New("validation failed")
	ErrRouting         = errors.New("routing failed")
	ErrStreamIntegrity = errors.New("stream integrity violation")
	ErrNotFound        = errors.New("resource not found")
)

// ErrorEvent is the payload of an ERROR event sent back to a caller.
type ErrorEvent struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Envelope wraps an event name and payload into an outbound frame.
func Envelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Event: event, Payload: raw})
}
