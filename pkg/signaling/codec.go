package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed signaling message")
	ErrUnknownKind      = errors.New("unknown signaling message kind")
)

type wireMessage struct {
	Kind    Kind            `json:"kind"`
	RoomID  string          `json:"room_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(envelope Envelope) ([]byte, error) {
	if envelope.Message == nil {
		return nil, fmt.Errorf("%w: no message", ErrMalformedMessage)
	}

	payload, err := json.Marshal(envelope.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", envelope.Kind(), err)
	}

	return json.Marshal(wireMessage{
		Kind:    envelope.Kind(),
		RoomID:  envelope.RoomID,
		From:    envelope.From,
		To:      envelope.To,
		Payload: payload,
	})
}

// Decodes a message received from the bus. This is the only place where the wire format is parsed,
// everything past this point works with typed messages.
func Decode(data []byte) (Envelope, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if wire.RoomID == "" || wire.From == "" {
		return Envelope{}, fmt.Errorf("%w: missing room or sender", ErrMalformedMessage)
	}

	var message Message
	switch wire.Kind {
	case KindOffer:
		message = &Offer{}
	case KindAnswer:
		message = &Answer{}
	case KindICECandidate:
		message = &ICECandidate{}
	case KindCalleeReady:
		message = &CalleeReady{}
	case KindCallEnded:
		message = &CallEnded{}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Kind)
	}

	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		if err := json.Unmarshal(wire.Payload, message); err != nil {
			return Envelope{}, fmt.Errorf("%w: bad %s payload: %v", ErrMalformedMessage, wire.Kind, err)
		}
	}

	envelope := Envelope{RoomID: wire.RoomID, From: wire.From, To: wire.To}

	// Handlers switch on values, not pointers.
	switch msg := message.(type) {
	case *Offer:
		if msg.SDP == "" {
			return Envelope{}, fmt.Errorf("%w: empty offer", ErrMalformedMessage)
		}
		envelope.Message = *msg
	case *Answer:
		if msg.SDP == "" {
			return Envelope{}, fmt.Errorf("%w: empty answer", ErrMalformedMessage)
		}
		envelope.Message = *msg
	case *ICECandidate:
		if msg.Candidate.Candidate == "" {
			return Envelope{}, fmt.Errorf("%w: empty candidate", ErrMalformedMessage)
		}
		envelope.Message = *msg
	case *CalleeReady:
		envelope.Message = *msg
	case *CallEnded:
		envelope.Message = *msg
	}

	return envelope, nil
}
