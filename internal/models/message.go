package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType represents the type of call signaling message
type SignalType string

const (
	// endpoint -> coordinator
	SignalTypeRegister SignalType = "register"
	SignalTypeInvite   SignalType = "invite"
	SignalTypeAccept   SignalType = "accept"

	// both directions
	SignalTypeReject    SignalType = "reject"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeHangup    SignalType = "hangup"

	// coordinator -> endpoint
	SignalTypeRegistered       SignalType = "registered"
	SignalTypeRinging          SignalType = "ringing"
	SignalTypeIncomingInvite   SignalType = "incomingInvite"
	SignalTypeAnswered         SignalType = "answered"
	SignalTypeNotAnswered      SignalType = "notAnswered"
	SignalTypeForcedDisconnect SignalType = "forcedDisconnect"
	SignalTypeError            SignalType = "error"
)

// Hangup and forced disconnect reasons.
const (
	ReasonHangup       = "hangup"
	ReasonDisconnected = "disconnected"
	ReasonSuperseded   = "superseded"
)

// Error codes carried by SignalTypeError replies.
const (
	CodeProtocolError     = "protocol_error"
	CodeNotRegistered     = "not_registered"
	CodeForbidden         = "forbidden"
	CodeEndpointOffline   = "endpoint_offline"
	CodeCalleeOffline     = "callee_offline"
	CodeAlreadyInSession  = "already_in_session"
	CodeInvalidTransition = "invalid_transition"
	CodeCandidateOverflow = "candidate_queue_full"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

// ErrProtocol marks frames that cannot be routed.
var ErrProtocol = errors.New("protocol error")

// SignalMessage is the single wire shape for every signaling frame. Offer,
// Answer and Candidate are relayed verbatim and never interpreted.
type SignalMessage struct {
	Type       SignalType      `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	EndpointID string          `json:"endpointId,omitempty"`
	CallerID   string          `json:"callerId,omitempty"`
	CalleeID   string          `json:"calleeId,omitempty"`
	From       string          `json:"from,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Code       string          `json:"code,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ParseSignalMessage decodes an inbound frame and checks that it carries the
// fields its type requires.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("%w: malformed message: %v", ErrProtocol, err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// Validate checks an inbound message. Only endpoint-originated types are
// accepted.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeRegister:
		if m.EndpointID == "" {
			return fmt.Errorf("%w: register requires endpointId", ErrProtocol)
		}
	case SignalTypeInvite:
		if m.CalleeID == "" {
			return fmt.Errorf("%w: invite requires calleeId", ErrProtocol)
		}
		if isEmpty(m.Offer) {
			return fmt.Errorf("%w: invite requires offer", ErrProtocol)
		}
	case SignalTypeAccept:
		if m.SessionID == "" {
			return fmt.Errorf("%w: accept requires sessionId", ErrProtocol)
		}
		if isEmpty(m.Answer) {
			return fmt.Errorf("%w: accept requires answer", ErrProtocol)
		}
	case SignalTypeCandidate:
		if m.SessionID == "" {
			return fmt.Errorf("%w: candidate requires sessionId", ErrProtocol)
		}
		if isEmpty(m.Candidate) {
			return fmt.Errorf("%w: candidate requires candidate", ErrProtocol)
		}
	case SignalTypeReject, SignalTypeHangup:
		if m.SessionID == "" {
			return fmt.Errorf("%w: %s requires sessionId", ErrProtocol, m.Type)
		}
	case "":
		return fmt.Errorf("%w: missing message type", ErrProtocol)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocol, m.Type)
	}
	return nil
}

// ErrorMessage builds an error reply.
func ErrorMessage(code, sessionID, text string) SignalMessage {
	return SignalMessage{
		Type:      SignalTypeError,
		SessionID: sessionID,
		Code:      code,
		Error:     text,
	}
}

func isEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
