package models

import "time"

// CallRecord stores information about a finished call
type CallRecord struct {
	SessionID  string     `json:"sessionId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    time.Time  `json:"endedAt"`
}

// CallSnapshot is the response for a live or recently finished call
type CallSnapshot struct {
	SessionID  string     `json:"sessionId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	ChangedAt  time.Time  `json:"changedAt"`
	Live       bool       `json:"live"`
}

// PresenceResponse is the response for an endpoint presence lookup
type PresenceResponse struct {
	EndpointID string `json:"endpointId"`
	Online     bool   `json:"online"`
}
