package session

import "errors"

var (
	ErrCalleeOffline      = errors.New("callee offline")
	ErrAlreadyInSession   = errors.New("already in session")
	ErrSelfCall           = errors.New("caller and callee are the same endpoint")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrNotParticipant     = errors.New("endpoint is not allowed to act on this session")
	ErrCandidateQueueFull = errors.New("pending candidate queue full")
)
