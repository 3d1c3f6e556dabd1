package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrNoEndpoint           = errors.New("no endpoint provided")
	ErrClientNotInitialized = errors.New("client not initialized")
	ErrSessionClosed        = errors.New("session closed")
)

// Session failure kinds. Every error a session records wraps exactly one of these.
var (
	ErrCredential         = errors.New("credential error")
	ErrMediaAccess        = errors.New("media access error")
	ErrNegotiationTimeout = errors.New("negotiation timeout")
	ErrSignaling          = errors.New("signaling error")
	ErrChannelClosed      = errors.New("channel closed")
	ErrInvalidState       = errors.New("invalid state")
	ErrTransport          = errors.New("transport error")
)
