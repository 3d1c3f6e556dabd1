package realtime

import (
	"errors"
	"fmt"

	"github.com/bt-bridge/realtime-voice/shared"
	"github.com/bytedance/sonic"
)

// ErrorKind names the failure a session ended with.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindCredential         ErrorKind = "credential"
	KindMediaAccess        ErrorKind = "media_access"
	KindNegotiationTimeout ErrorKind = "negotiation_timeout"
	KindSignaling          ErrorKind = "signaling"
	KindChannelClosed      ErrorKind = "channel_closed"
	KindInvalidState       ErrorKind = "invalid_state"
	KindTransport          ErrorKind = "transport"
	KindUnknown            ErrorKind = "unknown"
)

var kinds = []struct {
	target error
	kind   ErrorKind
}{
	{shared.ErrCredential, KindCredential},
	{shared.ErrMediaAccess, KindMediaAccess},
	{shared.ErrNegotiationTimeout, KindNegotiationTimeout},
	{shared.ErrSignaling, KindSignaling},
	{shared.ErrChannelClosed, KindChannelClosed},
	{shared.ErrInvalidState, KindInvalidState},
	{shared.ErrTransport, KindTransport},
}

// KindOf classifies err. Nil maps to KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return KindUnknown
}

// CredentialError is returned when the trusted backend did not hand out a
// usable credential.
type CredentialError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *CredentialError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("credential error: status %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("credential error: status %d", e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("credential error: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return "credential error: " + e.Err.Error()
	default:
		return "credential error: " + e.Message
	}
}

func (e *CredentialError) Unwrap() []error {
	if e.Err != nil {
		return []error{shared.ErrCredential, e.Err}
	}
	return []error{shared.ErrCredential}
}

// SignalingError is returned when the realtime endpoint rejected the offer or
// the answer could not be applied.
type SignalingError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SignalingError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("signaling error: status %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("signaling error: status %d", e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("signaling error: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return "signaling error: " + e.Err.Error()
	default:
		return "signaling error: " + e.Message
	}
}

func (e *SignalingError) Unwrap() []error {
	if e.Err != nil {
		return []error{shared.ErrSignaling, e.Err}
	}
	return []error{shared.ErrSignaling}
}

// errorMessage digs a human readable message out of a JSON error body.
// Both {"message": "..."} and {"error": {"message": "..."}} are understood.
func errorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return ""
	}
	if v, ok := raw["message"].(string); ok {
		return v
	}
	if errObj, ok := raw["error"].(map[string]any); ok {
		if v, ok := errObj["message"].(string); ok {
			return v
		}
	}
	return ""
}
