package source

import "fmt"

// ErrorKind discriminates session-open failures so callers can branch
// without string matching.
type ErrorKind int

const (
	// KindEndpointNotFound means the configured device id did not resolve
	// to an endpoint, or the platform has no default endpoint.
	KindEndpointNotFound ErrorKind = iota + 1

	// KindActivationFailed means the endpoint refused to hand out a client,
	// or a negotiated client failed to start.
	KindActivationFailed

	// KindNegotiationExhausted means every rung of the format fallback
	// ladder was rejected by the device.
	KindNegotiationExhausted

	// KindServiceAcquisitionFailed means the initialized client refused to
	// hand out its frame-delivery or render service.
	KindServiceAcquisitionFailed
)

// String returns a short identifier for the kind, suitable for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindEndpointNotFound:
		return "endpoint_not_found"
	case KindActivationFailed:
		return "activation_failed"
	case KindNegotiationExhausted:
		return "negotiation_exhausted"
	case KindServiceAcquisitionFailed:
		return "service_acquisition_failed"
	}
	return "unknown"
}

// SessionError is a fatal-to-session failure during session open. The
// session stays inactive and the reconnect supervisor takes over.
type SessionError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op names the open step that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// sessionErr wraps err as a [SessionError].
func sessionErr(kind ErrorKind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}
