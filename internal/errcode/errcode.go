// Package errcode holds the error codes clients see, in envelopes and in
// socket error events. Values are part of the wire contract; do not rename.
package errcode

const (
	AuthInvalid     = "AuthInvalid"
	AuthExpired     = "AuthExpired"
	Forbidden       = "Forbidden"
	NotFound        = "NotFound"
	InvalidArgument = "InvalidArgument"
	Conflict        = "Conflict"
	Contended       = "Contended"
	Timeout         = "Timeout"
	Unavailable     = "Unavailable"
	SlowConsumer    = "SlowConsumer"
	Internal        = "Internal"
)

// Retryable reports whether retrying the same call unchanged can succeed.
// Conflict is excluded: plain conflicts (say, a taken channel name) need a
// different request, and the contended-allocator case sets its own flag
// where it is mapped.
func Retryable(code string) bool {
	switch code {
	case Contended, Timeout, Unavailable, SlowConsumer:
		return true
	}
	return false
}
