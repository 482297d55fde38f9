// Package protocolerr carries the two error shapes ConnectionManager's
// retry logic cares about: a typed wrapper that says "give up instead
// of retrying" and a structured protocol-level rejection carrying a
// message and numeric code from the remote side.
package protocolerr

import "fmt"

// StopRetrying wraps a cause to signal that ConnectionManager should
// move to @idle.failed instead of backing off and trying again. Use
// errors.As to detect it and errors.Unwrap (or the Cause field) to get
// at what actually failed.
type StopRetrying struct {
	Cause error
}

func (e *StopRetrying) Error() string {
	if e.Cause == nil {
		return "stop retrying"
	}
	return "stop retrying: " + e.Cause.Error()
}

func (e *StopRetrying) Unwrap() error { return e.Cause }

// Stop wraps cause in a StopRetrying error.
func Stop(cause error) error { return &StopRetrying{Cause: cause} }

// ProtocolError is a structured rejection reported by the remote side —
// a join or auth refusal carrying a human-readable message and a
// machine-readable code. Code -1 is reserved for a StopRetrying
// disposition raised locally (no close code from the wire applies);
// any other code is a transport close code from the remote side.
type ProtocolError struct {
	Message string
	Code    int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%d]: %s", e.Code, e.Message)
}
