package authn

import (
	"errors"
	"fmt"
)

// Reason is a stable, enumerable authentication failure code.
type Reason string

const (
	ReasonExpiredToken      Reason = "expired_token"
	ReasonUnknownKey        Reason = "unknown_key"
	ReasonBadSignature      Reason = "bad_signature"
	ReasonClockSkewExceeded Reason = "clock_skew_exceeded"
	ReasonMalformedToken    Reason = "malformed_token"
	ReasonBadClaims         Reason = "bad_claims"
)

// Error is a typed verification failure. Any Error rejects the request
// before authorization runs; the request never falls back to a guessed
// identity.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authn: %s: %v", e.Reason, e.Err)
	}
	return "authn: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from err, or ReasonMalformedToken
// if err is not a typed authn failure.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonMalformedToken
}
