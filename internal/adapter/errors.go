package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized transport errors.
var (
	// ErrTransient marks a failure worth exactly one immediate retry.
	ErrTransient   = errors.New("TRANSIENT")
	ErrRejected    = errors.New("REJECTED")
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrInternal    = errors.New("INTERNAL")
)

// ErrorMap lists the message tokens for each normalized code.
type ErrorMap struct {
	Transient   []string
	Rejected    []string
	Unavailable []string
}

// TransportErrorMappings holds the token tables per transport. Categories are
// checked in order Transient, Rejected, Unavailable; anything else is INTERNAL.
var TransportErrorMappings = map[string]ErrorMap{
	"mavlink": {
		Transient: []string{
			"MAV_RESULT_TEMPORARILY_REJECTED",
			"MAV_RESULT_IN_PROGRESS",
			"ACK TIMEOUT",
			"WRITE TIMEOUT",
		},
		Rejected: []string{
			"MAV_RESULT_DENIED",
			"MAV_RESULT_UNSUPPORTED",
			"MAV_RESULT_FAILED",
			"MAV_RESULT_CANCELLED",
			"UNSUPPORTED SETPOINT",
		},
		Unavailable: []string{
			"NOT CONNECTED",
			"NO HEARTBEAT",
			"NODE CLOSED",
			"NO SUCH DEVICE",
		},
	},
	"http": {
		Transient: []string{
			"CONNECTION RESET",
			"UNEXPECTED EOF",
			"STATUS 502",
			"STATUS 503",
			"STATUS 504",
			"TIMEOUT",
		},
		Rejected: []string{
			"STATUS 400",
			"STATUS 404",
			"STATUS 422",
		},
		Unavailable: []string{
			"CONNECTION REFUSED",
			"NO SUCH HOST",
			"NETWORK IS UNREACHABLE",
		},
	},
	"generic": {
		Transient: []string{
			"TEMPORARILY",
			"TIMEOUT",
			"TRY AGAIN",
			"BUSY",
		},
		Rejected: []string{
			"DENIED",
			"REJECTED",
			"UNSUPPORTED",
		},
		Unavailable: []string{
			"UNAVAILABLE",
			"NOT CONNECTED",
			"OFFLINE",
		},
	},
}

// TransportError keeps the original failure next to its normalized code.
type TransportError struct {
	Code     error
	Original error
	Details  interface{}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v (transport: %v)", e.Code, e.Original)
}

func (e *TransportError) Unwrap() error {
	return e.Code
}

// NormalizeTransportError maps err with the generic table.
func NormalizeTransportError(err error, details interface{}) error {
	return NormalizeTransportErrorFor(err, details, "generic")
}

// NormalizeTransportErrorFor maps err with the table for transport. Errors
// that are already normalized pass through unchanged.
func NormalizeTransportErrorFor(err error, details interface{}, transport string) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	return &TransportError{
		Code:     classify(err, transport),
		Original: err,
		Details:  details,
	}
}

// IsTransient reports whether err normalizes to ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func classify(err error, transport string) error {
	for _, code := range []error{ErrTransient, ErrRejected, ErrUnavailable, ErrInternal} {
		if errors.Is(err, code) {
			return code
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTransient
	case errors.Is(err, context.Canceled):
		return ErrUnavailable
	}

	m, ok := TransportErrorMappings[transport]
	if !ok {
		m = TransportErrorMappings["generic"]
	}

	msg := strings.ToUpper(err.Error())
	for _, category := range []struct {
		tokens []string
		code   error
	}{
		{m.Transient, ErrTransient},
		{m.Rejected, ErrRejected},
		{m.Unavailable, ErrUnavailable},
	} {
		for _, token := range category.tokens {
			if strings.Contains(msg, strings.ToUpper(token)) {
				return category.code
			}
		}
	}

	return ErrInternal
}
