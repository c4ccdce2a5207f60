package session

import "errors"

var (
	ErrNoOwnerFound      = errors.New("no owner found for stream key")
	ErrNoEndpointFound   = errors.New("no ingest endpoint found")
	ErrLowBalance        = errors.New("balance too low to stream")
	ErrTosNotAccepted    = errors.New("terms of service not accepted")
	ErrAccountBlocked    = errors.New("account blocked")
	ErrNoActiveSession   = errors.New("no active session")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrCredentialExpired = errors.New("stream key expired")
)

// IsAdmission reports whether err is a refusal to let an owner stream, as
// opposed to an infrastructure failure.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrNoOwnerFound) ||
		errors.Is(err, ErrNoEndpointFound) ||
		errors.Is(err, ErrLowBalance) ||
		errors.Is(err, ErrTosNotAccepted) ||
		errors.Is(err, ErrAccountBlocked) ||
		errors.Is(err, ErrCredentialExpired)
}

// Kind returns a short label for err, used as a log and metrics field.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoOwnerFound):
		return "no_owner"
	case errors.Is(err, ErrNoEndpointFound):
		return "no_endpoint"
	case errors.Is(err, ErrLowBalance):
		return "low_balance"
	case errors.Is(err, ErrTosNotAccepted):
		return "tos_not_accepted"
	case errors.Is(err, ErrAccountBlocked):
		return "blocked"
	case errors.Is(err, ErrNoActiveSession):
		return "no_session"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrCredentialExpired):
		return "key_expired"
	default:
		return "internal"
	}
}
