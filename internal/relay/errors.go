package relay

import "errors"

var (
	// ErrInvalidRelayURL marks a relay URL rejected at validation time. It
	// is never surfaced past pool construction; invalid entries are dropped.
	ErrInvalidRelayURL = errors.New("invalid relay url")

	// ErrTimeout is returned when a query or publish receives no terminal
	// frame within the configured window. Retryable.
	ErrTimeout = errors.New("relay timeout")

	// ErrConnectionLost is returned when the socket closes while a request
	// is in flight. Retryable.
	ErrConnectionLost = errors.New("relay connection lost")

	// ErrAllRelaysFailed is returned when every relay in a set rejected or
	// failed a publish attempt. Terminal for that attempt only.
	ErrAllRelaysFailed = errors.New("all relays failed")
)
