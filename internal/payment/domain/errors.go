package domain

import "errors"

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	// ErrEventIgnored marks event types the engine has no handler for;
	// the delivery is acknowledged without side effects.
	ErrEventIgnored = errors.New("event_ignored")
	// ErrTransient wraps network and timeout faults talking to a
	// gateway; callers retry on schedule instead of failing hard.
	ErrTransient = errors.New("transient_gateway_error")
)
