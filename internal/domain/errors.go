package domain

import "errors"

var (
	ErrUnauthenticated = errors.New("missing or malformed credential")
	ErrInvalidToken    = errors.New("invalid credential")

	ErrSessionNotFound = errors.New("session not found")
	ErrUnreachable     = errors.New("session unreachable")

	ErrMissingType    = errors.New("message type is required")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidTarget  = errors.New("target must be device:{id} or user:{id}")
	ErrInvalidChannel = errors.New("invalid channel name")
	ErrForbidden      = errors.New("operation outside the caller's scope")

	ErrDeviceTenantMismatch = errors.New("device belongs to another tenant")
	ErrDeviceNotFound       = errors.New("device not found")
)
