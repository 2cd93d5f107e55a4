package domain

import "context"

// Transport delivers serialized messages to a connected session.
// Send returns ErrUnreachable when the session can no longer receive.
type Transport interface {
	Send(ctx context.Context, sessionID string, data []byte) error
}
