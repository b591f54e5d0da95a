// Package notification defines LISTEN/NOTIFY payloads and the handler capability.
package notification

import "context"

// Notification is a transient push notification received on a channel.
type Notification struct {
	ProcessID uint32
	Channel   string
	Payload   string
}

// Handler receives notifications best-effort. Returned errors are logged and dropped.
type Handler interface {
	Handle(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, n Notification) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
