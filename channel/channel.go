// Package channel implements the notification delivery channels and the
// startup-time registry that picks among them.
package channel

import "context"

// Message is one formatted notification ready for delivery.
type Message struct {
	Subject string
	Body    string
}

// Adapter is the uniform contract for an email-class delivery channel. Send
// delivers one message to the full recipient set in a single provider call;
// a non-nil error is the failure reason and carries enough detail (status
// code, response body) to diagnose without source access.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg Message, recipients []string) error
}
