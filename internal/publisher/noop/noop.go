// Package noop disables decision-event publishing.
package noop

import "context"

// Publisher drops every message.
type Publisher struct{}

// New returns a disabled publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish discards the payload.
func (p *Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
