// Package domain defines the outbound email contract. The engine only
// renders content; transport belongs to the provider implementation.
package domain

import "context"

type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}
