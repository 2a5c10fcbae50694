// Package channel connects one chat platform to the shared bus: platform
// events become universal messages, and bus messages routed to the adapter
// are sent back out through the platform.
package channel

import (
	"context"

	"acople/pkg/message"
)

// Platform is one chat network connection driven by a Bridge.
type Platform interface {
	// Name is the platform part of the adapter id, for example "telegram".
	Name() string
	// Run receives platform events and hands them to sink until ctx ends.
	Run(ctx context.Context, sink Sink) error
	// Send delivers out and returns the native id of the sent message.
	Send(ctx context.Context, out Outbound) (string, error)
}

// Sink is what a platform uses to turn its events into bus messages.
type Sink interface {
	NewEvent(eventType message.EventType) *message.UniversalMessage
	ThreadFor(chatID, threadID string) string
	ReplySnapshot(ctx context.Context, nativeReplyID, threadID, fallbackText string, fallbackAuthor message.Author) *message.ReplyTo
	Publish(ctx context.Context, msg *message.UniversalMessage) error
}

// Outbound is one message to deliver to a single endpoint.
type Outbound struct {
	Endpoint message.Endpoint
	Text     string
	// ReplyTo is the native id to reply to inside Endpoint, or "".
	ReplyTo     string
	Attachments []message.Attachment
	Source      *message.UniversalMessage
}
