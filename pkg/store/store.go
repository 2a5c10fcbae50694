// Package store keeps the append-only message history and the indexes used
// to resolve replies across platforms.
package store

import (
	"context"
	"errors"

	"acople/pkg/message"
)

var ErrNotFound = errors.New("not found")

// Projection is the flattened form of a stored message.
type Projection struct {
	UniversalID string `json:"universalId"`
	Platform    string `json:"platform"`
	AdapterID   string `json:"adapterId"`
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	ThreadID    string `json:"threadId"`
	AuthorID    string `json:"authorId"`
	AuthorName  string `json:"authorName"`
	Timestamp   int64  `json:"timestamp"`
	Text        string `json:"text"`
}

// Endpoint returns where the projected message lives.
func (p Projection) Endpoint() message.Endpoint {
	return message.Endpoint{AdapterID: p.AdapterID, ChatID: p.ChatID, ThreadID: p.ThreadID}
}

// Predicate selects projections during a scan.
type Predicate func(Projection) bool

// Store is the history log plus its indexes. Implementations must make every
// Append visible atomically: readers never observe a partially indexed entry.
type Store interface {
	Append(ctx context.Context, msg *message.UniversalMessage) error
	IndexDelivery(ctx context.Context, universalID string, delivered Projection) error
	GetByUniversalID(ctx context.Context, universalID string) (Projection, error)
	GetNativeID(ctx context.Context, universalID string, endpoint message.Endpoint) (string, error)
	LookupUniversalID(ctx context.Context, adapterID, nativeID string) (string, error)
	ScanRecent(ctx context.Context, match Predicate, limit int) ([]Projection, error)
	Purge(ctx context.Context) error
	Close() error
}

// Project flattens a message into its index form.
func Project(msg *message.UniversalMessage) Projection {
	if msg == nil {
		return Projection{}
	}

	name := msg.Author.DisplayName
	if name == "" {
		name = msg.Author.Username
	}

	return Projection{
		UniversalID: msg.UniversalID,
		Platform:    msg.Platform,
		AdapterID:   msg.AdapterID,
		MessageID:   msg.NativeID(),
		ChatID:      msg.Conversation.ID,
		ThreadID:    msg.ThreadID(),
		AuthorID:    msg.Author.ID,
		AuthorName:  name,
		Timestamp:   msg.Timestamp,
		Text:        msg.Text(),
	}
}

func validateDelivery(universalID string, delivered Projection) error {
	if universalID == "" {
		return errors.New("universal id is required")
	}
	if delivered.AdapterID == "" || delivered.ChatID == "" {
		return errors.New("delivery endpoint is required")
	}
	if delivered.MessageID == "" {
		return errors.New("delivery native id is required")
	}
	return nil
}

// scanBudget reports how many entries a scan may examine out of total.
func scanBudget(total, limit int) int {
	if limit <= 0 || limit > total {
		return total
	}
	return limit
}
