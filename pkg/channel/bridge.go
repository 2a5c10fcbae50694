package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"acople/pkg/bus"
	"acople/pkg/message"
	"acople/pkg/reply"
	"acople/pkg/routing"
	"acople/pkg/store"
)

const (
	messagePreviewLimit = 240
	unknownAuthor       = "Unknown"
)

type Deps struct {
	Bus      bus.Bus
	Store    store.Store
	Engine   *routing.Engine
	Resolver *reply.Resolver
	Logger   *slog.Logger
}

// Bridge runs one adapter: it publishes what the platform receives and
// delivers routed bus messages through the platform.
type Bridge struct {
	platform  string
	adapterID string

	bus      bus.Bus
	store    store.Store
	engine   *routing.Engine
	resolver *reply.Resolver
	log      *slog.Logger
}

func NewBridge(adapterID string, deps Deps) (*Bridge, error) {
	platform, _, err := message.ParseAdapterID(adapterID)
	if err != nil {
		return nil, err
	}
	if deps.Bus == nil || deps.Store == nil || deps.Engine == nil || deps.Resolver == nil {
		return nil, errors.New("bus, store, engine and resolver are required")
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Bridge{
		platform:  platform,
		adapterID: adapterID,
		bus:       deps.Bus,
		store:     deps.Store,
		engine:    deps.Engine,
		resolver:  deps.Resolver,
		log:       log.With("component", "channel.bridge", "adapter_id", adapterID),
	}, nil
}

func (b *Bridge) AdapterID() string { return b.adapterID }

// NewEvent returns a fresh message stamped with this adapter.
func (b *Bridge) NewEvent(eventType message.EventType) *message.UniversalMessage {
	return message.New(b.platform, b.adapterID, eventType)
}

// ThreadFor keeps threadID only when some rule names a thread in the chat.
// Otherwise the thread collapses into its parent conversation.
func (b *Bridge) ThreadFor(chatID, threadID string) string {
	if threadID == "" || !b.engine.ThreadReferenced(b.adapterID, chatID) {
		return ""
	}
	return threadID
}

// ReplySnapshot describes the message being replied to. When the native id
// is known to history the snapshot carries its universal id and origin.
func (b *Bridge) ReplySnapshot(ctx context.Context, nativeReplyID, threadID, fallbackText string, fallbackAuthor message.Author) *message.ReplyTo {
	snapshot := &message.ReplyTo{
		MessageID: nativeReplyID,
		Text:      message.Snippet(fallbackText),
		Author:    fallbackAuthor,
	}
	if nativeReplyID == "" {
		return snapshot
	}

	origin, ok := b.resolver.ResolveOrigin(ctx, b.adapterID, nativeReplyID, threadID)
	if !ok {
		return snapshot
	}

	snapshot.UniversalID = origin.UniversalID
	if origin.Text != "" {
		snapshot.Text = message.Snippet(origin.Text)
	}
	if origin.AuthorID != "" {
		snapshot.Author = message.Author{ID: origin.AuthorID, DisplayName: origin.AuthorName}
	}
	return snapshot
}

// Publish validates msg, records it in history and puts it on the bus.
// History failures are logged; only validation and bus errors are returned.
func (b *Bridge) Publish(ctx context.Context, msg *message.UniversalMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("validate message: %w", err)
	}

	if err := b.store.Append(ctx, msg); err != nil {
		b.log.Warn("History append failed", "universal_id", msg.UniversalID, "error", err)
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	b.log.Info("Received message",
		"event", msg.EventType,
		"chat_id", msg.Conversation.ID,
		"thread_id", msg.ThreadID(),
		"author_id", msg.Author.ID,
		"universal_id", msg.UniversalID,
		"content", previewText(msg.Text()),
	)
	return nil
}

// Run subscribes to the bus and runs the platform until ctx ends or either
// side fails.
func (b *Bridge) Run(ctx context.Context, platform Platform) error {
	if platform == nil {
		return errors.New("platform is required")
	}
	if platform.Name() != b.platform {
		return fmt.Errorf("platform %q cannot serve adapter %s", platform.Name(), b.adapterID)
	}

	msgs, unsubscribe, err := b.bus.Subscribe(ctx, 0)
	if err != nil {
		return fmt.Errorf("subscribe adapter: %w", err)
	}
	defer unsubscribe()

	b.log.Info("Adapter started", "targets", len(b.engine.Targets(b.adapterID)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := platform.Run(gctx, b); err != nil {
			return fmt.Errorf("run %s: %w", b.platform, err)
		}
		if ctx.Err() == nil {
			return fmt.Errorf("%s stopped unexpectedly", b.platform)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-msgs:
				if !ok {
					if ctx.Err() != nil {
						return nil
					}
					return bus.ErrClosed
				}
				b.Deliver(gctx, platform, msg)
			}
		}
	})

	return g.Wait()
}

// Deliver sends msg to every endpoint of this adapter that should receive
// it. Failures are logged per endpoint.
func (b *Bridge) Deliver(ctx context.Context, platform Platform, msg *message.UniversalMessage) {
	if !b.relayable(msg) {
		return
	}

	for _, target := range b.engine.Targets(b.adapterID) {
		if !b.engine.ShouldDeliver(msg, target) {
			continue
		}

		out := Outbound{
			Endpoint:    target,
			Text:        RelayText(msg),
			Attachments: msg.Attachments,
			Source:      msg,
		}
		if msg.Message.ReplyTo != nil && msg.Message.ReplyTo.UniversalID != "" {
			if nativeID, ok := b.resolver.ResolveReply(ctx, msg.Message.ReplyTo.UniversalID, target); ok {
				out.ReplyTo = nativeID
			}
		}

		nativeID, err := platform.Send(ctx, out)
		if err != nil {
			b.log.Error("Send failed", "target", target.Key(), "universal_id", msg.UniversalID, "error", err)
			continue
		}
		b.log.Info("Sent message", "target", target.Key(), "universal_id", msg.UniversalID, "native_id", nativeID)

		if nativeID == "" {
			continue
		}
		delivered := store.Projection{
			UniversalID: msg.UniversalID,
			Platform:    b.platform,
			AdapterID:   b.adapterID,
			MessageID:   nativeID,
			ChatID:      target.ChatID,
			ThreadID:    target.ThreadID,
			AuthorID:    "system",
			Timestamp:   time.Now().UnixMilli(),
		}
		if err := b.store.IndexDelivery(ctx, msg.UniversalID, delivered); err != nil {
			b.log.Warn("Delivery index failed", "target", target.Key(), "universal_id", msg.UniversalID, "error", err)
		}
	}
}

// relayable filters bus traffic down to chat messages worth sending.
func (b *Bridge) relayable(msg *message.UniversalMessage) bool {
	switch {
	case msg == nil || msg.Message == nil:
		return false
	case msg.Author.Bot && !msg.IsPluginResponse:
		return false
	case msg.APICall != nil || msg.EventType == message.EventAPI:
		return false
	case msg.EventType != message.EventMessage && msg.EventType != message.EventEdit:
		return false
	}
	return strings.TrimSpace(msg.Message.Text) != "" || len(msg.Attachments) > 0
}

// RelayText renders msg for another chat. Plugin responses are sent as is;
// everything else gets a "[PLATFORM] Name (Conversation):" header.
func RelayText(msg *message.UniversalMessage) string {
	if msg.IsPluginResponse {
		return msg.Text()
	}

	name := msg.Author.DisplayName
	if name == "" {
		name = msg.Author.Username
	}
	if name == "" {
		name = unknownAuthor
	}

	return fmt.Sprintf("[%s] %s (%s):\n%s", strings.ToUpper(msg.Platform), name, msg.Conversation.Name, msg.Text())
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
