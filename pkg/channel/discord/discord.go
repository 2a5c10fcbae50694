// Package discord is the Discord platform for a channel bridge.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"acople/pkg/channel"
	"acople/pkg/config"
	"acople/pkg/message"
)

const (
	platformName   = "discord"
	maxMessageSize = 2000
)

// session is the part of *discordgo.Session the adapter needs.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type channelLookup func(channelID string) (*discordgo.Channel, error)

// Adapter maps Discord gateway events to universal messages and sends
// bridged messages into Discord channels and threads.
type Adapter struct {
	session session
	channel channelLookup
	log     *slog.Logger

	mu     sync.RWMutex
	selfID string
}

// NewAdapter validates Discord configuration and constructs an adapter instance.
func NewAdapter(cfg config.DiscordConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildMembers |
		discordgo.IntentGuildModeration

	lookup := func(channelID string) (*discordgo.Channel, error) {
		if ch, err := dg.State.Channel(channelID); err == nil {
			return ch, nil
		}
		return dg.Channel(channelID)
	}
	return newAdapter(dg, lookup, log), nil
}

func newAdapter(s session, lookup channelLookup, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		session: s,
		channel: lookup,
		log:     log.With("component", "channel.discord"),
	}
}

func (a *Adapter) Name() string {
	return platformName
}

// Run opens the gateway connection and publishes events through sink until
// ctx ends.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	publish := func(msg *message.UniversalMessage) {
		if msg == nil {
			return
		}
		if err := sink.Publish(ctx, msg); err != nil {
			a.log.Error("Failed to publish discord event", "event", msg.EventType, "error", err)
		}
	}

	removers := []func(){
		a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.setSelf(r.User)
			a.log.Info("Discord bot connected", "user", r.User.Username)
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			publish(a.convertMessage(ctx, sink, m.Message, message.EventMessage))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			publish(a.convertMessage(ctx, sink, m.Message, message.EventEdit))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			publish(a.convertDelete(sink, m.Message))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			publish(a.convertMember(sink, m.Member, message.EventJoin))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
			publish(a.convertMember(sink, m.Member, message.EventLeave))
		}),
		a.session.AddHandler(func(_ *discordgo.Session, b *discordgo.GuildBanAdd) {
			publish(a.convertBan(sink, b))
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	a.log.Info("Discord channel started")

	<-ctx.Done()
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("close discord connection: %w", err)
	}
	return nil
}

func (a *Adapter) setSelf(user *discordgo.User) {
	if user == nil {
		return
	}
	a.mu.Lock()
	a.selfID = user.ID
	a.mu.Unlock()
}

func (a *Adapter) isSelf(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID != "" && a.selfID == userID
}

// where resolves the conversation and thread a channel id belongs to. A
// thread channel maps to its parent plus the thread, unless no rule names
// the thread, in which case it collapses into the parent.
func (a *Adapter) where(sink channel.Sink, channelID string) (message.Conversation, *message.Thread) {
	conv := message.Conversation{ID: channelID, Type: message.ConversationChannel}

	ch, err := a.channel(channelID)
	if err != nil || ch == nil {
		a.log.Debug("Channel lookup failed", "channel_id", channelID, "error", err)
		return conv, nil
	}

	conv.Name = ch.Name
	switch ch.Type {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		conv.Type = message.ConversationDM
	}
	if !ch.IsThread() || ch.ParentID == "" {
		return conv, nil
	}

	conv.ID = ch.ParentID
	if parent, err := a.channel(ch.ParentID); err == nil && parent != nil {
		conv.Name = parent.Name
	}

	threadID := sink.ThreadFor(ch.ParentID, ch.ID)
	if threadID == "" {
		return conv, nil
	}
	return conv, &message.Thread{ID: threadID, Name: ch.Name}
}

func (a *Adapter) convertMessage(ctx context.Context, sink channel.Sink, m *discordgo.Message, eventType message.EventType) *message.UniversalMessage {
	if m == nil || m.Author == nil || m.Author.Bot || a.isSelf(m.Author.ID) {
		return nil
	}

	attachments := attachmentsOf(m.Attachments)
	if strings.TrimSpace(m.Content) == "" && len(attachments) == 0 {
		return nil
	}

	msg := sink.NewEvent(eventType)
	msg.Conversation, msg.Thread = a.where(sink, m.ChannelID)
	if m.GuildID != "" {
		msg.Server = &message.Server{ID: m.GuildID}
	}
	msg.Author = memberAuthor(m.Author, m.Member)
	msg.Attachments = attachments
	msg.Message = &message.Body{
		ID:     m.ID,
		Text:   m.Content,
		Edited: eventType == message.EventEdit,
	}

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		var quotedText string
		var quotedAuthor message.Author
		if quoted := m.ReferencedMessage; quoted != nil {
			quotedText = quoted.Content
			if quoted.Author != nil {
				quotedAuthor = memberAuthor(quoted.Author, quoted.Member)
			}
		}
		msg.Message.ReplyTo = sink.ReplySnapshot(ctx, ref.MessageID, msg.ThreadID(), quotedText, quotedAuthor)
	}

	return msg
}

func (a *Adapter) convertDelete(sink channel.Sink, m *discordgo.Message) *message.UniversalMessage {
	if m == nil || m.ID == "" {
		return nil
	}

	msg := sink.NewEvent(message.EventDelete)
	msg.Conversation, msg.Thread = a.where(sink, m.ChannelID)
	msg.Message = &message.Body{ID: m.ID}
	return msg
}

func (a *Adapter) convertMember(sink channel.Sink, member *discordgo.Member, eventType message.EventType) *message.UniversalMessage {
	if member == nil || member.User == nil {
		return nil
	}

	target := memberAuthor(member.User, member)
	return socialEvent(sink, member.GuildID, eventType, target)
}

func (a *Adapter) convertBan(sink channel.Sink, ban *discordgo.GuildBanAdd) *message.UniversalMessage {
	if ban == nil || ban.User == nil {
		return nil
	}
	return socialEvent(sink, ban.GuildID, message.EventBan, memberAuthor(ban.User, nil))
}

// socialEvent builds a guild-wide event. Guild events have no channel, so
// the guild id stands in as the conversation.
func socialEvent(sink channel.Sink, guildID string, eventType message.EventType, target message.Author) *message.UniversalMessage {
	if guildID == "" {
		return nil
	}

	msg := sink.NewEvent(eventType)
	msg.Server = &message.Server{ID: guildID}
	msg.Conversation = message.Conversation{ID: guildID, Type: message.ConversationChannel}
	msg.Author = target
	msg.SocialEvent = &message.SocialEvent{
		Action:     string(eventType),
		TargetUser: target,
	}
	return msg
}

func attachmentsOf(items []*discordgo.MessageAttachment) []message.Attachment {
	var out []message.Attachment
	for _, item := range items {
		if item == nil {
			continue
		}
		kind := "document"
		if strings.HasPrefix(item.ContentType, "image/") {
			kind = "image"
		}
		out = append(out, message.Attachment{
			Type:     kind,
			FileURL:  item.URL,
			Filename: item.Filename,
			MimeType: item.ContentType,
			Size:     int64(item.Size),
			Width:    item.Width,
			Height:   item.Height,
		})
	}
	return out
}

// memberAuthor prefers the guild nickname, then the global name.
func memberAuthor(user *discordgo.User, member *discordgo.Member) message.Author {
	name := user.GlobalName
	if member != nil && member.Nick != "" {
		name = member.Nick
	}
	if name == "" {
		name = user.Username
	}

	return message.Author{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: name,
		Bot:         user.Bot,
	}
}

// Send delivers out to the endpoint's thread, or to its channel when there
// is no thread. The first chunk carries the reply reference and its id is
// returned.
func (a *Adapter) Send(_ context.Context, out channel.Outbound) (string, error) {
	channelID := out.Endpoint.ChatID
	if out.Endpoint.ThreadID != "" {
		channelID = out.Endpoint.ThreadID
	}
	if channelID == "" {
		return "", errors.New("endpoint has no channel id")
	}

	text := out.Text
	var files []*discordgo.File
	for _, attachment := range out.Attachments {
		local, link, err := uploadOf(attachment)
		if err != nil {
			a.log.Warn("Skipping discord attachment", "channel_id", channelID, "error", err)
			continue
		}
		if local != nil {
			defer local.Close()
			name := attachment.Filename
			if name == "" {
				name = filepath.Base(local.Name())
			}
			files = append(files, &discordgo.File{Name: name, ContentType: attachment.MimeType, Reader: local})
		}
		if link != "" {
			text = strings.TrimSpace(text + "\n" + link)
		}
	}

	chunks := splitMessage(text, maxMessageSize)
	if len(chunks) == 0 && len(files) > 0 {
		chunks = []string{""}
	}

	firstID := ""
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		}
		if i == 0 {
			send.Files = files
			if out.ReplyTo != "" {
				send.Reference = &discordgo.MessageReference{MessageID: out.ReplyTo, ChannelID: channelID}
			}
		}

		sent, err := a.session.ChannelMessageSendComplex(channelID, send)
		if err != nil {
			return firstID, fmt.Errorf("send discord message: %w", err)
		}
		if firstID == "" && sent != nil {
			firstID = sent.ID
		}
	}

	return firstID, nil
}

// uploadOf opens local attachments for upload and returns remote ones as a
// link to append to the text.
func uploadOf(attachment message.Attachment) (*os.File, string, error) {
	switch {
	case attachment.FilePath != "":
		f, err := os.Open(attachment.FilePath)
		if err != nil {
			return nil, "", fmt.Errorf("open attachment: %w", err)
		}
		return f, "", nil
	case attachment.FileURL != "":
		return nil, attachment.FileURL, nil
	default:
		return nil, "", errors.New("attachment has no file path or url")
	}
}

// splitMessage splits text into chunks at newline boundaries, respecting
// maxLen runes. Blank text yields no chunks.
func splitMessage(text string, maxLen int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > maxLen {
		cutAt := maxLen
		for i := maxLen - 1; i > 0; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return append(chunks, string(runes))
}
