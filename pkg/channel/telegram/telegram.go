// Package telegram is the Telegram platform for a channel bridge.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"acople/pkg/channel"
	"acople/pkg/config"
	"acople/pkg/message"
)

const (
	platformName   = "telegram"
	maxMessageSize = 4096
)

// botAPI is the part of *telego.Bot the adapter needs.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

type updateSource func(ctx context.Context) (<-chan telego.Update, error)

// Adapter maps Telegram updates to universal messages and sends bridged
// messages back into Telegram chats.
type Adapter struct {
	bot       botAPI
	updates   updateSource
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates := func(ctx context.Context) (<-chan telego.Update, error) {
		return bot.UpdatesViaLongPolling(ctx, nil)
	}
	return newAdapter(bot, updates, cfg.AllowFrom, log), nil
}

func newAdapter(bot botAPI, updates updateSource, allowFrom []string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		bot:       bot,
		updates:   updates,
		allowFrom: allowFromSet(allowFrom),
		log:       log.With("component", "channel.telegram"),
	}
}

func (a *Adapter) Name() string {
	return platformName
}

// Run long-polls Telegram and publishes every supported update through sink.
func (a *Adapter) Run(ctx context.Context, sink channel.Sink) error {
	if sink == nil {
		return errors.New("sink is required")
	}

	updates, err := a.updates(ctx)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			for _, msg := range a.convert(ctx, sink, update) {
				if err := sink.Publish(ctx, msg); err != nil {
					a.log.Error("Failed to publish telegram update", "update_id", update.UpdateID, "error", err)
				}
			}
		}
	}
}

// convert turns one update into zero or more universal messages.
func (a *Adapter) convert(ctx context.Context, sink channel.Sink, update telego.Update) []*message.UniversalMessage {
	msg, edited := update.Message, false
	switch {
	case msg != nil:
	case update.EditedMessage != nil:
		msg, edited = update.EditedMessage, true
	case update.ChannelPost != nil:
		msg = update.ChannelPost
	case update.EditedChannelPost != nil:
		msg, edited = update.EditedChannelPost, true
	default:
		return nil
	}

	if msg.From != nil {
		senderID := strconv.FormatInt(msg.From.ID, 10)
		if !a.senderAllowed(senderID) {
			a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
			return nil
		}
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	threadID := ""
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		threadID = sink.ThreadFor(chatID, strconv.Itoa(msg.MessageThreadID))
	}

	stamp := func(out *message.UniversalMessage) {
		out.Conversation = conversation(msg.Chat)
		if threadID != "" {
			out.Thread = &message.Thread{ID: threadID}
		}
	}

	var out []*message.UniversalMessage

	for _, member := range msg.NewChatMembers {
		join := sink.NewEvent(message.EventJoin)
		stamp(join)
		join.Author = author(msg)
		join.SocialEvent = &message.SocialEvent{Action: "join", TargetUser: userAuthor(member)}
		out = append(out, join)
	}
	if msg.LeftChatMember != nil {
		leave := sink.NewEvent(message.EventLeave)
		stamp(leave)
		leave.Author = author(msg)
		leave.SocialEvent = &message.SocialEvent{Action: "leave", TargetUser: userAuthor(*msg.LeftChatMember)}
		out = append(out, leave)
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	attachments := a.attachments(ctx, msg)
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return out
	}

	eventType := message.EventMessage
	if edited {
		eventType = message.EventEdit
	}
	chat := sink.NewEvent(eventType)
	stamp(chat)
	chat.Author = author(msg)
	chat.Attachments = attachments
	chat.Message = &message.Body{
		ID:     strconv.Itoa(msg.MessageID),
		Text:   text,
		Edited: edited,
	}
	if quoted := repliedTo(msg); quoted != nil {
		quotedText := quoted.Text
		if quotedText == "" {
			quotedText = quoted.Caption
		}
		chat.Message.ReplyTo = sink.ReplySnapshot(ctx, strconv.Itoa(quoted.MessageID), threadID, quotedText, author(quoted))
	}

	return append(out, chat)
}

// repliedTo returns the message msg answers. Inside forum topics Telegram
// points every message at the topic's opening message; that is not a reply.
func repliedTo(msg *telego.Message) *telego.Message {
	quoted := msg.ReplyToMessage
	if quoted == nil {
		return nil
	}
	if msg.IsTopicMessage && quoted.MessageID == msg.MessageThreadID {
		return nil
	}
	return quoted
}

func (a *Adapter) attachments(ctx context.Context, msg *telego.Message) []message.Attachment {
	var out []message.Attachment

	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		out = append(out, message.Attachment{
			Type:    "image",
			FileURL: a.downloadURL(ctx, largest.FileID),
			Size:    int64(largest.FileSize),
			Width:   largest.Width,
			Height:  largest.Height,
			Caption: msg.Caption,
		})
	}
	if doc := msg.Document; doc != nil {
		out = append(out, message.Attachment{
			Type:     "document",
			FileURL:  a.downloadURL(ctx, doc.FileID),
			Filename: doc.FileName,
			MimeType: doc.MimeType,
			Size:     int64(doc.FileSize),
			Caption:  msg.Caption,
		})
	}

	return out
}

func (a *Adapter) downloadURL(ctx context.Context, fileID string) string {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		a.log.Warn("Failed to resolve telegram file", "file_id", fileID, "error", err)
		return ""
	}
	return a.bot.FileDownloadURL(file.FilePath)
}

// Send delivers out to a Telegram chat and returns the id of the first
// message sent. Long text is split into Telegram-sized chunks.
func (a *Adapter) Send(ctx context.Context, out channel.Outbound) (string, error) {
	chatID, err := strconv.ParseInt(out.Endpoint.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse chat id %q: %w", out.Endpoint.ChatID, err)
	}
	threadID, err := optionalInt(out.Endpoint.ThreadID)
	if err != nil {
		return "", fmt.Errorf("parse thread id %q: %w", out.Endpoint.ThreadID, err)
	}
	replyTo, err := optionalInt(out.ReplyTo)
	if err != nil {
		return "", fmt.Errorf("parse reply id %q: %w", out.ReplyTo, err)
	}

	var reply *telego.ReplyParameters
	if replyTo != 0 {
		reply = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}

	firstID := ""
	remember := func(sent *telego.Message) {
		if firstID == "" && sent != nil {
			firstID = strconv.Itoa(sent.MessageID)
			reply = nil
		}
	}

	for _, chunk := range splitText(out.Text, maxMessageSize) {
		params := tu.Message(tu.ID(chatID), chunk)
		params.MessageThreadID = threadID
		params.ReplyParameters = reply

		sent, err := a.bot.SendMessage(ctx, params)
		if err != nil {
			return firstID, fmt.Errorf("send telegram message: %w", err)
		}
		remember(sent)
	}

	for _, attachment := range out.Attachments {
		sent, err := a.sendAttachment(ctx, chatID, threadID, reply, attachment)
		if err != nil {
			a.log.Warn("Failed to send telegram attachment", "chat_id", chatID, "type", attachment.Type, "error", err)
			continue
		}
		remember(sent)
	}

	a.log.Debug("Sent telegram message", "chat_id", chatID, "thread_id", threadID, "native_id", firstID)
	return firstID, nil
}

func (a *Adapter) sendAttachment(ctx context.Context, chatID int64, threadID int, reply *telego.ReplyParameters, attachment message.Attachment) (*telego.Message, error) {
	var file telego.InputFile
	switch {
	case attachment.FileURL != "":
		file = tu.FileFromURL(attachment.FileURL)
	case attachment.FilePath != "":
		f, err := os.Open(attachment.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open attachment: %w", err)
		}
		defer f.Close()
		file = tu.File(f)
	default:
		return nil, errors.New("attachment has no file path or url")
	}

	if attachment.Type == "image" {
		params := tu.Photo(tu.ID(chatID), file)
		params.MessageThreadID = threadID
		params.ReplyParameters = reply
		params.Caption = attachment.Caption
		return a.bot.SendPhoto(ctx, params)
	}

	params := tu.Document(tu.ID(chatID), file)
	params.MessageThreadID = threadID
	params.ReplyParameters = reply
	params.Caption = attachment.Caption
	return a.bot.SendDocument(ctx, params)
}

func conversation(chat telego.Chat) message.Conversation {
	conv := message.Conversation{ID: strconv.FormatInt(chat.ID, 10), Name: chat.Title}

	switch chat.Type {
	case telego.ChatTypePrivate:
		conv.Type = message.ConversationDM
		if conv.Name == "" {
			conv.Name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
		}
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup, telego.ChatTypeChannel:
		conv.Type = message.ConversationChannel
	default:
		conv.Type = message.ConversationUnknown
	}
	if conv.Name == "" {
		conv.Name = chat.Username
	}
	return conv
}

// author prefers the sending user and falls back to the sender chat used
// for channel posts and anonymous admins.
func author(msg *telego.Message) message.Author {
	if msg.From != nil {
		return userAuthor(*msg.From)
	}
	if msg.SenderChat != nil {
		return message.Author{
			ID:          strconv.FormatInt(msg.SenderChat.ID, 10),
			Username:    msg.SenderChat.Username,
			DisplayName: msg.SenderChat.Title,
		}
	}
	return message.Author{}
}

func userAuthor(user telego.User) message.Author {
	return message.Author{
		ID:          strconv.FormatInt(user.ID, 10),
		Username:    user.Username,
		DisplayName: strings.TrimSpace(user.FirstName + " " + user.LastName),
		Bot:         user.IsBot,
	}
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// splitText cuts text into pieces of at most limit runes. Empty text yields
// no pieces.
func splitText(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		chunks = append(chunks, string(runes[:limit]))
		runes = runes[limit:]
	}
	return append(chunks, string(runes))
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	if len(allowed) == 0 {
		return nil
	}
	return allowed
}
