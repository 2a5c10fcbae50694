package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"acople/pkg/channel"
	"acople/pkg/message"
)

type fakeBot struct {
	mu        sync.Mutex
	messages  []*telego.SendMessageParams
	photos    []*telego.SendPhotoParams
	documents []*telego.SendDocumentParams
	nextID    int
	sendErr   error
}

func (b *fakeBot) sent() *telego.Message {
	b.nextID++
	return &telego.Message{MessageID: 900 + b.nextID}
}

func (b *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.messages = append(b.messages, params)
	return b.sent(), nil
}

func (b *fakeBot) SendPhoto(_ context.Context, params *telego.SendPhotoParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.photos = append(b.photos, params)
	return b.sent(), nil
}

func (b *fakeBot) SendDocument(_ context.Context, params *telego.SendDocumentParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.documents = append(b.documents, params)
	return b.sent(), nil
}

func (b *fakeBot) GetFile(_ context.Context, params *telego.GetFileParams) (*telego.File, error) {
	return &telego.File{FileID: params.FileID, FilePath: "files/" + params.FileID}, nil
}

func (b *fakeBot) FileDownloadURL(filepath string) string {
	return "https://files.example/" + filepath
}

// fakeSink keeps threads of chat "-100" and resolves native reply id "50".
type fakeSink struct {
	mu        sync.Mutex
	published []*message.UniversalMessage
}

func (s *fakeSink) NewEvent(eventType message.EventType) *message.UniversalMessage {
	return message.New(platformName, "telegram-1", eventType)
}

func (s *fakeSink) ThreadFor(chatID, threadID string) string {
	if chatID == "-100" {
		return threadID
	}
	return ""
}

func (s *fakeSink) ReplySnapshot(_ context.Context, nativeReplyID, _ string, fallbackText string, fallbackAuthor message.Author) *message.ReplyTo {
	snapshot := &message.ReplyTo{MessageID: nativeReplyID, Text: fallbackText, Author: fallbackAuthor}
	if nativeReplyID == "50" {
		snapshot.UniversalID = "uid-50"
	}
	return snapshot
}

func (s *fakeSink) Publish(_ context.Context, msg *message.UniversalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msg)
	return nil
}

func (s *fakeSink) messages() []*message.UniversalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.UniversalMessage(nil), s.published...)
}

var _ channel.Sink = (*fakeSink)(nil)

func groupMessage(id int, text string) *telego.Message {
	return &telego.Message{
		MessageID: id,
		From:      &telego.User{ID: 7, FirstName: "Ana", LastName: "Ruiz", Username: "ana"},
		Chat:      telego.Chat{ID: -100, Type: telego.ChatTypeSupergroup, Title: "Crew"},
		Text:      text,
	}
}

func TestConvertGroupMessage(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)
	sink := &fakeSink{}

	msgs := a.convert(context.Background(), sink, telego.Update{UpdateID: 1, Message: groupMessage(10, "hola")})
	if len(msgs) != 1 {
		t.Fatalf("convert returned %d messages, want 1", len(msgs))
	}

	got := msgs[0]
	if got.EventType != message.EventMessage || got.Text() != "hola" || got.NativeID() != "10" {
		t.Fatalf("message = %+v body = %+v", got, got.Message)
	}
	if got.Conversation != (message.Conversation{ID: "-100", Name: "Crew", Type: message.ConversationChannel}) {
		t.Fatalf("conversation = %+v", got.Conversation)
	}
	if got.Author.ID != "7" || got.Author.DisplayName != "Ana Ruiz" || got.Author.Username != "ana" {
		t.Fatalf("author = %+v", got.Author)
	}
	if got.Thread != nil {
		t.Fatalf("thread = %+v, want nil", got.Thread)
	}
}

func TestConvertTopicReplyAndEdit(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)
	sink := &fakeSink{}

	topic := groupMessage(11, "in topic")
	topic.IsTopicMessage = true
	topic.MessageThreadID = 3
	topic.ReplyToMessage = &telego.Message{MessageID: 3, Text: "topic opener"}

	msgs := a.convert(context.Background(), sink, telego.Update{Message: topic})
	if len(msgs) != 1 {
		t.Fatalf("convert returned %d messages", len(msgs))
	}
	if msgs[0].ThreadID() != "3" {
		t.Fatalf("thread = %q, want 3", msgs[0].ThreadID())
	}
	if msgs[0].Message.ReplyTo != nil {
		t.Fatalf("topic opener must not count as a reply: %+v", msgs[0].Message.ReplyTo)
	}

	reply := groupMessage(12, "agreed")
	reply.ReplyToMessage = &telego.Message{
		MessageID: 50,
		Text:      "[DISCORD] Bo (general):\nlunch?",
		From:      &telego.User{ID: 1, FirstName: "Bridge", IsBot: true},
	}
	msgs = a.convert(context.Background(), sink, telego.Update{EditedMessage: reply})
	if len(msgs) != 1 {
		t.Fatalf("convert returned %d messages", len(msgs))
	}
	got := msgs[0]
	if got.EventType != message.EventEdit || !got.Message.Edited {
		t.Fatalf("edited update = %s edited=%v", got.EventType, got.Message.Edited)
	}
	if got.Message.ReplyTo == nil || got.Message.ReplyTo.UniversalID != "uid-50" || got.Message.ReplyTo.MessageID != "50" {
		t.Fatalf("replyTo = %+v", got.Message.ReplyTo)
	}
	if !got.Message.ReplyTo.Author.Bot {
		t.Fatalf("fallback author lost: %+v", got.Message.ReplyTo.Author)
	}
}

func TestConvertThreadCollapsesInUnreferencedChat(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)

	msg := groupMessage(13, "elsewhere")
	msg.Chat.ID = -200
	msg.IsTopicMessage = true
	msg.MessageThreadID = 9

	msgs := a.convert(context.Background(), &fakeSink{}, telego.Update{Message: msg})
	if len(msgs) != 1 || msgs[0].Thread != nil {
		t.Fatalf("expected thread to collapse, got %+v", msgs)
	}
}

func TestConvertSocialEventsAndService(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)

	service := groupMessage(14, "")
	service.NewChatMembers = []telego.User{{ID: 8, FirstName: "Cy"}, {ID: 9, FirstName: "Di"}}

	msgs := a.convert(context.Background(), &fakeSink{}, telego.Update{Message: service})
	if len(msgs) != 2 {
		t.Fatalf("convert returned %d messages, want 2 joins", len(msgs))
	}
	for _, msg := range msgs {
		if msg.EventType != message.EventJoin || msg.SocialEvent == nil || msg.Message != nil {
			t.Fatalf("join = %+v", msg)
		}
		if err := msg.Validate(); err != nil {
			t.Fatalf("join invalid: %v", err)
		}
	}
	if msgs[1].SocialEvent.TargetUser.ID != "9" {
		t.Fatalf("target = %+v", msgs[1].SocialEvent.TargetUser)
	}

	left := groupMessage(15, "")
	left.LeftChatMember = &telego.User{ID: 8, FirstName: "Cy"}
	msgs = a.convert(context.Background(), &fakeSink{}, telego.Update{Message: left})
	if len(msgs) != 1 || msgs[0].EventType != message.EventLeave {
		t.Fatalf("leave = %+v", msgs)
	}
}

func TestConvertPrivateChannelPostAndPhoto(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)
	sink := &fakeSink{}

	private := &telego.Message{
		MessageID: 1,
		From:      &telego.User{ID: 7, FirstName: "Ana"},
		Chat:      telego.Chat{ID: 7, Type: telego.ChatTypePrivate, FirstName: "Ana"},
		Text:      "psst",
	}
	msgs := a.convert(context.Background(), sink, telego.Update{Message: private})
	if got := msgs[0].Conversation; got.Type != message.ConversationDM || got.Name != "Ana" {
		t.Fatalf("private conversation = %+v", got)
	}

	post := &telego.Message{
		MessageID:  2,
		SenderChat: &telego.Chat{ID: -300, Title: "News"},
		Chat:       telego.Chat{ID: -300, Type: telego.ChatTypeChannel, Title: "News"},
		Caption:    "look",
		Photo: []telego.PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 1280, Height: 720},
		},
	}
	msgs = a.convert(context.Background(), sink, telego.Update{ChannelPost: post})
	got := msgs[0]
	if got.Author.ID != "-300" || got.Author.DisplayName != "News" {
		t.Fatalf("channel post author = %+v", got.Author)
	}
	if got.Text() != "look" || len(got.Attachments) != 1 {
		t.Fatalf("photo message = %q %+v", got.Text(), got.Attachments)
	}
	if att := got.Attachments[0]; att.Type != "image" || att.FileURL != "https://files.example/files/big" || att.Width != 1280 {
		t.Fatalf("attachment = %+v", att)
	}
}

func TestConvertDropsUnauthorizedSender(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, []string{"42"}, nil)

	if msgs := a.convert(context.Background(), &fakeSink{}, telego.Update{Message: groupMessage(1, "hi")}); len(msgs) != 0 {
		t.Fatalf("expected sender 7 to be dropped, got %d messages", len(msgs))
	}
}

func TestSendTextThreadAndReply(t *testing.T) {
	bot := &fakeBot{}
	a := newAdapter(bot, nil, nil, nil)

	nativeID, err := a.Send(context.Background(), channel.Outbound{
		Endpoint: message.Endpoint{AdapterID: "telegram-1", ChatID: "-100", ThreadID: "3"},
		Text:     "[DISCORD] Bo (general):\nhi",
		ReplyTo:  "77",
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if nativeID != "901" {
		t.Fatalf("native id = %q, want 901", nativeID)
	}

	params := bot.messages[0]
	if params.ChatID.ID != -100 || params.MessageThreadID != 3 || params.Text != "[DISCORD] Bo (general):\nhi" {
		t.Fatalf("params = %+v", params)
	}
	if params.ReplyParameters == nil || params.ReplyParameters.MessageID != 77 {
		t.Fatalf("reply parameters = %+v", params.ReplyParameters)
	}
}

func TestSendSplitsLongTextAndAttachments(t *testing.T) {
	bot := &fakeBot{}
	a := newAdapter(bot, nil, nil, nil)

	nativeID, err := a.Send(context.Background(), channel.Outbound{
		Endpoint: message.Endpoint{AdapterID: "telegram-1", ChatID: "5"},
		Text:     strings.Repeat("é", maxMessageSize+10),
		ReplyTo:  "4",
		Attachments: []message.Attachment{
			{Type: "image", FileURL: "https://img.example/a.png"},
			{Type: "document", FileURL: "https://img.example/a.pdf"},
			{Type: "document"},
		},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if nativeID != "901" {
		t.Fatalf("native id = %q, want first chunk", nativeID)
	}
	if len(bot.messages) != 2 || len(bot.photos) != 1 || len(bot.documents) != 1 {
		t.Fatalf("sent %d texts, %d photos, %d documents", len(bot.messages), len(bot.photos), len(bot.documents))
	}
	if bot.messages[1].ReplyParameters != nil {
		t.Fatal("only the first chunk replies")
	}
}

func TestSendRejectsBadIDsAndReportsErrors(t *testing.T) {
	a := newAdapter(&fakeBot{}, nil, nil, nil)
	if _, err := a.Send(context.Background(), channel.Outbound{Endpoint: message.Endpoint{ChatID: "general"}, Text: "x"}); err == nil {
		t.Fatal("expected non-numeric chat id error")
	}

	failing := newAdapter(&fakeBot{sendErr: errors.New("chat not found")}, nil, nil, nil)
	if _, err := failing.Send(context.Background(), channel.Outbound{Endpoint: message.Endpoint{ChatID: "1"}, Text: "x"}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestRunPublishesUpdates(t *testing.T) {
	updates := make(chan telego.Update, 2)
	updates <- telego.Update{UpdateID: 1, Message: groupMessage(20, "one")}
	updates <- telego.Update{UpdateID: 2}
	source := func(context.Context) (<-chan telego.Update, error) { return updates, nil }

	a := newAdapter(&fakeBot{}, source, nil, nil)
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, sink) }()

	deadline := time.After(2 * time.Second)
	for len(sink.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("update was not published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error: %v", err)
	}

	closed := make(chan telego.Update)
	close(closed)
	a.updates = func(context.Context) (<-chan telego.Update, error) { return closed, nil }
	if err := a.Run(context.Background(), sink); err == nil {
		t.Fatal("expected error when updates close unexpectedly")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if allowFromSet([]string{" "}) != nil {
		t.Fatal("blank allow list must mean everyone")
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("  ", 10); got != nil {
		t.Fatalf("blank text = %q", got)
	}
	got := splitText("abcdefg", 3)
	if strings.Join(got, "|") != "abc|def|g" {
		t.Fatalf("splitText = %q", got)
	}
}
