// Package message defines the universal envelope exchanged between adapters,
// the plugin dispatcher and the history store.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ReplySnippetLimit bounds the quoted text kept in a reply snapshot.
const ReplySnippetLimit = 100

// EventType discriminates the kind of platform event carried by a message.
type EventType string

const (
	EventMessage  EventType = "message"
	EventEdit     EventType = "edit"
	EventDelete   EventType = "delete"
	EventPin      EventType = "pin"
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventBan      EventType = "ban"
	EventAPI      EventType = "api"
	EventReaction EventType = "reaction"
)

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationChannel ConversationType = "channel"
	ConversationDM      ConversationType = "dm"
	ConversationPrivate ConversationType = "private"
	ConversationUnknown ConversationType = "unknown"
)

// UniversalMessage is the canonical cross-platform event envelope.
type UniversalMessage struct {
	UniversalID      string        `json:"universalId"`
	Timestamp        int64         `json:"timestamp"`
	Platform         string        `json:"platform"`
	AdapterID        string        `json:"adapterId"`
	EventType        EventType     `json:"eventType"`
	Server           *Server       `json:"server,omitempty"`
	Conversation     Conversation  `json:"conversation"`
	Thread           *Thread       `json:"thread"`
	Author           Author        `json:"author"`
	Message          *Body         `json:"message"`
	Attachments      []Attachment  `json:"attachments"`
	Reaction         *Reaction     `json:"reaction"`
	SocialEvent      *SocialEvent  `json:"socialEvent"`
	ConfigChange     *ConfigChange `json:"configChange"`
	APICall          *APICall      `json:"apiCall"`
	IsPluginResponse bool          `json:"isPluginResponse,omitempty"`
}

type Server struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type Conversation struct {
	ID   string           `json:"id"`
	Name string           `json:"name"`
	Type ConversationType `json:"type"`
}

type Thread struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Bot         bool   `json:"bot"`
}

// Body is the chat payload of a message event.
type Body struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	ReplyTo *ReplyTo `json:"replyTo"`
	Edited  bool     `json:"edited"`
	Pinned  bool     `json:"pinned"`
}

// ReplyTo is a snapshot of the replied-to message, not a live reference.
type ReplyTo struct {
	MessageID   string `json:"messageId"`
	UniversalID string `json:"universalId,omitempty"`
	Text        string `json:"text"`
	Author      Author `json:"author"`
}

type Attachment struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type Reaction struct {
	Emoji     string `json:"emoji"`
	MessageID string `json:"messageId"`
	Removed   bool   `json:"removed,omitempty"`
}

type SocialEvent struct {
	Action     string  `json:"action"`
	TargetUser Author  `json:"targetUser"`
	Moderator  *Author `json:"moderator,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type ConfigChange struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type APICall struct {
	API     string `json:"api,omitempty"`
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

// New returns a message with a fresh universal id and the current timestamp.
func New(platform, adapterID string, eventType EventType) *UniversalMessage {
	return &UniversalMessage{
		UniversalID: uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
		Platform:    platform,
		AdapterID:   adapterID,
		EventType:   eventType,
		Conversation: Conversation{
			Type: ConversationUnknown,
		},
	}
}

// Validate checks the envelope invariants: identity fields are set and exactly
// one of message, socialEvent or apiCall is present.
func (m *UniversalMessage) Validate() error {
	if m == nil {
		return errors.New("message is nil")
	}
	if strings.TrimSpace(m.UniversalID) == "" {
		return errors.New("universalId is required")
	}
	if strings.TrimSpace(m.AdapterID) == "" {
		return errors.New("adapterId is required")
	}
	if strings.TrimSpace(m.Conversation.ID) == "" {
		return errors.New("conversation.id is required")
	}

	primary := 0
	for _, set := range []bool{m.Message != nil, m.SocialEvent != nil, m.APICall != nil} {
		if set {
			primary++
		}
	}
	if primary != 1 {
		return fmt.Errorf("exactly one of message, socialEvent, apiCall must be set (got %d)", primary)
	}

	extras := 0
	for _, set := range []bool{m.SocialEvent != nil, m.APICall != nil, m.Reaction != nil, m.ConfigChange != nil} {
		if set {
			extras++
		}
	}
	if extras > 1 {
		return errors.New("socialEvent, apiCall, reaction and configChange are mutually exclusive")
	}

	return nil
}

// Text returns the chat text or "" for non-chat events.
func (m *UniversalMessage) Text() string {
	if m == nil || m.Message == nil {
		return ""
	}
	return m.Message.Text
}

// NativeID returns the platform-native message id or "".
func (m *UniversalMessage) NativeID() string {
	if m == nil || m.Message == nil {
		return ""
	}
	return m.Message.ID
}

// ThreadID returns the thread id or "" when the message is not threaded.
func (m *UniversalMessage) ThreadID() string {
	if m == nil || m.Thread == nil {
		return ""
	}
	return m.Thread.ID
}

// Clone returns a deep copy so receivers can enrich a message without
// mutating what other subscribers observe.
func (m *UniversalMessage) Clone() *UniversalMessage {
	if m == nil {
		return nil
	}

	out := *m
	if m.Server != nil {
		s := *m.Server
		out.Server = &s
	}
	if m.Thread != nil {
		t := *m.Thread
		out.Thread = &t
	}
	if m.Message != nil {
		b := *m.Message
		if m.Message.ReplyTo != nil {
			r := *m.Message.ReplyTo
			b.ReplyTo = &r
		}
		out.Message = &b
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reaction != nil {
		r := *m.Reaction
		out.Reaction = &r
	}
	if m.SocialEvent != nil {
		s := *m.SocialEvent
		if m.SocialEvent.Moderator != nil {
			mod := *m.SocialEvent.Moderator
			s.Moderator = &mod
		}
		out.SocialEvent = &s
	}
	if m.ConfigChange != nil {
		c := *m.ConfigChange
		out.ConfigChange = &c
	}
	if m.APICall != nil {
		a := *m.APICall
		out.APICall = &a
	}

	return &out
}

// Snippet truncates text to ReplySnippetLimit runes.
func Snippet(text string) string {
	if utf8.RuneCountInString(text) <= ReplySnippetLimit {
		return text
	}

	runes := []rune(text)
	return string(runes[:ReplySnippetLimit])
}

// ParseAdapterID splits an adapter id of the form <platform>-<instance>.
func ParseAdapterID(adapterID string) (platform string, instance int, err error) {
	idx := strings.LastIndex(adapterID, "-")
	if idx <= 0 || idx == len(adapterID)-1 {
		return "", 0, fmt.Errorf("adapter id %q is not of the form <platform>-<instance>", adapterID)
	}

	instance, err = strconv.Atoi(adapterID[idx+1:])
	if err != nil || instance < 1 {
		return "", 0, fmt.Errorf("adapter id %q has an invalid instance number", adapterID)
	}

	return adapterID[:idx], instance, nil
}

// AdapterID formats an adapter id for a platform instance.
func AdapterID(platform string, instance int) string {
	return platform + "-" + strconv.Itoa(instance)
}
