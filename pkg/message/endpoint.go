package message

import (
	"fmt"
	"strings"
)

// Endpoint identifies a deliverable destination. An empty ThreadID means the
// endpoint is the conversation itself.
type Endpoint struct {
	AdapterID string `json:"adapterId"`
	ChatID    string `json:"chatId"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Key renders the endpoint as adapterId:chatId[/threadId].
func (e Endpoint) Key() string {
	key := e.AdapterID + ":" + e.ChatID
	if e.ThreadID != "" {
		key += "/" + e.ThreadID
	}
	return key
}

func (e Endpoint) String() string {
	return e.Key()
}

// SourceEndpoint returns the endpoint a message originated from.
func SourceEndpoint(m *UniversalMessage) Endpoint {
	if m == nil {
		return Endpoint{}
	}

	return Endpoint{
		AdapterID: m.AdapterID,
		ChatID:    m.Conversation.ID,
		ThreadID:  m.ThreadID(),
	}
}

// ParseEndpoint parses the adapterId:chatId[/threadId] form produced by Key.
func ParseEndpoint(key string) (Endpoint, error) {
	adapterID, chat, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || adapterID == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: want adapterId:chatId[/threadId]", key)
	}

	chatID, threadID, _ := strings.Cut(chat, "/")
	if chatID == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: empty chat id", key)
	}
	return Endpoint{AdapterID: adapterID, ChatID: chatID, ThreadID: threadID}, nil
}
