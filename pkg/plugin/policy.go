package plugin

import (
	"fmt"
	"strings"

	"acople/pkg/message"
)

const DefaultBootstrap = "setvar"

// Policy decides who may run which plugin.
//
// With no sudo users configured only the bootstrap plugin runs. Otherwise
// sudo plugins need a sudo user, and other plugins run for sudo users
// anywhere and for everyone inside bridged chats.
type Policy struct {
	sudo      map[string]struct{}
	bootstrap string
	bridged   func(adapterID, chatID string) bool
}

func NewPolicy(sudoUsers []string, bootstrap string, bridged func(adapterID, chatID string) bool) Policy {
	users := make(map[string]struct{}, len(sudoUsers))
	for _, id := range sudoUsers {
		if id = strings.TrimSpace(id); id != "" {
			users[id] = struct{}{}
		}
	}
	if bootstrap == "" {
		bootstrap = DefaultBootstrap
	}
	if bridged == nil {
		bridged = func(string, string) bool { return false }
	}

	return Policy{sudo: users, bootstrap: bootstrap, bridged: bridged}
}

// BootstrapOnly reports whether no sudo users are configured.
func (p Policy) BootstrapOnly() bool {
	return len(p.sudo) == 0
}

func (p Policy) IsSudo(userID string) bool {
	_, ok := p.sudo[userID]
	return ok
}

// Allow returns nil or an error wrapping ErrDenied.
func (p Policy) Allow(d *Descriptor, msg *message.UniversalMessage) error {
	userID := msg.Author.ID

	if p.BootstrapOnly() {
		if d.Name == p.bootstrap {
			return nil
		}
		return fmt.Errorf("%w: bootstrap-only mode admits only %s", ErrDenied, p.bootstrap)
	}

	if p.IsSudo(userID) {
		return nil
	}
	if d.Sudo {
		return fmt.Errorf("%w: %s requires a sudo user", ErrDenied, d.Name)
	}
	if p.bridged(msg.AdapterID, msg.Conversation.ID) {
		return nil
	}
	return fmt.Errorf("%w: chat %s:%s is not bridged", ErrDenied, msg.AdapterID, msg.Conversation.ID)
}
