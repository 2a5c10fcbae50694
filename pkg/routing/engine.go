package routing

import (
	"acople/pkg/message"
)

// Engine evaluates an immutable rule set. It is safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine copies rules into a new engine.
func NewEngine(rules []Rule) *Engine {
	copied := make([]Rule, len(rules))
	for i, rule := range rules {
		copied[i] = Rule{
			ID:      rule.ID,
			IsAll:   rule.IsAll,
			Targets: append([]Target(nil), rule.Targets...),
		}
	}
	return &Engine{rules: copied}
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	return NewEngine(e.rules).rules
}

// ShouldDeliver decides whether src may be delivered to target.
//
// A message is never echoed into its own origin unless it is a plugin
// response. "all" rules are global sinks: any source reaches their in/inout
// targets. Other rules need the source as out/inout and the target as in/inout
// inside the same rule.
func (e *Engine) ShouldDeliver(src *message.UniversalMessage, target message.Endpoint) bool {
	if src == nil {
		return false
	}

	source := message.SourceEndpoint(src)
	if source.Key() == target.Key() {
		return src.IsPluginResponse
	}

	for _, rule := range e.rules {
		if rule.IsAll {
			if rule.has(target, Direction.Receives) {
				return true
			}
			continue
		}

		if rule.has(source, Direction.Sends) && rule.has(target, Direction.Receives) {
			return true
		}
	}

	return false
}

// has reports whether the rule lists endpoint exactly with a direction
// accepted by allow. Thread ids compare strictly, empty only matches empty.
func (r Rule) has(endpoint message.Endpoint, allow func(Direction) bool) bool {
	for _, target := range r.Targets {
		if target.Endpoint == endpoint && allow(target.Direction) {
			return true
		}
	}
	return false
}

// Targets lists the distinct endpoints configured for an adapter, in rule order.
func (e *Engine) Targets(adapterID string) []message.Endpoint {
	seen := make(map[message.Endpoint]struct{})
	var endpoints []message.Endpoint

	for _, rule := range e.rules {
		for _, target := range rule.Targets {
			if target.AdapterID != adapterID {
				continue
			}
			if _, ok := seen[target.Endpoint]; ok {
				continue
			}
			seen[target.Endpoint] = struct{}{}
			endpoints = append(endpoints, target.Endpoint)
		}
	}

	return endpoints
}

// ThreadReferenced reports whether some rule names a thread inside the chat.
// Threads that no rule mentions are collapsed into their parent conversation.
func (e *Engine) ThreadReferenced(adapterID, chatID string) bool {
	for _, rule := range e.rules {
		for _, target := range rule.Targets {
			if target.AdapterID == adapterID && target.ChatID == chatID && target.ThreadID != "" {
				return true
			}
		}
	}
	return false
}

// IsBridged reports whether the chat appears as a target of any rule.
func (e *Engine) IsBridged(adapterID, chatID string) bool {
	_, ok := e.RuleFor(adapterID, chatID)
	return ok
}

// RuleFor returns the id of the first rule containing the chat.
func (e *Engine) RuleFor(adapterID, chatID string) (string, bool) {
	for _, rule := range e.rules {
		for _, target := range rule.Targets {
			if target.AdapterID == adapterID && target.ChatID == chatID {
				return rule.ID, true
			}
		}
	}
	return "", false
}
