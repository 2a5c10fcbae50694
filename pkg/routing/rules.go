// Package routing parses bridge rules and decides which endpoints receive a
// given message.
package routing

import (
	"strconv"
	"strings"

	"acople/pkg/message"
)

const allPrefix = "all:"

// Direction is the delivery permission of a rule target.
type Direction string

const (
	DirectionIn    Direction = "in"
	DirectionOut   Direction = "out"
	DirectionInOut Direction = "inout"
)

// Receives reports whether the target accepts deliveries.
func (d Direction) Receives() bool {
	return d == DirectionIn || d == DirectionInOut
}

// Sends reports whether messages from the target may be relayed.
func (d Direction) Sends() bool {
	return d == DirectionOut || d == DirectionInOut
}

func (d Direction) valid() bool {
	return d == DirectionIn || d == DirectionOut || d == DirectionInOut
}

// Target is one endpoint of a rule with its direction.
type Target struct {
	message.Endpoint
	Direction Direction `json:"direction"`
}

// Rule groups endpoints that bridge to each other.
type Rule struct {
	ID      string   `json:"ruleId"`
	IsAll   bool     `json:"isAll"`
	Targets []Target `json:"targets"`
}

// ParseRules parses ordered rule entries. Entry i becomes RULE_<i+1>.
// Malformed target descriptors are dropped; the rest of the rule is kept.
func ParseRules(entries []string) []Rule {
	rules := make([]Rule, 0, len(entries))
	for i, entry := range entries {
		rules = append(rules, ParseRule("RULE_"+strconv.Itoa(i+1), entry))
	}
	return rules
}

// ParseRule parses one comma-separated rule entry.
func ParseRule(id string, entry string) Rule {
	rule := Rule{ID: id}

	for _, part := range strings.Split(entry, ",") {
		descriptor := strings.TrimSpace(part)
		if descriptor == "" {
			continue
		}

		if strings.HasPrefix(descriptor, allPrefix) {
			rule.IsAll = true
			descriptor = strings.TrimPrefix(descriptor, allPrefix)
		}

		target, ok := parseTarget(descriptor)
		if !ok {
			continue
		}
		rule.Targets = append(rule.Targets, target)
	}

	return rule
}

// parseTarget parses adapterId:chatId[/threadId]:direction.
func parseTarget(descriptor string) (Target, bool) {
	fields := strings.Split(descriptor, ":")
	if len(fields) < 3 {
		return Target{}, false
	}

	adapterID := strings.TrimSpace(fields[0])
	chatField := strings.TrimSpace(fields[1])
	direction := Direction(strings.ToLower(strings.TrimSpace(fields[2])))
	if adapterID == "" || chatField == "" || !direction.valid() {
		return Target{}, false
	}

	chatID, threadID, _ := strings.Cut(chatField, "/")
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Target{}, false
	}

	return Target{
		Endpoint: message.Endpoint{
			AdapterID: adapterID,
			ChatID:    chatID,
			ThreadID:  strings.TrimSpace(threadID),
		},
		Direction: direction,
	}, true
}

// String renders the rule back into its descriptor form.
func (r Rule) String() string {
	parts := make([]string, 0, len(r.Targets))
	for _, target := range r.Targets {
		descriptor := target.AdapterID + ":" + target.ChatID
		if target.ThreadID != "" {
			descriptor += "/" + target.ThreadID
		}
		descriptor += ":" + string(target.Direction)
		if r.IsAll {
			descriptor = allPrefix + descriptor
		}
		parts = append(parts, descriptor)
	}
	return strings.Join(parts, ",")
}
