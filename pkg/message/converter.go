// Package message converts host-supplied chat history into model messages.
package message

import (
	"strings"

	"github.com/drewano/dodai-sub000/pkg/model"
)

// Turn is one prior exchange as the host sends it.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizeRole folds the role spellings hosts commonly use onto the model
// roles. Unknown roles are treated as user input.
func NormalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "ai", "bot", "model":
		return "assistant"
	case "system":
		return "system"
	default:
		return "user"
	}
}

// ToModel builds the message list for a turn: history first, then prompt as
// the final user message. Blank entries are dropped.
func ToModel(history []Turn, prompt string) []model.Message {
	out := make([]model.Message, 0, len(history)+1)
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		out = append(out, model.Message{Role: NormalizeRole(turn.Role), Content: turn.Content})
	}
	if strings.TrimSpace(prompt) != "" {
		out = append(out, model.Message{Role: "user", Content: strings.TrimSpace(prompt)})
	}
	return out
}

// CloneMessages deep-copies msgs so callers can append without aliasing.
func CloneMessages(msgs []model.Message) []model.Message {
	if len(msgs) == 0 {
		return []model.Message{}
	}
	out := make([]model.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = model.Message{Role: msg.Role, Content: msg.Content, ToolCalls: cloneToolCalls(msg.ToolCalls)}
	}
	return out
}

func cloneToolCalls(calls []model.ToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = model.ToolCall{ID: call.ID, Name: call.Name, Arguments: cloneMap(call.Arguments)}
	}
	return out
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	dup := make(map[string]any, len(input))
	for k, v := range input {
		dup[k] = v
	}
	return dup
}
