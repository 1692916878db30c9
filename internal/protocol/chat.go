// Package protocol models the chat-completion wire format that flows
// through the gateway. It handles both plain-string message content and
// multi-modal content arrays, and preserves fields it does not understand
// so a re-serialized payload stays faithful to the original request.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CallType identifies the upstream operation a request maps to.
type CallType string

const (
	CallTypeCompletion  CallType = "completion"
	CallTypeACompletion CallType = "acompletion"
	CallTypeEmbedding   CallType = "embedding"
	CallTypeImage       CallType = "image_generation"
)

// IsChat reports whether the call type is a chat completion. Pre-call hooks
// only apply to chat completions; everything else passes through untouched.
func (c CallType) IsChat() bool {
	return c == CallTypeCompletion || c == CallTypeACompletion
}

// MessageContent is either a plain string or a multi-modal content array.
// Non-text parts (images, documents) are carried as raw maps and never
// modified.
type MessageContent struct {
	Text    string
	Parts   []map[string]interface{}
	isArray bool
	isNull  bool
}

// StringContent builds plain-string content.
func StringContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// PartsContent builds multi-modal array content.
func PartsContent(parts []map[string]interface{}) MessageContent {
	return MessageContent{Parts: parts, isArray: true}
}

// IsArray reports whether the content came in as a multi-modal array.
func (c *MessageContent) IsArray() bool { return c.isArray }

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		c.isNull = true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}
	var parts []map[string]interface{}
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		c.isArray = true
		return nil
	}
	return fmt.Errorf("protocol: unsupported message content shape: %s", trimmed[:min(len(trimmed), 32)])
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isNull {
		return []byte("null"), nil
	}
	if c.isArray {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// TextParts returns every user-visible text fragment in the content.
// For string content that is the string itself; for arrays it is each
// element whose type is "text".
func (c *MessageContent) TextParts() []string {
	if c.isNull {
		return nil
	}
	if !c.isArray {
		return []string{c.Text}
	}
	var out []string
	for _, part := range c.Parts {
		if t, _ := part["type"].(string); t == "text" {
			if txt, _ := part["text"].(string); true {
				out = append(out, txt)
			}
		}
	}
	return out
}

// RewriteText applies fn to every text fragment in place. Non-text parts
// are left untouched.
func (c *MessageContent) RewriteText(fn func(string) string) {
	if c.isNull {
		return
	}
	if !c.isArray {
		c.Text = fn(c.Text)
		return
	}
	for _, part := range c.Parts {
		if t, _ := part["type"].(string); t == "text" {
			if txt, ok := part["text"].(string); ok {
				part["text"] = fn(txt)
			}
		}
	}
}

// Message is one chat message. Fields beyond role/content (tool_call_id,
// name, …) are preserved verbatim.
type Message struct {
	Role    string
	Content MessageContent

	extra map[string]json.RawMessage
}

// NewMessage builds a role + string-content message.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: StringContent(content)}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return err
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if err := json.Unmarshal(raw, &m.Content); err != nil {
			return err
		}
		delete(fields, "content")
	} else {
		m.Content.isNull = true
	}
	m.extra = fields
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		out[k] = v
	}
	role, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	out["role"] = role
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	out["content"] = content
	return json.Marshal(out)
}

// ChatRequest is a parsed chat-completion request body. Unknown top-level
// fields (temperature, stream, tools, …) are preserved verbatim.
type ChatRequest struct {
	Model    string
	Messages []Message

	extra map[string]json.RawMessage
}

// ParseChatRequest decodes a chat-completion request body.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: invalid chat request: %w", err)
	}
	req := &ChatRequest{}
	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &req.Model); err != nil {
			return nil, fmt.Errorf("protocol: invalid model field: %w", err)
		}
		delete(fields, "model")
	}
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &req.Messages); err != nil {
			return nil, fmt.Errorf("protocol: invalid messages field: %w", err)
		}
		delete(fields, "messages")
	}
	req.extra = fields
	return req, nil
}

func (r *ChatRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.extra)+2)
	for k, v := range r.extra {
		out[k] = v
	}
	model, err := json.Marshal(r.Model)
	if err != nil {
		return nil, err
	}
	out["model"] = model
	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, err
	}
	out["messages"] = messages
	return json.Marshal(out)
}

// UserText concatenates every user-visible text fragment across all
// messages, newline-joined. This is the scan input for the guardrails.
func (r *ChatRequest) UserText() string {
	var parts []string
	for i := range r.Messages {
		parts = append(parts, r.Messages[i].Content.TextParts()...)
	}
	return strings.Join(parts, "\n")
}

// PrependSystem inserts a system message at position zero. Existing system
// messages are kept.
func (r *ChatRequest) PrependSystem(content string) {
	msgs := make([]Message, 0, len(r.Messages)+1)
	msgs = append(msgs, NewMessage("system", content))
	msgs = append(msgs, r.Messages...)
	r.Messages = msgs
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
