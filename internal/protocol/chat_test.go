package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatRequest_PreservesUnknownFields(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"temperature": 0.2,
		"stream": false,
		"messages": [
			{"role": "user", "content": "hello", "name": "alice"}
		]
	}`)

	req, err := ParseChatRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)

	out, err := json.Marshal(req)
	require.NoError(t, err)

	// Unknown top-level and message-level fields survive the roundtrip.
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, 0.2, decoded["temperature"])
	assert.Equal(t, false, decoded["stream"])

	msg := decoded["messages"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "alice", msg["name"])
	assert.Equal(t, "hello", msg["content"])
}

func TestMessageContent_StringAndArrayShapes(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "plain"},
			{"role": "user", "content": [
				{"type": "text", "text": "part one"},
				{"type": "image_url", "image_url": {"url": "https://example.invalid/a.png"}},
				{"type": "text", "text": "part two"}
			]}
		]
	}`))
	require.NoError(t, err)

	assert.False(t, req.Messages[0].Content.IsArray())
	assert.True(t, req.Messages[1].Content.IsArray())
	assert.Equal(t, []string{"part one", "part two"}, req.Messages[1].Content.TextParts())
	assert.Equal(t, "plain\npart one\npart two", req.UserText())
}

func TestMessageContent_ArrayShapeSurvivesMarshal(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "look at this"},
			{"type": "image_url", "image_url": {"url": "https://example.invalid/a.png"}}
		]}]
	}`)
	req, err := ParseChatRequest(body)
	require.NoError(t, err)

	out, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded struct {
		Messages []struct {
			Content []map[string]interface{} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded.Messages[0].Content, 2)
	assert.Equal(t, "image_url", decoded.Messages[0].Content[1]["type"])
}

func TestMessageContent_NullContent(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "assistant", "content": null, "tool_calls": [{"id": "c1"}]}]
	}`))
	require.NoError(t, err)
	assert.Empty(t, req.Messages[0].Content.TextParts())

	out, err := json.Marshal(req)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	msg := decoded["messages"].([]interface{})[0].(map[string]interface{})
	assert.Nil(t, msg["content"])
	assert.NotNil(t, msg["tool_calls"])
}

func TestRewriteText_OnlyTouchesTextParts(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "secret"},
			{"type": "image_url", "image_url": {"url": "https://example.invalid/secret.png"}}
		]}]
	}`))
	require.NoError(t, err)

	req.Messages[0].Content.RewriteText(func(string) string { return "redacted" })

	assert.Equal(t, []string{"redacted"}, req.Messages[0].Content.TextParts())
	url := req.Messages[0].Content.Parts[1]["image_url"].(map[string]interface{})["url"]
	assert.Equal(t, "https://example.invalid/secret.png", url)
}

func TestPrependSystem_KeepsExistingMessages(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "existing"},
			{"role": "user", "content": "hi"}
		]
	}`))
	require.NoError(t, err)

	req.PrependSystem("policy")

	require.Len(t, req.Messages, 3)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, []string{"policy"}, req.Messages[0].Content.TextParts())
	assert.Equal(t, []string{"existing"}, req.Messages[1].Content.TextParts())
}

func TestParseChatRequest_RejectsInvalidJSON(t *testing.T) {
	_, err := ParseChatRequest([]byte(`{"model": `))
	assert.Error(t, err)
}

func TestCallType_IsChat(t *testing.T) {
	assert.True(t, CallTypeCompletion.IsChat())
	assert.True(t, CallTypeACompletion.IsChat())
	assert.False(t, CallTypeEmbedding.IsChat())
	assert.False(t, CallTypeImage.IsChat())
}
