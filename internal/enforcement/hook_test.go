package enforcement

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/protocol"
)

func parseChat(t *testing.T, body string) *protocol.ChatRequest {
	t.Helper()
	req, err := protocol.ParseChatRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func writePrompt(t *testing.T, dir, level, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, level+".md"), []byte(text), 0o644))
}

func TestHook_PrependsPromptForLevel(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "design-first", "Think first.\n")

	hook := NewHook(dir, LevelStandard)
	req := parseChat(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"write code"}]}`)
	meta := pipeline.KeyMeta{"enforcement_level": "design-first"}

	out, mutated, block := hook.PreCall(context.Background(), meta, req, protocol.CallTypeCompletion)

	require.Nil(t, block)
	assert.Equal(t, pipeline.MutationAugment, mutated)
	require.NotEmpty(t, out.Messages)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "Think first.", out.Messages[0].Content.TextParts()[0])
}

func TestHook_ExistingSystemMessageStaysBelow(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "standard", "Policy prompt.")

	hook := NewHook(dir, LevelStandard)
	req := parseChat(t, `{"model":"gpt-4o","messages":[
		{"role":"system","content":"caller system prompt"},
		{"role":"user","content":"hello"}]}`)

	out, _, block := hook.PreCall(context.Background(), pipeline.KeyMeta{}, req, protocol.CallTypeCompletion)

	require.Nil(t, block)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "Policy prompt.", out.Messages[0].Content.TextParts()[0])
	assert.Equal(t, "caller system prompt", out.Messages[1].Content.TextParts()[0])
}

func TestHook_UnrestrictedPassesThrough(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "standard", "Policy prompt.")

	hook := NewHook(dir, LevelStandard)
	req := parseChat(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	meta := pipeline.KeyMeta{"enforcement_level": "unrestricted"}

	out, mutated, block := hook.PreCall(context.Background(), meta, req, protocol.CallTypeCompletion)

	assert.Nil(t, block)
	assert.Equal(t, pipeline.MutationNone, mutated)
	assert.Len(t, out.Messages, 1)
}

func TestHook_MissingPromptFilePassesThrough(t *testing.T) {
	hook := NewHook(t.TempDir(), LevelStandard)
	req := parseChat(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	out, mutated, block := hook.PreCall(context.Background(), pipeline.KeyMeta{}, req, protocol.CallTypeCompletion)

	assert.Nil(t, block)
	assert.Equal(t, pipeline.MutationNone, mutated)
	assert.Len(t, out.Messages, 1)
}

func TestHook_InvalidLevelFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "design-first", "Think first.")

	hook := NewHook(dir, LevelDesignFirst)
	req := parseChat(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	meta := pipeline.KeyMeta{"enforcement_level": "yolo"}

	out, mutated, _ := hook.PreCall(context.Background(), meta, req, protocol.CallTypeCompletion)

	assert.Equal(t, pipeline.MutationAugment, mutated)
	assert.Equal(t, "Think first.", out.Messages[0].Content.TextParts()[0])
}

func TestHook_PromptEditPicksUpNewMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "standard.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	hook := NewHook(dir, LevelStandard)
	assert.Equal(t, "v1", hook.loadPrompt(LevelStandard))

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Equal(t, "v2", hook.loadPrompt(LevelStandard))
}

func TestHook_NonChatCallTypePassesThrough(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "standard", "Policy prompt.")

	hook := NewHook(dir, LevelStandard)
	req := parseChat(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)

	_, mutated, _ := hook.PreCall(context.Background(), pipeline.KeyMeta{}, req, protocol.CallTypeImage)
	assert.Equal(t, pipeline.MutationNone, mutated)
}
