// Package enforcement injects policy system prompts into chat completions
// based on the enforcement_level carried in the caller's key metadata.
//
// Levels: unrestricted | standard | design-first. Prompts are plain
// markdown files at <dir>/<level>.md, mtime-cached so they can be edited
// without a restart. The hook is strictly non-blocking: any load failure
// passes the payload through unchanged.
package enforcement

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/protocol"
)

// Enforcement levels (key metadata enforcement_level).
const (
	LevelUnrestricted = "unrestricted"
	LevelStandard     = "standard"
	LevelDesignFirst  = "design-first"
)

var validLevels = map[string]bool{
	LevelUnrestricted: true,
	LevelStandard:     true,
	LevelDesignFirst:  true,
}

type promptEntry struct {
	mtime int64
	text  string
}

// Hook prepends the level's prompt file as a system message. Existing
// system messages are kept below it.
type Hook struct {
	dir          string
	defaultLevel string
	logger       *log.Logger

	mu          sync.Mutex
	cache       map[string]promptEntry
	warnMissing map[string]bool
}

// NewHook creates the enforcement pre-call hook reading prompts from dir.
func NewHook(dir, defaultLevel string) *Hook {
	if !validLevels[defaultLevel] {
		defaultLevel = LevelStandard
	}
	return &Hook{
		dir:          dir,
		defaultLevel: defaultLevel,
		logger:       log.New(log.Writer(), "[ENFORCE] ", log.LstdFlags),
		cache:        make(map[string]promptEntry),
		warnMissing:  make(map[string]bool),
	}
}

func (h *Hook) Name() string { return "enforcement" }

// PreCall implements pipeline.Hook. Never blocks.
func (h *Hook) PreCall(ctx context.Context, meta pipeline.KeyMeta, req *protocol.ChatRequest, callType protocol.CallType) (*protocol.ChatRequest, pipeline.Mutation, *pipeline.Block) {
	if !callType.IsChat() {
		return req, pipeline.MutationNone, nil
	}

	level := meta["enforcement_level"]
	if level == "" {
		level = h.defaultLevel
	} else if !validLevels[level] {
		h.logger.Printf("⚠️ Invalid enforcement_level=%s, using default=%s", level, h.defaultLevel)
		level = h.defaultLevel
	}

	if level == LevelUnrestricted {
		return req, pipeline.MutationNone, nil
	}

	prompt := h.loadPrompt(level)
	if prompt == "" {
		return req, pipeline.MutationNone, nil
	}

	req.PrependSystem(prompt)
	return req, pipeline.MutationAugment, nil
}

// loadPrompt reads <dir>/<level>.md with an mtime cache, trimmed of
// surrounding whitespace. Returns "" when the file is missing or
// unreadable; the missing-file warning is logged once per level.
func (h *Hook) loadPrompt(level string) string {
	path := filepath.Join(h.dir, level+".md")

	h.mu.Lock()
	defer h.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		if !h.warnMissing[level] {
			h.logger.Printf("⚠️ Prompt file not found: %s", path)
			h.warnMissing[level] = true
		}
		return ""
	}

	mtime := fi.ModTime().UnixNano()
	if entry, ok := h.cache[level]; ok && entry.mtime == mtime {
		return entry.text
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		h.logger.Printf("⚠️ Failed to read prompt %s: %v", path, err)
		return ""
	}
	text := strings.TrimSpace(string(raw))
	h.cache[level] = promptEntry{mtime: mtime, text: text}
	h.warnMissing[level] = false
	h.logger.Printf("Loaded prompt: level=%s len=%d", level, len(text))
	return text
}
