package guardrails

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/protocol"
)

// Guardrail levels (key metadata guardrail_level).
const (
	LevelOff      = "off"
	LevelStandard = "standard"
	LevelStrict   = "strict"
)

// Guardrail actions (key metadata guardrail_action).
const (
	ActionBlock = "block"
	ActionMask  = "mask"
)

var (
	validLevels  = map[string]bool{LevelOff: true, LevelStandard: true, LevelStrict: true}
	validActions = map[string]bool{ActionBlock: true, ActionMask: true}
)

// HookConfig configures the guardrails hook.
type HookConfig struct {
	Enabled       bool
	DefaultLevel  string // used when key metadata is absent or invalid
	DefaultAction string
}

// Hook scans chat completions and blocks or masks sensitive content based
// on the caller's key metadata. Stateless per request apart from the
// library's mtime-cached overlay.
type Hook struct {
	lib    *Library
	cfg    HookConfig
	logger *log.Logger
}

// NewHook creates the guardrails pre-call hook.
func NewHook(lib *Library, cfg HookConfig) *Hook {
	if !validLevels[cfg.DefaultLevel] {
		cfg.DefaultLevel = LevelStandard
	}
	if !validActions[cfg.DefaultAction] {
		cfg.DefaultAction = ActionBlock
	}
	return &Hook{
		lib:    lib,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[GUARDRAIL] ", log.LstdFlags),
	}
}

func (h *Hook) Name() string { return "guardrails" }

// resolvePolicy reads level and action from key metadata, substituting
// configured defaults for missing or invalid values.
func (h *Hook) resolvePolicy(meta pipeline.KeyMeta) (level, action string) {
	level = meta["guardrail_level"]
	if level == "" {
		level = h.cfg.DefaultLevel
	} else if !validLevels[level] {
		h.logger.Printf("⚠️ Invalid guardrail_level=%s, using default=%s", level, h.cfg.DefaultLevel)
		level = h.cfg.DefaultLevel
	}
	action = meta["guardrail_action"]
	if action == "" {
		action = h.cfg.DefaultAction
	} else if !validActions[action] {
		h.logger.Printf("⚠️ Invalid guardrail_action=%s, using default=%s", action, h.cfg.DefaultAction)
		action = h.cfg.DefaultAction
	}
	return level, action
}

// PreCall implements pipeline.Hook.
func (h *Hook) PreCall(ctx context.Context, meta pipeline.KeyMeta, req *protocol.ChatRequest, callType protocol.CallType) (*protocol.ChatRequest, pipeline.Mutation, *pipeline.Block) {
	if !callType.IsChat() || !h.cfg.Enabled {
		return req, pipeline.MutationNone, nil
	}

	level, action := h.resolvePolicy(meta)
	if level == LevelOff {
		return req, pipeline.MutationNone, nil
	}

	text := req.UserText()
	if strings.TrimSpace(text) == "" {
		return req, pipeline.MutationNone, nil
	}

	findings := h.lib.Scan(text, level)
	if len(findings) == 0 {
		return req, pipeline.MutationNone, nil
	}

	var blocks, warnings []Finding
	for _, f := range findings {
		if f.Action == FindingBlock {
			blocks = append(blocks, f)
		} else {
			warnings = append(warnings, f)
		}
	}

	for _, w := range warnings {
		h.logger.Printf("⚠️ Guardrail warning: %s (%s) detected [%s] match=%s",
			w.Label, w.Category, w.Severity, w.Sample)
	}

	if len(blocks) == 0 {
		return req, pipeline.MutationNone, nil
	}

	labels := uniqueSorted(blocks, func(f Finding) string { return f.Label })
	categories := uniqueSorted(blocks, func(f Finding) string { return f.Category })

	if action == ActionMask {
		count := h.mask(req, blocks)
		h.logger.Printf("Guardrail MASKED %d occurrence(s) in request: %s",
			count, strings.Join(labels, ", "))
		return req, pipeline.MutationRewrite, nil
	}

	h.logger.Printf("🚫 Guardrail BLOCKED request: %d pattern(s) detected: %s",
		len(blocks), strings.Join(labels, ", "))
	return nil, pipeline.MutationNone, &pipeline.Block{
		Detail: fmt.Sprintf(
			"Request blocked by content guardrails. Detected sensitive data: %s. Categories: %s. "+
				"Remove sensitive information before sending to AI. Guardrail level: %s",
			strings.Join(labels, ", "), strings.Join(categories, ", "), level),
		Labels:     labels,
		Categories: categories,
		Level:      level,
	}
}

// mask substitutes every occurrence of each blocked pattern in every
// message with [REDACTED:<label>]. Patterns apply in rule order, one at a
// time, deduplicated by name; non-text multi-modal parts are untouched.
// Masking is idempotent: the replacement tag never re-matches a rule.
func (h *Hook) mask(req *protocol.ChatRequest, blocks []Finding) int {
	blocked := make(map[string]bool, len(blocks))
	for _, f := range blocks {
		blocked[f.PatternName] = true
	}

	total := 0
	for _, rule := range h.lib.Rules() {
		if !blocked[rule.Name] {
			continue
		}
		tag := "[REDACTED:" + rule.Label + "]"
		re := rule.Regexp()
		for i := range req.Messages {
			req.Messages[i].Content.RewriteText(func(text string) string {
				masked := re.ReplaceAllStringFunc(text, func(string) string {
					total++
					return tag
				})
				return masked
			})
		}
	}
	return total
}

func uniqueSorted(findings []Finding, key func(Finding) string) []string {
	seen := make(map[string]bool, len(findings))
	var out []string
	for _, f := range findings {
		k := key(f)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
