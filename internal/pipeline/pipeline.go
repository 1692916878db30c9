// Package pipeline composes the pre-call hooks that run against every
// chat completion before it is forwarded upstream. Hook order is fixed by
// the caller and significant: content guardrails must observe the payload
// before the enforcement prompt is prepended, so trusted prompt text is
// never scanned and a masked payload still receives its policy framing.
package pipeline

import (
	"context"

	"github.com/devplane/backend/internal/protocol"
)

// KeyMeta is the recognized metadata of the caller's virtual key
// (guardrail_level, guardrail_action, enforcement_level, scope, …).
type KeyMeta map[string]string

// Mutation says what, if anything, a hook did to the payload. Rewrites
// (masked content) and augmentations (injected prompts) both force a
// re-encode, but only rewrites count as a mask decision.
type Mutation int

const (
	MutationNone Mutation = iota
	// MutationRewrite: existing payload text was rewritten (masking).
	MutationRewrite
	// MutationAugment: messages were added without touching caller text.
	MutationAugment
)

// Block is the reason a hook rejected a request. It names the detected
// labels and categories but never echoes matched content.
type Block struct {
	Detail     string   `json:"detail"`
	Labels     []string `json:"labels,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Level      string   `json:"level,omitempty"`
}

// Result is the outcome of running the pipeline: either a passed payload
// (possibly rewritten) or a block reason. Exactly one of Request/Block is
// meaningful. Mutated drives the re-encode decision; Masked is true only
// when some hook rewrote caller text.
type Result struct {
	Request *protocol.ChatRequest
	Mutated bool
	Masked  bool
	Block   *Block
}

// Passed reports whether the request may proceed upstream.
func (r *Result) Passed() bool { return r.Block == nil }

// Hook is one pre-call stage. Hooks must be non-blocking with respect to
// their own failures: only a deliberate policy decision returns a Block.
type Hook interface {
	Name() string
	PreCall(ctx context.Context, meta KeyMeta, req *protocol.ChatRequest, callType protocol.CallType) (*protocol.ChatRequest, Mutation, *Block)
}

// Pipeline runs hooks in order, short-circuiting on the first block.
type Pipeline struct {
	hooks []Hook
}

// New builds a pipeline from hooks, applied in the given order.
func New(hooks ...Hook) *Pipeline {
	return &Pipeline{hooks: hooks}
}

// Run applies every hook to the request. At most one block decision is
// made per request; once a hook blocks, later hooks never see the payload.
func (p *Pipeline) Run(ctx context.Context, meta KeyMeta, req *protocol.ChatRequest, callType protocol.CallType) Result {
	result := Result{}
	for _, h := range p.hooks {
		next, mutation, block := h.PreCall(ctx, meta, req, callType)
		if block != nil {
			return Result{Block: block}
		}
		req = next
		result.Mutated = result.Mutated || mutation != MutationNone
		result.Masked = result.Masked || mutation == MutationRewrite
	}
	result.Request = req
	return result
}
