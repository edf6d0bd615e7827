// Package permission decides which assistant tool calls need user consent.
// A Policy evaluates tool names against the session's mode and pattern
// lists; a Registry parks the calls that need a remote answer and resolves
// them by RPC, defaulting to deny on timeout.
package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode is the session's permission policy level.
type Mode string

const (
	// ModeDefault asks for every tool not explicitly allowed.
	ModeDefault Mode = "default"
	// ModeAcceptEdits auto-approves file-editing tools.
	ModeAcceptEdits Mode = "accept-edits"
	// ModePlan keeps the assistant read-only; mutating tools are denied.
	ModePlan Mode = "plan"
	// ModeBypass approves everything not explicitly disallowed.
	ModeBypass Mode = "bypass"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypass:
		return true
	}
	return false
}

// Decision is the outcome of evaluating one tool call.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	// Ask means the call must wait for a user answer.
	Ask Decision = "ask"
)

// editTools are auto-approved under ModeAcceptEdits.
var editTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// mutatingTools are denied outright under ModePlan.
var mutatingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"Bash":         true,
}

// Policy is one session's permission configuration.
type Policy struct {
	Mode Mode
	// AllowedTools and DisallowedTools are doublestar patterns matched
	// against tool names ("mcp__*", "Bash", ...). Disallowed wins.
	AllowedTools    []string
	DisallowedTools []string
	// AutoApprovePlan resolves plan-approval requests locally without
	// waiting for a remote answer.
	AutoApprovePlan bool
}

// planApprovalTool is the tool the assistant calls to leave plan mode.
const planApprovalTool = "ExitPlanMode"

// Evaluate decides one tool call by name.
func (p Policy) Evaluate(tool string) Decision {
	if matchAny(p.DisallowedTools, tool) {
		return Deny
	}
	if tool == planApprovalTool && p.AutoApprovePlan {
		return Allow
	}
	if matchAny(p.AllowedTools, tool) {
		return Allow
	}

	switch p.Mode {
	case ModeBypass:
		return Allow
	case ModePlan:
		if mutatingTools[tool] {
			return Deny
		}
		return Allow
	case ModeAcceptEdits:
		if editTools[tool] {
			return Allow
		}
	}
	return Ask
}

func matchAny(patterns []string, tool string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultAskTimeout bounds how long a pending request waits for an
// answer before defaulting to deny.
const DefaultAskTimeout = 5 * time.Minute

// Request is one tool call waiting for a user answer.
type Request struct {
	ID        string          `json:"requestID"`
	Tool      string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt time.Time       `json:"-"`

	ch chan bool
}

// Registry holds pending permission requests.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Request
	timeout time.Duration
}

// NewRegistry creates a Registry. timeout <= 0 uses DefaultAskTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	return &Registry{
		pending: make(map[string]*Request),
		timeout: timeout,
	}
}

// Ask parks a request and blocks until it is resolved, the timeout
// elapses, or ctx ends. Timeout and cancellation both mean deny.
func (r *Registry) Ask(ctx context.Context, id, tool string, arguments json.RawMessage) bool {
	req := &Request{
		ID:        id,
		Tool:      tool,
		Arguments: arguments,
		CreatedAt: time.Now(),
		ch:        make(chan bool, 1),
	}

	r.mu.Lock()
	r.pending[id] = req
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case allowed := <-req.ch:
		return allowed
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve answers a pending request. Returns false when the id is
// unknown (already resolved or timed out).
func (r *Registry) Resolve(id string, allowed bool) bool {
	r.mu.Lock()
	req, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	req.ch <- allowed
	return true
}

// Pending returns a snapshot of unanswered requests.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, *req)
	}
	return out
}
