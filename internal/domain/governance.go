package domain

import (
	"context"
	"time"
)

// Audit decisions written for dispatched tool calls.
const (
	DecisionExecuted   = "executed"
	DecisionFailed     = "failed"
	DecisionError      = "error"
	DecisionInvalid    = "invalid"
	DecisionRBACDenied = "rbac_denied"
	DecisionAllowed    = "allowed"
	DecisionDenied     = "denied"
)

// ToolCatalogEntry is what the dispatcher pushes to governance on sync.
type ToolCatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// PolicyDecision is the outcome of a governance policy evaluation.
type PolicyDecision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason"`
	MatchedPolicyID   int64  `json:"matchedPolicyId,omitempty"`
	MatchedPolicyName string `json:"matchedPolicyName,omitempty"`
}

// AuditEvent is one durable record of a decision taken on behalf of an agent.
type AuditEvent struct {
	ID            string         `json:"id"`
	AgentName     string         `json:"agentName"`
	Action        string         `json:"action"`
	Target        string         `json:"target,omitempty"`
	Decision      string         `json:"decision"`
	Justification string         `json:"justification,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	PolicyID      int64          `json:"policyId,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Governance is the externally delegated policy and audit collaborator.
type Governance interface {
	SyncTools(ctx context.Context, tools []ToolCatalogEntry) (int, error)
	EvaluatePolicy(ctx context.Context, agent, action, target string, params map[string]any) (PolicyDecision, error)
	RecordAudit(ctx context.Context, event AuditEvent) error
}

// RBACRegistry answers which agents may invoke a tool. found=false or an
// empty list means the registry places no restriction on the tool.
type RBACRegistry interface {
	AllowedAgents(ctx context.Context, toolName string) (agents []string, found bool, err error)
}

// WriteGuardrail vets filesystem writes before any other check runs.
type WriteGuardrail interface {
	ValidateFilePath(path string) error
	ValidateContent(content string) error
}

// DenialNotifier is told about calls refused by RBAC or governance.
type DenialNotifier interface {
	NotifyDenial(ctx context.Context, event AuditEvent) error
}
