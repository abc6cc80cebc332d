package governance

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Policy scopes.
const (
	ScopeTool     = "tool"
	ScopeContract = "contract"
	ScopeAgent    = "agent"
	ScopeGlobal   = "global"
)

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// PolicyRule is one governance rule. Active rules are evaluated in ascending
// priority and the first matching rule decides.
type PolicyRule struct {
	ID          int64      `json:"id" yaml:"-"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Scope       string     `json:"scope" yaml:"scope"`
	Target      string     `json:"target,omitempty" yaml:"target,omitempty"`
	Effect      string     `json:"effect" yaml:"effect"`
	Priority    int        `json:"priority" yaml:"priority"`
	Conditions  Conditions `json:"conditions" yaml:"conditions,omitempty"`
	Active      bool       `json:"isActive" yaml:"-"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"-"`
}

// Conditions narrow when a rule applies. Only the first present condition
// kind is consulted, in field order.
type Conditions struct {
	PathPatterns          []string `json:"pathPatterns,omitempty" yaml:"pathPatterns,omitempty"`
	BlockedCommands       []string `json:"blockedCommands,omitempty" yaml:"blockedCommands,omitempty"`
	AllowedAgents         []string `json:"allowedAgents,omitempty" yaml:"allowedAgents,omitempty"`
	RequiresHumanApproval bool     `json:"requiresHumanApproval,omitempty" yaml:"requiresHumanApproval,omitempty"`
	MinValidationScore    *float64 `json:"minValidationScore,omitempty" yaml:"minValidationScore,omitempty"`
}

func (c Conditions) empty() bool {
	return len(c.PathPatterns) == 0 && len(c.BlockedCommands) == 0 && len(c.AllowedAgents) == 0 &&
		!c.RequiresHumanApproval && c.MinValidationScore == nil
}

// Validate reports problems that would make a rule unusable.
func (r PolicyRule) Validate() error {
	var errs []string
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, "name is required")
	}
	switch r.Scope {
	case ScopeTool, ScopeContract, ScopeAgent:
		if r.Target == "" {
			errs = append(errs, fmt.Sprintf("scope %s requires a target", r.Scope))
		}
	case ScopeGlobal:
	default:
		errs = append(errs, fmt.Sprintf("unknown scope %q", r.Scope))
	}
	switch r.Effect {
	case EffectAllow, EffectDeny:
	default:
		errs = append(errs, fmt.Sprintf("unknown effect %q", r.Effect))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid policy %q: %s", r.Name, strings.Join(errs, "; "))
	}
	return nil
}

// Matches reports whether the rule applies to a request.
func (r PolicyRule) Matches(agent, action, target string, params map[string]any) bool {
	switch r.Scope {
	case ScopeTool:
		if r.Target != action && !strings.HasPrefix(action, r.Target+".") {
			return false
		}
	case ScopeContract:
		if r.Target != action {
			return false
		}
	case ScopeAgent:
		if r.Target != agent {
			return false
		}
	}

	c := r.Conditions
	if c.empty() {
		return true
	}

	if len(c.PathPatterns) > 0 && target != "" {
		return slices.ContainsFunc(c.PathPatterns, func(p string) bool {
			return strings.Contains(target, p)
		})
	}

	if cmd, _ := params["command"].(string); len(c.BlockedCommands) > 0 && cmd != "" {
		lower := strings.ToLower(cmd)
		return slices.ContainsFunc(c.BlockedCommands, func(b string) bool {
			return strings.Contains(lower, strings.ToLower(b))
		})
	}

	if len(c.AllowedAgents) > 0 {
		return slices.Contains(c.AllowedAgents, agent)
	}

	if c.RequiresHumanApproval {
		return true
	}

	if c.MinValidationScore != nil {
		if score, ok := number(params["validationScore"]); ok {
			return score >= *c.MinValidationScore
		}
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
