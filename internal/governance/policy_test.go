package governance

import "testing"

func score(v float64) *float64 { return &v }

func TestPolicyRule_Matches(t *testing.T) {
	cases := []struct {
		name   string
		rule   PolicyRule
		agent  string
		action string
		target string
		params map[string]any
		want   bool
	}{
		{"tool scope exact", PolicyRule{Scope: ScopeTool, Target: "write_file"}, "a", "write_file", "x", nil, true},
		{"tool scope prefix", PolicyRule{Scope: ScopeTool, Target: "bi"}, "a", "bi.query", "x", nil, true},
		{"tool scope other tool", PolicyRule{Scope: ScopeTool, Target: "write_file"}, "a", "read_file", "x", nil, false},
		{"tool scope no partial prefix", PolicyRule{Scope: ScopeTool, Target: "bi"}, "a", "billing", "x", nil, false},
		{"contract scope exact only", PolicyRule{Scope: ScopeContract, Target: "bi"}, "a", "bi.query", "x", nil, false},
		{"agent scope", PolicyRule{Scope: ScopeAgent, Target: "coder"}, "coder", "anything", "x", nil, true},
		{"agent scope other agent", PolicyRule{Scope: ScopeAgent, Target: "coder"}, "planner", "anything", "x", nil, false},
		{"global", PolicyRule{Scope: ScopeGlobal}, "a", "anything", "x", nil, true},

		{"path pattern hit", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{PathPatterns: []string{"server/routes.ts"}}},
			"a", "write_file", "server/routes.ts", nil, true},
		{"path pattern substring", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{PathPatterns: []string{"package.json"}}},
			"a", "write_file", "app/package.json", nil, true},
		{"path pattern miss", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{PathPatterns: []string{"server/routes.ts"}}},
			"a", "write_file", "client/src/x.tsx", nil, false},

		{"blocked command case-insensitive", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{BlockedCommands: []string{"drop table"}}},
			"a", "run_command", "", map[string]any{"command": "DROP TABLE users"}, true},
		{"blocked command miss", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{BlockedCommands: []string{"rm -rf"}}},
			"a", "run_command", "", map[string]any{"command": "ls -la"}, false},

		{"allowed agents hit", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{AllowedAgents: []string{"planner"}}},
			"planner", "x", "", nil, true},
		{"allowed agents miss", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{AllowedAgents: []string{"planner"}}},
			"coder", "x", "", nil, false},

		{"human approval", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{RequiresHumanApproval: true}},
			"a", "x", "", nil, true},

		{"score above minimum", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{MinValidationScore: score(0.8)}},
			"a", "x", "", map[string]any{"validationScore": 0.9}, true},
		{"score below minimum", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{MinValidationScore: score(0.8)}},
			"a", "x", "", map[string]any{"validationScore": 0.5}, false},
		{"score absent", PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{MinValidationScore: score(0.8)}},
			"a", "x", "", nil, true},
	}
	for _, c := range cases {
		if got := c.rule.Matches(c.agent, c.action, c.target, c.params); got != c.want {
			t.Errorf("%s: Matches = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPolicyRule_PathPatternsWithoutTargetFallThrough(t *testing.T) {
	r := PolicyRule{Scope: ScopeGlobal, Conditions: Conditions{
		PathPatterns:  []string{"server/"},
		AllowedAgents: []string{"planner"},
	}}
	if r.Matches("coder", "x", "", nil) {
		t.Fatal("with no target the allowed-agents condition decides")
	}
	if !r.Matches("planner", "x", "", nil) {
		t.Fatal("listed agent should match")
	}
}

func TestPolicyRule_Validate(t *testing.T) {
	good := PolicyRule{Name: "r", Scope: ScopeTool, Target: "write_file", Effect: EffectDeny}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid rule: %v", err)
	}
	for _, bad := range []PolicyRule{
		{Scope: ScopeGlobal, Effect: EffectDeny},
		{Name: "r", Scope: "galaxy", Effect: EffectDeny},
		{Name: "r", Scope: ScopeTool, Effect: EffectDeny},
		{Name: "r", Scope: ScopeGlobal, Effect: "maybe"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("expected %+v to be rejected", bad)
		}
	}
}
