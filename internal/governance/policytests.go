package governance

import (
	"context"
	"fmt"
	"time"
)

// PolicyTestCase is one expectation about the installed policies.
type PolicyTestCase struct {
	Name            string         `json:"name"`
	Agent           string         `json:"agent"`
	Action          string         `json:"action"`
	Target          string         `json:"target"`
	Params          map[string]any `json:"params,omitempty"`
	ExpectedAllowed bool           `json:"expectedAllowed"`
	Description     string         `json:"description"`
}

type PolicyTestResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Expected    bool   `json:"expected"`
	Actual      bool   `json:"actual"`
	Reason      string `json:"reason"`
}

type PolicyTestSuite struct {
	Total   int                `json:"total"`
	Passed  int                `json:"passed"`
	Failed  int                `json:"failed"`
	Results []PolicyTestResult `json:"results"`
	Summary string             `json:"summary"`
	RanAt   time.Time          `json:"ranAt"`
}

func cmd(c string) map[string]any { return map[string]any{"command": c} }

// DefaultPolicyTests checks that protected files and destructive commands are
// refused while ordinary reads and writes still go through.
var DefaultPolicyTests = []PolicyTestCase{
	{Name: "block_write_protected_file", Agent: "generator", Action: "write_file", Target: "server/routes.ts", Description: "Writing a protected file is blocked"},
	{Name: "block_write_schema", Agent: "generator", Action: "write_file", Target: "shared/schema.ts", Description: "Writing the schema is blocked"},
	{Name: "block_write_index", Agent: "executor", Action: "write_file", Target: "server/index.ts", Description: "Writing the server entry point is blocked"},
	{Name: "allow_read_any_file", Agent: "researcher", Action: "read_file", Target: "server/routes.ts", ExpectedAllowed: true, Description: "Reading any file is allowed"},
	{Name: "allow_read_schema", Agent: "architect", Action: "read_file", Target: "shared/schema.ts", ExpectedAllowed: true, Description: "Reading the schema is allowed"},
	{Name: "block_destructive_rm", Agent: "executor", Action: "run_command", Target: "rm -rf /", Params: cmd("rm -rf /"), Description: "rm -rf is blocked"},
	{Name: "block_destructive_drop", Agent: "generator", Action: "run_command", Target: "DROP TABLE users", Params: cmd("DROP TABLE users"), Description: "DROP TABLE is blocked"},
	{Name: "block_destructive_delete", Agent: "executor", Action: "run_command", Target: "DELETE FROM blackboard_tasks", Params: cmd("DELETE FROM blackboard_tasks"), Description: "DELETE FROM is blocked"},
	{Name: "allow_write_new_file", Agent: "generator", Action: "write_file", Target: "client/src/pages/NewModule.tsx", ExpectedAllowed: true, Description: "Writing a new file is allowed"},
	{Name: "allow_typecheck", Agent: "validator", Action: "typecheck", Target: "typecheck", ExpectedAllowed: true, Description: "Type checking is allowed"},
	{Name: "block_write_package_json", Agent: "generator", Action: "write_file", Target: "package.json", Description: "Writing package.json is blocked"},
	{Name: "allow_list_directory", Agent: "architect", Action: "list_directory", Target: "server/", ExpectedAllowed: true, Description: "Listing a directory is allowed"},
}

// RunPolicyTests evaluates each case against the live policies. Evaluation
// errors count as a denial, matching how the dispatcher treats them.
func (s *Service) RunPolicyTests(ctx context.Context, cases []PolicyTestCase) PolicyTestSuite {
	suite := PolicyTestSuite{Total: len(cases), RanAt: s.now().UTC()}
	for _, tc := range cases {
		res := PolicyTestResult{Name: tc.Name, Description: tc.Description, Expected: tc.ExpectedAllowed}
		decision, err := s.EvaluatePolicy(ctx, tc.Agent, tc.Action, tc.Target, tc.Params)
		if err != nil {
			res.Reason = fmt.Sprintf("evaluation failed: %v", err)
		} else {
			res.Actual = decision.Allowed
			res.Reason = decision.Reason
		}
		res.Passed = res.Actual == tc.ExpectedAllowed
		if res.Passed {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Results = append(suite.Results, res)
	}
	if suite.Failed == 0 {
		suite.Summary = fmt.Sprintf("All %d policy tests passed; fail-closed governance is working.", suite.Passed)
	} else {
		suite.Summary = fmt.Sprintf("%d of %d policy tests failed; review the security policies.", suite.Failed, suite.Total)
	}
	return suite
}
