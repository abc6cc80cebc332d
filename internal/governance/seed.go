package governance

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the YAML layout of a policy seed file.
type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	PolicyRule `yaml:",inline"`
	Active     *bool `yaml:"active"`
}

// LoadPolicyFile reads policy rules from a YAML file. Rules are active unless
// they set active: false.
func LoadPolicyFile(path string) ([]PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data)
}

func ParsePolicies(data []byte) ([]PolicyRule, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	rules := make([]PolicyRule, 0, len(doc.Policies))
	for _, e := range doc.Policies {
		r := e.PolicyRule
		r.Active = e.Active == nil || *e.Active
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// DefaultPolicies protects the application's core files and refuses
// destructive shell and SQL commands.
func DefaultPolicies() []PolicyRule {
	return []PolicyRule{
		{
			Name:        "protect-core-files",
			Description: "Writes to core application files are blocked",
			Scope:       ScopeTool,
			Target:      "write_file",
			Effect:      EffectDeny,
			Priority:    10,
			Conditions: Conditions{PathPatterns: []string{
				"server/routes.ts", "shared/schema.ts", "server/index.ts", "server/storage.ts",
				"client/src/App.tsx", "client/src/main.tsx", "db/index.ts",
				"package.json", "package-lock.json", "drizzle.config.ts", ".env",
			}},
			Active: true,
		},
		{
			Name:        "block-destructive-commands",
			Description: "Destructive commands are blocked",
			Scope:       ScopeTool,
			Target:      "run_command",
			Effect:      EffectDeny,
			Priority:    20,
			Conditions: Conditions{BlockedCommands: []string{
				"rm -rf", "drop table", "drop database", "delete from", "truncate",
				"git push --force", "git reset --hard",
			}},
			Active: true,
		},
	}
}

// Seed inserts rules whose names are not stored yet and returns how many were added.
func (s *Service) Seed(ctx context.Context, rules []PolicyRule) (int, error) {
	added := 0
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return added, err
		}
		_, inserted, err := s.store.InsertPolicy(ctx, r, true)
		if err != nil {
			return added, fmt.Errorf("seed policy %s: %w", r.Name, err)
		}
		if inserted {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("policies seeded", "added", added)
	}
	return added, nil
}
