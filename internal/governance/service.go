package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"toolgov/internal/domain"
	"toolgov/internal/metrics"
)

const defaultAllowReason = "no applicable policy - allowed by default"

// Service is the governance collaborator of the tool manager: policy
// evaluation, the tool catalog and RBAC registry, and the audit trail.
type Service struct {
	store   *Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ domain.Governance   = (*Service)(nil)
	_ domain.RBACRegistry = (*Service)(nil)
)

func NewService(store *Store, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, metrics: m, logger: logger, now: time.Now}
}

// EvaluatePolicy walks active rules in priority order; the first match decides.
// Every evaluation is written to the audit trail. An error means no decision
// could be reached and the caller must treat the request as denied.
func (s *Service) EvaluatePolicy(ctx context.Context, agent, action, target string, params map[string]any) (domain.PolicyDecision, error) {
	rules, err := s.store.ActivePolicies(ctx)
	if err != nil {
		return domain.PolicyDecision{}, fmt.Errorf("load policies: %w", err)
	}

	decision := domain.PolicyDecision{Allowed: true, Reason: defaultAllowReason}
	for _, r := range rules {
		if !r.Matches(agent, action, target, params) {
			continue
		}
		allowed := r.Effect == EffectAllow
		reason := r.Description
		if reason == "" {
			verb := "blocks"
			if allowed {
				verb = "allows"
			}
			reason = fmt.Sprintf("rule %q %s this action", r.Name, verb)
		}
		decision = domain.PolicyDecision{Allowed: allowed, Reason: reason, MatchedPolicyID: r.ID, MatchedPolicyName: r.Name}
		break
	}

	outcome := domain.DecisionAllowed
	if !decision.Allowed {
		outcome = domain.DecisionDenied
		s.logger.Info("policy denied action", "agent", agent, "action", action, "target", target, "policy", decision.MatchedPolicyName)
	}
	s.metrics.ObservePolicy(decision.Allowed)
	if err := s.RecordAudit(ctx, domain.AuditEvent{
		AgentName:     agent,
		Action:        action,
		Target:        target,
		Decision:      outcome,
		Justification: decision.Reason,
		Input:         params,
		PolicyID:      decision.MatchedPolicyID,
	}); err != nil {
		s.logger.Warn("policy audit write failed", "action", action, "err", err)
	}
	return decision, nil
}

// RecordAudit appends one audit record. Failures are returned for the caller to log.
func (s *Service) RecordAudit(ctx context.Context, ev domain.AuditEvent) error {
	_, err := s.store.InsertAudit(ctx, ev)
	s.metrics.ObserveAudit(err)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// SyncTools upserts every catalog entry and returns how many were written.
// A failing entry is logged and skipped.
func (s *Service) SyncTools(ctx context.Context, tools []domain.ToolCatalogEntry) (int, error) {
	synced := 0
	var lastErr error
	for _, t := range tools {
		if err := s.store.UpsertTool(ctx, t); err != nil {
			s.logger.Warn("tool sync failed", "tool", t.Name, "err", err)
			lastErr = err
			continue
		}
		synced++
	}
	if synced == 0 && lastErr != nil {
		return 0, fmt.Errorf("sync tools: %w", lastErr)
	}
	s.logger.Info("tools synced to registry", "synced", synced)
	return synced, nil
}

func (s *Service) AllowedAgents(ctx context.Context, toolName string) ([]string, bool, error) {
	return s.store.AllowedAgents(ctx, toolName)
}

func (s *Service) Tools(ctx context.Context) ([]ToolRecord, error) {
	return s.store.ListTools(ctx)
}

func (s *Service) SetToolRBAC(ctx context.Context, toolName string, agents []string) error {
	if err := s.store.SetToolRBAC(ctx, toolName, agents); err != nil {
		return err
	}
	s.logger.Info("tool RBAC updated", "tool", toolName, "agents", agents)
	return nil
}

func (s *Service) SetToolActive(ctx context.Context, toolName string, active bool) error {
	if err := s.store.SetToolActive(ctx, toolName, active); err != nil {
		return err
	}
	s.logger.Info("tool activation changed", "tool", toolName, "active", active)
	return nil
}

func (s *Service) Policies(ctx context.Context) ([]PolicyRule, error) {
	return s.store.ActivePolicies(ctx)
}

// CreatePolicy validates and stores a new rule.
func (s *Service) CreatePolicy(ctx context.Context, r PolicyRule) (PolicyRule, error) {
	if err := r.Validate(); err != nil {
		return r, err
	}
	created, _, err := s.store.InsertPolicy(ctx, r, false)
	if err != nil {
		return r, fmt.Errorf("create policy: %w", err)
	}
	s.logger.Info("policy created", "name", created.Name, "id", created.ID)
	return created, nil
}

func (s *Service) SetPolicyActive(ctx context.Context, id int64, active bool) error {
	return s.store.SetPolicyActive(ctx, id, active)
}

func (s *Service) AuditTrail(ctx context.Context, limit int, agent string) ([]domain.AuditEvent, error) {
	return s.store.AuditTrail(ctx, limit, agent)
}

// Stats counts active tools and policies, audit records, and denials of the last 24 hours.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now().Add(-24*time.Hour))
}
