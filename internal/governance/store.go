package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"toolgov/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a tool or policy row does not exist.
var ErrNotFound = errors.New("not found")

// ToolRecord is one row of the tool registry. AllowedAgents nil means unrestricted.
type ToolRecord struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	Version       string    `json:"version"`
	Active        bool      `json:"isActive"`
	AllowedAgents []string  `json:"allowedAgents"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Stats summarizes the governance store.
type Stats struct {
	TotalTools        int `json:"totalTools"`
	TotalPolicies     int `json:"totalPolicies"`
	TotalAuditEntries int `json:"totalAuditEntries"`
	RecentDenials     int `json:"recentDenials"`
}

// Store persists the tool registry, policy rules and audit trail in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertTool inserts a tool or refreshes its description and category.
// The RBAC allow-list of an existing row is left untouched.
func (s *Store) UpsertTool(ctx context.Context, e domain.ToolCatalogEntry) error {
	category := e.Category
	if category == "" {
		category = "general"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_registry (name, category, description, version, is_active, created_at)
		 VALUES (?, ?, ?, '1.0.0', 1, ?)
		 ON CONFLICT(name) DO UPDATE SET description = excluded.description, category = excluded.category`,
		e.Name, category, e.Description, time.Now().UTC(),
	)
	return err
}

func (s *Store) ListTools(ctx context.Context) ([]ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, COALESCE(description, ''), version, is_active, allowed_agents, created_at
		 FROM tool_registry WHERE is_active = 1 ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []ToolRecord
	for rows.Next() {
		var t ToolRecord
		var agents sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.Category, &t.Description, &t.Version, &t.Active, &agents, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.AllowedAgents, err = decodeAgents(agents); err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// AllowedAgents returns a tool's allow-list. Inactive records keep theirs.
func (s *Store) AllowedAgents(ctx context.Context, name string) ([]string, bool, error) {
	var agents sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT allowed_agents FROM tool_registry WHERE name = ?`, name,
	).Scan(&agents)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	list, err := decodeAgents(agents)
	if err != nil {
		return nil, true, err
	}
	return list, true, nil
}

// SetToolRBAC replaces a tool's allow-list. An empty list removes the restriction.
func (s *Store) SetToolRBAC(ctx context.Context, name string, agents []string) error {
	var value any
	if len(agents) > 0 {
		b, err := json.Marshal(agents)
		if err != nil {
			return err
		}
		value = string(b)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tool_registry SET allowed_agents = ? WHERE name = ?`, value, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool %s: %w", name, ErrNotFound)
	}
	return nil
}

// SetToolActive hides or restores a tool in the governed catalog. Re-syncing
// does not reactivate it.
func (s *Store) SetToolActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tool_registry SET is_active = ? WHERE name = ?`, active, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool %s: %w", name, ErrNotFound)
	}
	return nil
}

func decodeAgents(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var agents []string
	if err := json.Unmarshal([]byte(v.String), &agents); err != nil {
		return nil, fmt.Errorf("decode allowed agents: %w", err)
	}
	return agents, nil
}

// ActivePolicies returns active rules in evaluation order.
func (s *Store) ActivePolicies(ctx context.Context) ([]PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description, ''), scope, COALESCE(target, ''), effect, priority,
		        conditions, is_active, created_at
		 FROM policy_rules WHERE is_active = 1 ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []PolicyRule
	for rows.Next() {
		var r PolicyRule
		var cond sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Scope, &r.Target, &r.Effect, &r.Priority,
			&cond, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		if cond.Valid && cond.String != "" {
			if err := json.Unmarshal([]byte(cond.String), &r.Conditions); err != nil {
				return nil, fmt.Errorf("policy %s: decode conditions: %w", r.Name, err)
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertPolicy stores a rule. With ignoreExisting a rule whose name already
// exists is skipped and reported as not inserted.
func (s *Store) InsertPolicy(ctx context.Context, r PolicyRule, ignoreExisting bool) (PolicyRule, bool, error) {
	cond, err := json.Marshal(r.Conditions)
	if err != nil {
		return r, false, err
	}
	verb := "INSERT"
	if ignoreExisting {
		verb = "INSERT OR IGNORE"
	}
	r.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		verb+` INTO policy_rules (name, description, scope, target, effect, priority, conditions, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Description, r.Scope, r.Target, r.Effect, r.Priority, string(cond), r.Active, r.CreatedAt,
	)
	if err != nil {
		return r, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r, false, nil
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return r, false, err
	}
	return r, true, nil
}

func (s *Store) SetPolicyActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE policy_rules SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertAudit appends an audit record, assigning an id and timestamp when absent.
func (s *Store) InsertAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	input, err := encodeJSON(ev.Input)
	if err != nil {
		return ev, fmt.Errorf("encode audit input: %w", err)
	}
	output, err := encodeJSON(ev.Output)
	if err != nil {
		return ev, fmt.Errorf("encode audit output: %w", err)
	}
	var policyID any
	if ev.PolicyID != 0 {
		policyID = ev.PolicyID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_trail (id, agent_name, action, target, decision, justification, input, output, policy_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AgentName, ev.Action, ev.Target, ev.Decision, ev.Justification, input, output, policyID, ev.CreatedAt,
	)
	return ev, err
}

// AuditTrail returns the newest records first, optionally for a single agent.
func (s *Store) AuditTrail(ctx context.Context, limit int, agent string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_name, action, COALESCE(target, ''), decision, COALESCE(justification, ''),
	                 input, output, COALESCE(policy_id, 0), created_at
	          FROM audit_trail`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var input, output sql.NullString
		if err := rows.Scan(&ev.ID, &ev.AgentName, &ev.Action, &ev.Target, &ev.Decision, &ev.Justification,
			&input, &output, &ev.PolicyID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if ev.Input, err = decodeJSON(input); err != nil {
			return nil, fmt.Errorf("audit %s: %w", ev.ID, err)
		}
		if ev.Output, err = decodeJSON(output); err != nil {
			return nil, fmt.Errorf("audit %s: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tool_registry WHERE is_active = 1),
			(SELECT COUNT(*) FROM policy_rules WHERE is_active = 1),
			(SELECT COUNT(*) FROM audit_trail),
			(SELECT COUNT(*) FROM audit_trail WHERE decision IN ('denied', 'rbac_denied') AND created_at > ?)`,
		since.UTC(),
	).Scan(&st.TotalTools, &st.TotalPolicies, &st.TotalAuditEntries, &st.RecentDenials)
	return st, err
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
