package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"toolgov/internal/bi"
)

type fakeBI struct {
	online    bool
	lastQuery string
	lastLimit int
	lastPos   bi.Position
	err       error
}

func (f *fakeBI) Health(ctx context.Context) bi.HealthStatus {
	return bi.HealthStatus{Online: f.online, Version: "v1"}
}
func (f *fakeBI) Tables(ctx context.Context) ([]bi.Table, error) {
	return []bi.Table{{ID: 1, Name: "orders", Schema: "public"}}, f.err
}
func (f *fakeBI) TableFields(ctx context.Context, id int) ([]bi.Field, error) {
	return []bi.Field{{ID: 1, Name: "id", Type: "int4"}}, f.err
}
func (f *fakeBI) RunNativeQuery(ctx context.Context, q string, limit int) (*bi.QueryResult, error) {
	f.lastQuery, f.lastLimit = q, limit
	if err := bi.ValidateReadOnly(q); err != nil {
		return nil, err
	}
	rows := make([][]any, 30)
	for i := range rows {
		rows[i] = []any{i}
	}
	return &bi.QueryResult{Columns: []string{"n"}, Rows: rows, RowCount: len(rows)}, f.err
}
func (f *fakeBI) CreateQuestion(ctx context.Context, spec bi.QuestionSpec) (*bi.Question, error) {
	return &bi.Question{ID: 9, Name: spec.Name, Display: spec.ChartType}, f.err
}
func (f *fakeBI) ListQuestions(ctx context.Context) ([]bi.Question, error) { return nil, f.err }
func (f *fakeBI) RunQuestion(ctx context.Context, id int) (*bi.QueryResult, error) {
	return &bi.QueryResult{Columns: []string{"x"}, Rows: [][]any{{1}}, RowCount: 1}, f.err
}
func (f *fakeBI) CreateDashboard(ctx context.Context, name, desc string) (*bi.Dashboard, error) {
	return &bi.Dashboard{ID: 2, Name: name}, f.err
}
func (f *fakeBI) ListDashboards(ctx context.Context) ([]bi.Dashboard, error) {
	return []bi.Dashboard{{ID: 2, Name: "Sales"}}, f.err
}
func (f *fakeBI) AddToDashboard(ctx context.Context, d, q int, pos bi.Position) error {
	f.lastPos = pos
	return f.err
}
func (f *fakeBI) SyncDatabase(ctx context.Context) error { return f.err }

type fakeColumns struct {
	cols []bi.Column
	err  error
}

func (f fakeColumns) Columns(ctx context.Context, table string) ([]bi.Column, error) {
	return f.cols, f.err
}

func biManager(t *testing.T, engine BIEngine, opts BIOptions) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{Logger: testLogger()})
	for _, tl := range NewBITools(engine, opts) {
		if err := m.Register(tl); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestBITools_Registered(t *testing.T) {
	m := biManager(t, &fakeBI{}, BIOptions{})
	defs := m.ListToolsByCategory("BI")
	if len(defs) != 12 {
		t.Fatalf("expected 12 BI tools, got %d", len(defs))
	}
	for _, d := range defs {
		if !strings.HasPrefix(d.Name, "bi.") {
			t.Errorf("unexpected tool name %s", d.Name)
		}
	}
}

func TestBIQuery_DefaultLimitAndPreview(t *testing.T) {
	engine := &fakeBI{}
	m := biManager(t, engine, BIOptions{})
	res := m.Execute(context.Background(), "bi.query", map[string]any{"query": "SELECT n FROM t"}, "")
	if !res.Success {
		t.Fatalf("query failed: %q", res.Error)
	}
	if engine.lastLimit != 100 {
		t.Fatalf("expected default limit 100, got %d", engine.lastLimit)
	}
	if !strings.Contains(res.Message, "First 20 rows") {
		t.Fatalf("expected 20-row preview in message: %s", res.Message)
	}
	if res.Data.(*bi.QueryResult).RowCount != 30 {
		t.Fatal("data should carry the full result")
	}
}

func TestBIQuery_NonPositiveLimitClamped(t *testing.T) {
	engine := &fakeBI{}
	m := biManager(t, engine, BIOptions{DefaultLimit: 250})
	for _, limit := range []float64{0, -5} {
		res := m.Execute(context.Background(), "bi.query", map[string]any{"query": "SELECT n FROM t", "limit": limit}, "")
		if !res.Success {
			t.Fatalf("limit %v: query failed: %q", limit, res.Error)
		}
		if engine.lastLimit != 250 {
			t.Fatalf("limit %v: expected clamp to 250, got %d", limit, engine.lastLimit)
		}
	}
	m.Execute(context.Background(), "bi.query", map[string]any{"query": "SELECT n FROM t", "limit": 7.0}, "")
	if engine.lastLimit != 7 {
		t.Fatalf("explicit positive limit should pass through, got %d", engine.lastLimit)
	}
}

func TestBIQuery_RejectsWrites(t *testing.T) {
	m := biManager(t, &fakeBI{}, BIOptions{})
	res := m.Execute(context.Background(), "bi.query", map[string]any{"query": "DELETE FROM t"}, "")
	if res.Success || !strings.Contains(res.Error, "only SELECT") {
		t.Fatalf("expected read-only rejection, got %+v", res)
	}
}

func TestBIQuery_EngineErrorText(t *testing.T) {
	engine := &fakeBI{err: &bi.APIError{Status: 400, Body: `column "x" does not exist`}}
	m := biManager(t, engine, BIOptions{})
	res := m.Execute(context.Background(), "bi.list_tables", nil, "")
	if res.Success || !strings.Contains(res.Error, `column "x" does not exist`) {
		t.Fatalf("engine error text should reach the caller, got %q", res.Error)
	}
}

func TestBIAddToDashboard_Defaults(t *testing.T) {
	engine := &fakeBI{}
	m := biManager(t, engine, BIOptions{})
	res := m.Execute(context.Background(), "bi.add_to_dashboard", map[string]any{"dashboardId": 2.0, "questionId": 9.0}, "")
	if !res.Success {
		t.Fatalf("add failed: %q", res.Error)
	}
	if engine.lastPos != (bi.Position{X: 0, Y: 0, Width: 6, Height: 4}) {
		t.Fatalf("unexpected position %+v", engine.lastPos)
	}
}

func TestBICreateQuestion_DefaultChart(t *testing.T) {
	m := biManager(t, &fakeBI{}, BIOptions{})
	res := m.Execute(context.Background(), "bi.create_question", map[string]any{"name": "Rev", "query": "SELECT 1"}, "")
	if !res.Success || res.Data.(*bi.Question).Display != "table" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBISuggestAnalysis(t *testing.T) {
	cat := fakeColumns{cols: []bi.Column{{Name: "amount", DataType: "numeric"}, {Name: "day", DataType: "date"}}}
	m := biManager(t, &fakeBI{}, BIOptions{Catalog: cat})
	res := m.Execute(context.Background(), "bi.suggest_analysis", map[string]any{"tableName": "sales"}, "")
	s := res.Data.(bi.Suggestions)
	if len(s.Charts) != 2 || s.Charts[0] != "line" {
		t.Fatalf("unexpected suggestions %+v", s)
	}

	m = biManager(t, &fakeBI{}, BIOptions{Catalog: fakeColumns{err: errors.New("down")}})
	res = m.Execute(context.Background(), "bi.suggest_analysis", map[string]any{"tableName": "sales"}, "")
	s = res.Data.(bi.Suggestions)
	if s.Charts[0] != "table" {
		t.Fatalf("expected fallback, got %+v", s)
	}

	res = m.Execute(context.Background(), "bi.suggest_analysis", map[string]any{"tableName": "sales; drop"}, "")
	if res.Success {
		t.Fatal("non-identifier table names must be refused")
	}
}

func TestBIHealth(t *testing.T) {
	m := biManager(t, &fakeBI{online: true}, BIOptions{})
	if res := m.Execute(context.Background(), "bi.health", nil, ""); !res.Success {
		t.Fatalf("expected online, got %q", res.Error)
	}
	m = biManager(t, &fakeBI{}, BIOptions{})
	if res := m.Execute(context.Background(), "bi.health", nil, ""); res.Success {
		t.Fatal("expected offline failure")
	}
}
