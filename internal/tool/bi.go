package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"toolgov/internal/bi"
	"toolgov/internal/domain"
)

const categoryBI = "BI"

// BIEngine is the BI engine surface the bi.* tools use.
type BIEngine interface {
	Health(ctx context.Context) bi.HealthStatus
	Tables(ctx context.Context) ([]bi.Table, error)
	TableFields(ctx context.Context, tableID int) ([]bi.Field, error)
	RunNativeQuery(ctx context.Context, query string, limit int) (*bi.QueryResult, error)
	CreateQuestion(ctx context.Context, spec bi.QuestionSpec) (*bi.Question, error)
	ListQuestions(ctx context.Context) ([]bi.Question, error)
	RunQuestion(ctx context.Context, id int) (*bi.QueryResult, error)
	CreateDashboard(ctx context.Context, name, description string) (*bi.Dashboard, error)
	ListDashboards(ctx context.Context) ([]bi.Dashboard, error)
	AddToDashboard(ctx context.Context, dashboardID, questionID int, pos bi.Position) error
	SyncDatabase(ctx context.Context) error
}

// ColumnSource reads table columns for analysis suggestions.
type ColumnSource interface {
	Columns(ctx context.Context, table string) ([]bi.Column, error)
}

// BIOptions tunes the bi.* tools.
type BIOptions struct {
	DefaultLimit int
	PreviewRows  int
	// Catalog may be nil; suggestions then fall back to a plain table preview.
	Catalog ColumnSource
}

// biTool is the shared shape of every bi.* tool: a definition and a run func.
type biTool struct {
	def domain.ToolDefinition
	run func(ctx context.Context, params map[string]any) domain.ToolResult
}

func (t *biTool) Definition() domain.ToolDefinition { return t.def }

func (t *biTool) Execute(ctx context.Context, params map[string]any) (domain.ToolResult, error) {
	return t.run(ctx, params), nil
}

// NewBITools returns the twelve bi.* tools backed by engine.
func NewBITools(engine BIEngine, opts BIOptions) []domain.Tool {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.PreviewRows <= 0 {
		opts.PreviewRows = 20
	}
	b := &biTools{engine: engine, opts: opts}
	return []domain.Tool{
		b.query(), b.listTables(), b.tableFields(),
		b.createQuestion(), b.runQuestion(), b.listQuestions(),
		b.createDashboard(), b.listDashboards(), b.addToDashboard(),
		b.suggestAnalysis(), b.syncDatabase(), b.health(),
	}
}

type biTools struct {
	engine BIEngine
	opts   BIOptions
}

func biDef(name, desc string, params ...domain.ToolParameter) domain.ToolDefinition {
	return domain.ToolDefinition{Name: name, Description: desc, Category: categoryBI, Parameters: params}
}

func previewText(res *bi.QueryResult, rows int) string {
	preview := res.Preview(rows)
	b, _ := json.MarshalIndent(preview, "", "  ")
	return fmt.Sprintf("Columns: %s\n\nFirst %d rows:\n%s", strings.Join(res.Columns, ", "), len(preview), b)
}

func (b *biTools) query() domain.Tool {
	return &biTool{
		def: biDef("bi.query", "Run a read-only SQL query on the BI engine and return the rows",
			domain.ToolParameter{Name: "query", Kind: domain.KindString, Description: "SQL query (SELECT only)", Required: true},
			domain.ToolParameter{Name: "limit", Kind: domain.KindNumber, Description: "Row limit", Default: b.opts.DefaultLimit},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			p := struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}{Limit: b.opts.DefaultLimit}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			// Native queries always carry a LIMIT.
			if p.Limit <= 0 {
				p.Limit = b.opts.DefaultLimit
			}
			res, err := b.engine.RunNativeQuery(ctx, p.Query, p.Limit)
			if err != nil {
				return Failure("Query failed: %v", err)
			}
			return Success(
				fmt.Sprintf("Query returned %d rows, %d columns.\n\n%s", res.RowCount, len(res.Columns), previewText(res, b.opts.PreviewRows)),
				res,
			)
		},
	}
}

func (b *biTools) listTables() domain.Tool {
	return &biTool{
		def: biDef("bi.list_tables", "List the tables available for analysis"),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			tables, err := b.engine.Tables(ctx)
			if err != nil {
				return Failure("Cannot list tables: %v", err)
			}
			var sb strings.Builder
			for _, t := range tables {
				fmt.Fprintf(&sb, "\n- %s (%s) [id %d]", t.Name, t.Schema, t.ID)
			}
			return Success(fmt.Sprintf("%d tables available:%s", len(tables), sb.String()), tables)
		},
	}
}

func (b *biTools) tableFields() domain.Tool {
	return &biTool{
		def: biDef("bi.table_fields", "List the columns and types of one table",
			domain.ToolParameter{Name: "tableId", Kind: domain.KindNumber, Description: "Table id from bi.list_tables", Required: true},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			var p struct {
				TableID int `json:"tableId"`
			}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			fields, err := b.engine.TableFields(ctx, p.TableID)
			if err != nil {
				return Failure("Cannot read fields of table %d: %v", p.TableID, err)
			}
			var sb strings.Builder
			for _, f := range fields {
				fmt.Fprintf(&sb, "\n- %s (%s)", f.Name, f.Type)
			}
			return Success(fmt.Sprintf("%d columns:%s", len(fields), sb.String()), fields)
		},
	}
}

func (b *biTools) createQuestion() domain.Tool {
	return &biTool{
		def: biDef("bi.create_question", "Save a query as a question that can be run later or placed on a dashboard",
			domain.ToolParameter{Name: "name", Kind: domain.KindString, Description: "Question name", Required: true},
			domain.ToolParameter{Name: "query", Kind: domain.KindString, Description: "SQL query", Required: true},
			domain.ToolParameter{Name: "chartType", Kind: domain.KindString, Description: "table, bar, line, pie, area, scatter, row or scalar", Default: "table"},
			domain.ToolParameter{Name: "description", Kind: domain.KindString, Description: "Question description"},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			var p struct {
				Name        string `json:"name"`
				Query       string `json:"query"`
				ChartType   string `json:"chartType"`
				Description string `json:"description"`
			}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			q, err := b.engine.CreateQuestion(ctx, bi.QuestionSpec{Name: p.Name, Description: p.Description, Query: p.Query, ChartType: p.ChartType})
			if err != nil {
				return Failure("Cannot create question: %v", err)
			}
			return Success(fmt.Sprintf("Question created: %q (id %d). Run it with bi.run_question or place it with bi.add_to_dashboard.", q.Name, q.ID), q)
		},
	}
}

func (b *biTools) runQuestion() domain.Tool {
	return &biTool{
		def: biDef("bi.run_question", "Run a saved question and return fresh results",
			domain.ToolParameter{Name: "questionId", Kind: domain.KindNumber, Description: "Question id", Required: true},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			var p struct {
				QuestionID int `json:"questionId"`
			}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			res, err := b.engine.RunQuestion(ctx, p.QuestionID)
			if err != nil {
				return Failure("Cannot run question %d: %v", p.QuestionID, err)
			}
			return Success(fmt.Sprintf("Question %d returned %d rows.\n\n%s", p.QuestionID, res.RowCount, previewText(res, b.opts.PreviewRows)), res)
		},
	}
}

func (b *biTools) listQuestions() domain.Tool {
	return &biTool{
		def: biDef("bi.list_questions", "List saved questions"),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			qs, err := b.engine.ListQuestions(ctx)
			if err != nil {
				return Failure("Cannot list questions: %v", err)
			}
			if len(qs) == 0 {
				return Success("No questions yet. Create one with bi.create_question.", qs)
			}
			var sb strings.Builder
			for _, q := range qs {
				desc := q.Description
				if desc == "" {
					desc = "no description"
				}
				fmt.Fprintf(&sb, "\n- [%d] %q (%s) - %s", q.ID, q.Name, q.Display, desc)
			}
			return Success(fmt.Sprintf("%d questions:%s", len(qs), sb.String()), qs)
		},
	}
}

func (b *biTools) createDashboard() domain.Tool {
	return &biTool{
		def: biDef("bi.create_dashboard", "Create a dashboard to group questions and charts",
			domain.ToolParameter{Name: "name", Kind: domain.KindString, Description: "Dashboard name", Required: true},
			domain.ToolParameter{Name: "description", Kind: domain.KindString, Description: "Dashboard description"},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			var p struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			d, err := b.engine.CreateDashboard(ctx, p.Name, p.Description)
			if err != nil {
				return Failure("Cannot create dashboard: %v", err)
			}
			return Success(fmt.Sprintf("Dashboard created: %q (id %d). Add questions with bi.add_to_dashboard.", d.Name, d.ID), d)
		},
	}
}

func (b *biTools) listDashboards() domain.Tool {
	return &biTool{
		def: biDef("bi.list_dashboards", "List dashboards"),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			ds, err := b.engine.ListDashboards(ctx)
			if err != nil {
				return Failure("Cannot list dashboards: %v", err)
			}
			if len(ds) == 0 {
				return Success("No dashboards yet. Create one with bi.create_dashboard.", ds)
			}
			var sb strings.Builder
			for _, d := range ds {
				fmt.Fprintf(&sb, "\n- [%d] %q", d.ID, d.Name)
			}
			return Success(fmt.Sprintf("%d dashboards:%s", len(ds), sb.String()), ds)
		},
	}
}

func (b *biTools) addToDashboard() domain.Tool {
	return &biTool{
		def: biDef("bi.add_to_dashboard", "Place a saved question on a dashboard",
			domain.ToolParameter{Name: "dashboardId", Kind: domain.KindNumber, Description: "Dashboard id", Required: true},
			domain.ToolParameter{Name: "questionId", Kind: domain.KindNumber, Description: "Question id", Required: true},
			domain.ToolParameter{Name: "x", Kind: domain.KindNumber, Description: "Grid column", Default: 0},
			domain.ToolParameter{Name: "y", Kind: domain.KindNumber, Description: "Grid row", Default: 0},
			domain.ToolParameter{Name: "width", Kind: domain.KindNumber, Description: "Grid width", Default: 6},
			domain.ToolParameter{Name: "height", Kind: domain.KindNumber, Description: "Grid height", Default: 4},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			p := struct {
				DashboardID int `json:"dashboardId"`
				QuestionID  int `json:"questionId"`
				X           int `json:"x"`
				Y           int `json:"y"`
				Width       int `json:"width"`
				Height      int `json:"height"`
			}{Width: 6, Height: 4}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			pos := bi.Position{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
			if err := b.engine.AddToDashboard(ctx, p.DashboardID, p.QuestionID, pos); err != nil {
				return Failure("Cannot add question %d to dashboard %d: %v", p.QuestionID, p.DashboardID, err)
			}
			return Success(fmt.Sprintf("Question %d added to dashboard %d.", p.QuestionID, p.DashboardID), nil)
		},
	}
}

func (b *biTools) suggestAnalysis() domain.Tool {
	return &biTool{
		def: biDef("bi.suggest_analysis", "Suggest queries and chart kinds for a table from its column types",
			domain.ToolParameter{Name: "tableName", Kind: domain.KindString, Description: "Table name", Required: true},
		),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			var p struct {
				TableName string `json:"tableName"`
			}
			if err := decodeParams(params, &p); err != nil {
				return Failure("Invalid parameters: %v", err)
			}
			if !bi.ValidIdentifier(p.TableName) {
				return Failure("Invalid table name: %q", p.TableName)
			}
			s := bi.FallbackSuggestions(p.TableName)
			if b.opts.Catalog != nil {
				if cols, err := b.opts.Catalog.Columns(ctx, p.TableName); err == nil && len(cols) > 0 {
					s = bi.Suggest(p.TableName, cols)
				}
			}
			var sb strings.Builder
			for i, q := range s.Queries {
				fmt.Fprintf(&sb, "\n%d. %s", i+1, q)
			}
			return Success(fmt.Sprintf("Suggestions for table %q:\n\nCharts: %s\n\nQueries:%s",
				p.TableName, strings.Join(s.Charts, ", "), sb.String()), s)
		},
	}
}

func (b *biTools) syncDatabase() domain.Tool {
	return &biTool{
		def: biDef("bi.sync_database", "Ask the BI engine to re-read the database schema"),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			if err := b.engine.SyncDatabase(ctx); err != nil {
				return Failure("Cannot sync database: %v", err)
			}
			return Success("Schema sync started. New tables appear in bi.list_tables shortly.", nil)
		},
	}
}

func (b *biTools) health() domain.Tool {
	return &biTool{
		def: biDef("bi.health", "Check whether the BI engine is reachable"),
		run: func(ctx context.Context, params map[string]any) domain.ToolResult {
			h := b.engine.Health(ctx)
			if !h.Online {
				return Failure("BI engine is offline")
			}
			return Success("BI engine online (version "+h.Version+")", h)
		},
	}
}

var _ BIEngine = (*bi.Client)(nil)
