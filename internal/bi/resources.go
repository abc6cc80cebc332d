package bi

import (
	"context"
	"fmt"
	"net/http"
)

// Table is a table known to the engine.
type Table struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Schema     string  `json:"schema"`
	DBID       int     `json:"dbId"`
	EntityType string  `json:"entityType"`
	Fields     []Field `json:"fields,omitempty"`
}

// Field is a table column as the engine describes it.
type Field struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	DisplayName  string `json:"displayName,omitempty"`
	Type         string `json:"type"`
	SemanticType string `json:"semanticType,omitempty"`
	TableID      int    `json:"tableId,omitempty"`
}

type apiField struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	DatabaseType string `json:"database_type"`
	BaseType     string `json:"base_type"`
	SemanticType string `json:"semantic_type"`
	TableID      int    `json:"table_id"`
}

func (f apiField) field() Field {
	typ := f.DatabaseType
	if typ == "" {
		typ = f.BaseType
	}
	return Field{ID: f.ID, Name: f.Name, DisplayName: f.DisplayName, Type: typ, SemanticType: f.SemanticType, TableID: f.TableID}
}

// Tables lists the tables of the project database.
func (c *Client) Tables(ctx context.Context) ([]Table, error) {
	dbID, err := c.DatabaseID(ctx)
	if err != nil {
		return nil, err
	}
	var meta struct {
		Tables []struct {
			ID         int        `json:"id"`
			Name       string     `json:"name"`
			Schema     string     `json:"schema"`
			DBID       int        `json:"db_id"`
			EntityType string     `json:"entity_type"`
			Fields     []apiField `json:"fields"`
		} `json:"tables"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/database/%d/metadata?include_hidden=false", dbID), nil, &meta); err != nil {
		return nil, err
	}
	tables := make([]Table, 0, len(meta.Tables))
	for _, t := range meta.Tables {
		tb := Table{ID: t.ID, Name: t.Name, Schema: t.Schema, DBID: t.DBID, EntityType: t.EntityType}
		if tb.Schema == "" {
			tb.Schema = "public"
		}
		if tb.DBID == 0 {
			tb.DBID = dbID
		}
		if tb.EntityType == "" {
			tb.EntityType = "entity"
		}
		for _, f := range t.Fields {
			tb.Fields = append(tb.Fields, f.field())
		}
		tables = append(tables, tb)
	}
	return tables, nil
}

// TableFields returns the columns of one table.
func (c *Client) TableFields(ctx context.Context, tableID int) ([]Field, error) {
	var meta struct {
		Fields []apiField `json:"fields"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/table/%d/query_metadata", tableID), nil, &meta); err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		fields = append(fields, f.field())
	}
	return fields, nil
}

// QueryResult is a tabular answer.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// Preview returns the first n rows as column to value objects.
func (r *QueryResult) Preview(n int) []map[string]any {
	n = min(n, len(r.Rows))
	out := make([]map[string]any, 0, n)
	for _, row := range r.Rows[:n] {
		obj := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				obj[col] = row[i]
			}
		}
		out = append(out, obj)
	}
	return out
}

type datasetResponse struct {
	Data struct {
		Cols []struct {
			Name string `json:"name"`
		} `json:"cols"`
		Rows          [][]any `json:"rows"`
		RowsTruncated bool    `json:"rows_truncated"`
	} `json:"data"`
	RowCount int `json:"row_count"`
}

func (d *datasetResponse) result(trustRowCount bool) *QueryResult {
	res := &QueryResult{Columns: make([]string, 0, len(d.Data.Cols)), Rows: d.Data.Rows}
	for _, col := range d.Data.Cols {
		res.Columns = append(res.Columns, col.Name)
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	res.RowCount = len(res.Rows)
	if trustRowCount && !d.Data.RowsTruncated && d.RowCount > 0 {
		res.RowCount = d.RowCount
	}
	return res
}

// RunNativeQuery validates query as read-only, applies limit and runs it.
func (c *Client) RunNativeQuery(ctx context.Context, query string, limit int) (*QueryResult, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}
	dbID, err := c.DatabaseID(ctx)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"database": dbID,
		"type":     "native",
		"native":   map[string]any{"query": ApplyLimit(query, limit)},
	}
	var resp datasetResponse
	if err := c.do(ctx, http.MethodPost, "/api/dataset", req, &resp); err != nil {
		return nil, err
	}
	return resp.result(true), nil
}

// QuestionSpec describes a saved question to create.
type QuestionSpec struct {
	Name        string
	Description string
	Query       string
	ChartType   string
}

// Question is a saved question (card).
type Question struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Display     string `json:"display,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type apiCard struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Display     string `json:"display"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

func (a apiCard) question() Question {
	return Question{ID: a.ID, Name: a.Name, Display: a.Display, Description: a.Description, CreatedAt: a.CreatedAt}
}

// CreateQuestion saves a native query as a question.
func (c *Client) CreateQuestion(ctx context.Context, spec QuestionSpec) (*Question, error) {
	if err := ValidateReadOnly(spec.Query); err != nil {
		return nil, err
	}
	dbID, err := c.DatabaseID(ctx)
	if err != nil {
		return nil, err
	}
	display := spec.ChartType
	if display == "" {
		display = "table"
	}
	req := map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"display":     display,
		"dataset_query": map[string]any{
			"database": dbID,
			"type":     "native",
			"native":   map[string]any{"query": spec.Query},
		},
		"visualization_settings": map[string]any{},
	}
	var card apiCard
	if err := c.do(ctx, http.MethodPost, "/api/card", req, &card); err != nil {
		return nil, err
	}
	q := card.question()
	return &q, nil
}

// ListQuestions lists the saved questions.
func (c *Client) ListQuestions(ctx context.Context) ([]Question, error) {
	var cards []apiCard
	if err := c.do(ctx, http.MethodGet, "/api/card", nil, &cards); err != nil {
		return nil, err
	}
	out := make([]Question, 0, len(cards))
	for _, card := range cards {
		out = append(out, card.question())
	}
	return out, nil
}

// RunQuestion runs a saved question.
func (c *Client) RunQuestion(ctx context.Context, id int) (*QueryResult, error) {
	var resp datasetResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/card/%d/query", id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.result(false), nil
}

// Dashboard is a BI dashboard.
type Dashboard struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

type apiDashboard struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// CreateDashboard creates an empty dashboard.
func (c *Client) CreateDashboard(ctx context.Context, name, description string) (*Dashboard, error) {
	var d apiDashboard
	req := map[string]any{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/api/dashboard", req, &d); err != nil {
		return nil, err
	}
	return &Dashboard{ID: d.ID, Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt}, nil
}

// ListDashboards lists dashboards.
func (c *Client) ListDashboards(ctx context.Context) ([]Dashboard, error) {
	var ds []apiDashboard
	if err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, &ds); err != nil {
		return nil, err
	}
	out := make([]Dashboard, 0, len(ds))
	for _, d := range ds {
		out = append(out, Dashboard{ID: d.ID, Name: d.Name, Description: d.Description, CreatedAt: d.CreatedAt})
	}
	return out, nil
}

// Position places a card on the dashboard grid.
type Position struct {
	X, Y, Width, Height int
}

// AddToDashboard places a saved question on a dashboard.
func (c *Client) AddToDashboard(ctx context.Context, dashboardID, questionID int, pos Position) error {
	req := map[string]any{
		"dashcards": []map[string]any{{
			"id":      -1,
			"card_id": questionID,
			"row":     pos.Y,
			"col":     pos.X,
			"size_x":  pos.Width,
			"size_y":  pos.Height,
		}},
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/dashboard/%d", dashboardID), req, nil)
}

// SyncDatabase asks the engine to re-read the project database schema.
func (c *Client) SyncDatabase(ctx context.Context) error {
	dbID, err := c.DatabaseID(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/database/%d/sync_schema", dbID), nil, nil)
}
