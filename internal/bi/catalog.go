package bi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Column is one row of information_schema.columns.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
}

// Catalog reads table layouts straight from Postgres.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog connects to the project database through the pgx driver.
func OpenCatalog(ctx context.Context, dsn string) (*Catalog, error) {
	if dsn == "" {
		return nil, errors.New("bi.databaseUrl is required for catalog introspection")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Columns lists the columns of a public table in ordinal order.
func (c *Catalog) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = 'public'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Suggestions are chart kinds and starter queries for one table.
type Suggestions struct {
	Charts  []string `json:"suggestedCharts"`
	Queries []string `json:"suggestedQueries"`
}

var (
	numericTypes = []string{"integer", "bigint", "smallint", "numeric", "real", "double precision"}
	dateTypes    = []string{"timestamp", "timestamp without time zone", "timestamp with time zone", "date"}
	textTypes    = []string{"text", "character varying", "varchar"}
)

// Suggest derives chart kinds and queries from a table's column types.
func Suggest(table string, cols []Column) Suggestions {
	var numeric, dates, text []string
	for _, col := range cols {
		if !ValidIdentifier(col.Name) {
			continue
		}
		switch {
		case slices.Contains(numericTypes, col.DataType):
			numeric = append(numeric, col.Name)
		case slices.Contains(dateTypes, col.DataType):
			dates = append(dates, col.Name)
		case slices.Contains(textTypes, col.DataType):
			text = append(text, col.Name)
		}
	}

	s := Suggestions{Charts: []string{}, Queries: []string{}}
	if len(numeric) > 0 && len(dates) > 0 {
		s.Charts = append(s.Charts, "line", "area")
		s.Queries = append(s.Queries, fmt.Sprintf("SELECT %s::date, SUM(%s) FROM %s GROUP BY 1 ORDER BY 1", dates[0], numeric[0], table))
	}
	if len(numeric) > 0 && len(text) > 0 {
		s.Charts = append(s.Charts, "bar", "pie")
		s.Queries = append(s.Queries, fmt.Sprintf("SELECT %s, SUM(%s) as total FROM %s GROUP BY 1 ORDER BY 2 DESC LIMIT 10", text[0], numeric[0], table))
	}
	if len(numeric) >= 2 {
		s.Charts = append(s.Charts, "scatter")
		s.Queries = append(s.Queries, fmt.Sprintf("SELECT %s, %s FROM %s LIMIT 500", numeric[0], numeric[1], table))
	}
	s.Queries = append(s.Queries,
		fmt.Sprintf("SELECT COUNT(*) as total FROM %s", table),
		fmt.Sprintf("SELECT * FROM %s LIMIT 100", table),
	)
	return s
}

// FallbackSuggestions is used when the catalog cannot be read.
func FallbackSuggestions(table string) Suggestions {
	return Suggestions{
		Charts:  []string{"table"},
		Queries: []string{fmt.Sprintf("SELECT * FROM %s LIMIT 100", table)},
	}
}
