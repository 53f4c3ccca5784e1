// Package tools provides the built-in tool set: analytical SQL queries,
// sandboxed code execution, and conversation memory. Each constructor
// returns registry descriptors; the pipeline only ever sees tools
// through the registry.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
)

// maxQueryRows bounds result sets handed back to the LLM.
const maxQueryRows = 500

// QueryTools exposes read-only SQL access to the analytics database.
func QueryTools(db *sqlx.DB) []*registry.Descriptor {
	return []*registry.Descriptor{
		{
			ID:          "query_database",
			Description: "Run a read-only SQL query against the analytics database",
			CachePolicy: idempotency.PolicyTTLShort,
			Timeout:     30 * time.Second,
			Args: []registry.ArgSpec{
				{Name: "sql", Type: registry.ArgString, Required: true, Description: "SELECT statement to execute"},
			},
			Summarize: summarizeRowCount,
			Invoke: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				query, _ := args["sql"].(string)
				if !isReadOnly(query) {
					return nil, registry.NewExecutionError("query_database", "invalid_arguments",
						"only SELECT/WITH statements are allowed")
				}
				rows, err := db.QueryxContext(ctx, query)
				if err != nil {
					return nil, registry.NewExecutionError("query_database", "query_failed", err.Error())
				}
				defer rows.Close()

				var results []map[string]interface{}
				for rows.Next() {
					row := make(map[string]interface{})
					if err := rows.MapScan(row); err != nil {
						return nil, registry.NewExecutionError("query_database", "scan_failed", err.Error())
					}
					for k, v := range row {
						if b, ok := v.([]byte); ok {
							row[k] = string(b)
						}
					}
					results = append(results, row)
					if len(results) >= maxQueryRows {
						break
					}
				}
				if err := rows.Err(); err != nil {
					return nil, registry.NewExecutionError("query_database", "query_failed", err.Error())
				}
				return map[string]interface{}{
					"rows":      results,
					"row_count": len(results),
					"truncated": len(results) >= maxQueryRows,
				}, nil
			},
		},
		{
			ID:          "query_schema",
			Description: "List tables and columns of the analytics database",
			CachePolicy: idempotency.PolicyTTLLong,
			Timeout:     10 * time.Second,
			Invoke: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				type table struct {
					Name string `db:"name"`
					SQL  string `db:"sql"`
				}
				var tables []table
				err := db.SelectContext(ctx, &tables,
					`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
				if err != nil {
					return nil, registry.NewExecutionError("query_schema", "query_failed", err.Error())
				}
				out := make([]map[string]string, 0, len(tables))
				for _, t := range tables {
					out = append(out, map[string]string{"table": t.Name, "ddl": t.SQL})
				}
				return map[string]interface{}{"tables": out, "table_count": len(out)}, nil
			},
		},
	}
}

func isReadOnly(query string) bool {
	q := strings.TrimSpace(strings.ToUpper(query))
	if q == "" {
		return false
	}
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}

func summarizeRowCount(payload interface{}) string {
	if m, ok := payload.(map[string]interface{}); ok {
		if n, ok := m["row_count"].(int); ok {
			return fmt.Sprintf("query returned %d rows", n)
		}
	}
	return "query completed"
}
