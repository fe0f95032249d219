// Package analytics manages published result tables in the analytics
// ClickHouse database.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// conn is the slice of the native driver the client uses; narrowed so
// tests can fake it.
type conn interface {
	Query(ctx context.Context, query string, args ...interface{}) (chdriver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) chdriver.Row
	Exec(ctx context.Context, query string, args ...interface{}) error
	PrepareBatch(ctx context.Context, query string, opts ...chdriver.PrepareBatchOption) (chdriver.Batch, error)
	Close() error
}

// Column is one column of a publish table schema.
type Column struct {
	Name string
	Type string
}

// Client publishes result sets as MergeTree tables.
type Client struct {
	conn     conn
	database string
}

// Dial connects to the analytics database named in the connection string.
func Dial(connString string) (*Client, error) {
	opts, err := clickhouse.ParseDSN(connString)
	if err != nil {
		return nil, fmt.Errorf("parse analytics connection string: %w", err)
	}
	c, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open analytics connection: %w", err)
	}
	return &Client{conn: c, database: opts.Auth.Database}, nil
}

// Close tears down the connection.
func (c *Client) Close() error { return c.conn.Close() }

// SchemaFromRows infers column types by feeding a sample of the rows to
// the server's JSONEachRow schema inference. At most two rows are probed,
// newest first, so a leading null in the first row still types correctly
// when the second row carries a value.
func (c *Client) SchemaFromRows(ctx context.Context, rows []map[string]interface{}) ([]Column, error) {
	probe, err := buildProbe(rows)
	if err != nil {
		return nil, err
	}

	res, err := c.conn.Query(ctx,
		"DESC format(JSONEachRow, {probe:String})",
		clickhouse.Named("probe", probe))
	if err != nil {
		return nil, fmt.Errorf("infer publish schema: %w", err)
	}
	defer res.Close()

	names := res.Columns()
	colTypes := res.ColumnTypes()

	nameIdx, typeIdx := -1, -1
	for i, n := range names {
		switch n {
		case "name":
			nameIdx = i
		case "type":
			typeIdx = i
		}
	}
	if nameIdx < 0 || typeIdx < 0 {
		return nil, fmt.Errorf("unexpected DESC result columns %v", names)
	}

	var out []Column
	for res.Next() {
		ptrs := make([]interface{}, len(colTypes))
		for i, ct := range colTypes {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := res.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, Column{
			Name: reflect.ValueOf(ptrs[nameIdx]).Elem().String(),
			Type: reflect.ValueOf(ptrs[typeIdx]).Elem().String(),
		})
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// buildProbe serializes up to two sample rows as JSONEachRow lines,
// newest first.
func buildProbe(rows []map[string]interface{}) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("cannot infer schema from zero rows")
	}
	sample := rows
	if len(sample) > 2 {
		sample = sample[:2]
	}
	lines := make([]string, 0, len(sample))
	for i := len(sample) - 1; i >= 0; i-- {
		b, err := json.Marshal(sample[i])
		if err != nil {
			return "", err
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

// CreatePublishTable creates (or replaces) the publish table with an id
// column prepended for stable ordering.
func (c *Client) CreatePublishTable(ctx context.Context, name string, cols []Column) error {
	defs := make([]string, 0, len(cols)+1)
	defs = append(defs, quoteIdent("id")+" UInt64")
	for _, col := range cols {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), col.Type))
	}
	ddl := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s) ENGINE = MergeTree() ORDER BY id",
		c.qualified(name), strings.Join(defs, ", "))
	if err := c.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create publish table %s: %w", name, err)
	}
	return nil
}

// InsertRows appends rows to the publish table, numbering them from
// startID in column order.
func (c *Client) InsertRows(ctx context.Context, name string, cols []Column, rows []map[string]interface{}, startID uint64) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", c.qualified(name)))
	if err != nil {
		return fmt.Errorf("prepare publish batch: %w", err)
	}
	for i, row := range rows {
		vals := make([]interface{}, 0, len(cols)+1)
		vals = append(vals, startID+uint64(i))
		for _, col := range cols {
			vals = append(vals, row[col.Name])
		}
		if err := batch.Append(vals...); err != nil {
			return fmt.Errorf("append publish row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send publish batch: %w", err)
	}
	return nil
}

// Exists reports whether the publish table is present.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	var present uint8
	err := c.conn.QueryRow(ctx, fmt.Sprintf("EXISTS TABLE %s", c.qualified(name))).Scan(&present)
	if err != nil {
		return false, fmt.Errorf("check publish table %s: %w", name, err)
	}
	return present == 1, nil
}

func (c *Client) qualified(name string) string {
	return quoteIdent(c.database) + "." + quoteIdent(name)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
