// Package results serves pages out of materialized result tables.
package results

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/n3dwh/query-executor/internal/materialize"
)

// Reader pages rows out of a result table in insertion order.
type Reader struct {
	db *sql.DB
}

// NewReader constructs a Reader over the results DB pool.
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Read returns up to limit rows starting at offset, ordered by the
// synthetic sequence column. The sequence column itself is stripped from
// the returned rows.
func (r *Reader) Read(ctx context.Context, table string, limit, offset int) ([]map[string]interface{}, error) {
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(materialize.SeqColumn))

	rows, err := r.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read result table %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, limit)
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(cols)-1)
		for i, c := range cols {
			if c == materialize.SeqColumn {
				continue
			}
			m[c] = normalizeValue(vals[i])
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeValue converts driver byte slices to strings so rows serialize
// to JSON as text rather than base64.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
