package materialize

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/staging"
)

const (
	insertBatchSize = 100

	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-=/,."
	secretLength   = 8
)

// TableMaterializer writes the staging file into a results_<id> table in the
// results database and issues a per-query read-only user for it. The table,
// the user, the grant and every insert share one transaction: a failure
// leaves no partial result visible.
//
// Inserts are not idempotent, so a run whose result table already exists is
// refused rather than appended to.
type TableMaterializer struct {
	db *sql.DB
}

// NewTableMaterializer constructs a materializer over the results DB pool.
func NewTableMaterializer(db *sql.DB) *TableMaterializer {
	return &TableMaterializer{db: db}
}

// Materialize implements Materializer.
func (m *TableMaterializer) Materialize(ctx context.Context, run *model.QueryExecution, stagingPath string) (*Result, error) {
	r, err := staging.NewReader(stagingPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	names, types, err := r.Header()
	if err != nil {
		return nil, fmt.Errorf("staging header: %w", err)
	}
	for _, n := range names {
		if n == SeqColumn {
			return nil, ErrReservedColumn
		}
	}

	table := fmt.Sprintf("results_%d", run.ID)
	user := fmt.Sprintf("sdwh_run_%d", run.ID)
	pass, err := newSecret()
	if err != nil {
		return nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// refuse re-runs over an existing table; see package comment
	var existing sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, table).Scan(&existing); err != nil {
		return nil, fmt.Errorf("check result table: %w", err)
	}
	if existing.Valid {
		return nil, fmt.Errorf("result table %s already exists", table)
	}

	cols := make([]string, 0, len(names)+1)
	cols = append(cols, pq.QuoteIdentifier(SeqColumn)+" BIGSERIAL PRIMARY KEY")
	for i, n := range names {
		cols = append(cols, fmt.Sprintf("%s %s NULL", pq.QuoteIdentifier(n), types[i]))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pq.QuoteIdentifier(table), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create result table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE USER %s WITH PASSWORD %s",
		pq.QuoteIdentifier(user), pq.QuoteLiteral(pass))); err != nil {
		return nil, fmt.Errorf("create result user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("GRANT SELECT ON %s TO %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(user))); err != nil {
		return nil, fmt.Errorf("grant select: %w", err)
	}

	total, err := m.insertRows(ctx, tx, table, names, r)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	log.WithFields(log.Fields{
		"guid":  run.GUID,
		"table": table,
		"rows":  total,
	}).Info("result table materialized")

	creds, err := json.Marshal(model.AccessCreds{User: user, Pass: pass})
	if err != nil {
		return nil, err
	}
	return &Result{Path: table, AccessCreds: string(creds)}, nil
}

// insertRows streams data rows out of the staging reader in batches of
// insertBatchSize and issues one multi-row INSERT per batch.
func (m *TableMaterializer) insertRows(ctx context.Context, tx *sql.Tx, table string, names []string, r *staging.Reader) (int, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", pq.QuoteIdentifier(table), strings.Join(quoted, ", "))

	flush := func(batch [][]interface{}) error {
		if len(batch) == 0 {
			return nil
		}
		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]interface{}, 0, len(batch)*len(names))
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j, v := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", len(args)+1)
				args = append(args, normalizeInsertValue(v))
			}
			sb.WriteString(")")
		}
		_, err := tx.ExecContext(ctx, sb.String(), args...)
		return err
	}

	total := 0
	batch := make([][]interface{}, 0, insertBatchSize)
	for {
		row, err := r.ReadRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read staging row: %w", err)
		}
		if len(row) != len(names) {
			return 0, fmt.Errorf("staging row has %d values, want %d", len(row), len(names))
		}
		batch = append(batch, row)
		total++
		if len(batch) == insertBatchSize {
			if err := flush(batch); err != nil {
				return 0, fmt.Errorf("insert batch: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return total, nil
}

// DeleteQueryExecs drops all listed result tables in a single statement.
// An empty list is a no-op.
func (m *TableMaterializer) DeleteQueryExecs(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = pq.QuoteIdentifier(p)
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", strings.Join(quoted, ", ")))
	if err != nil {
		return fmt.Errorf("drop result tables: %w", err)
	}
	return nil
}

// normalizeInsertValue maps the literal string "None" to SQL NULL, matching
// how upstream sources serialize missing values.
func normalizeInsertValue(v interface{}) interface{} {
	if s, ok := v.(string); ok && s == "None" {
		return nil
	}
	return v
}

// newSecret draws an 8-character secret from the fixed alphabet.
func newSecret() (string, error) {
	out := make([]byte, secretLength)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		out[i] = secretAlphabet[n.Int64()]
	}
	return string(out), nil
}
