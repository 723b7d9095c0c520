package queryset

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
)

// DBRunner runs statements over a database/sql pool. When transactional, each
// statement runs in its own transaction that is rolled back on any error.
type DBRunner struct {
	db            *sql.DB
	transactional bool
	logger        *zap.Logger
}

// NewDBRunner returns a runner over db using the dialect's transaction support.
func NewDBRunner(db *sql.DB, d *Dialect, logger *zap.Logger) *DBRunner {
	return &DBRunner{
		db:            db,
		transactional: d.Transactional,
		logger:        logger.Named("sql-runner"),
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *DBRunner) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if !r.transactional {
		rows, err := scanRows(ctx, r.db, query, args)
		if err != nil {
			return nil, r.fail(query, err)
		}
		return rows, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.fail(query, fmt.Errorf("begin transaction: %w", err))
	}

	rows, err := scanRows(ctx, tx, query, args)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("Rollback failed",
				zap.String("error", logging.SanitizeError(rbErr)))
		}
		return nil, r.fail(query, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, r.fail(query, fmt.Errorf("commit: %w", err))
	}
	return rows, nil
}

func (r *DBRunner) fail(query string, err error) error {
	sanitized := logging.SanitizeQuery(query)
	r.logger.Error("Query failed",
		zap.String("query", sanitized),
		zap.String("error", logging.SanitizeError(err)))
	return &apperrors.QueryError{Query: sanitized, Err: err}
}

func scanRows(ctx context.Context, q queryer, query string, args []any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, name := range columns {
			row[name] = NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// NormalizeValue decodes byte values as UTF-8 text, or hex when they are not
// valid UTF-8. Other values pass through.
func NormalizeValue(v any) any {
	switch b := v.(type) {
	case []byte:
		if utf8.Valid(b) {
			return string(b)
		}
		return hex.EncodeToString(b)
	case sql.RawBytes:
		return NormalizeValue([]byte(b))
	}
	return v
}
