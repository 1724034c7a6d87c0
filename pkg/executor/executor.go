// Package executor runs validated SELECT statements against the analytic
// store with a hard row cap, a per-query timeout, and a read-only
// transaction. It never retries; repair-eligibility decisions belong to
// the pipeline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rxlytics/analyst-engine/pkg/database"
)

// FailureKind classifies execution failures for audit and repair routing.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureConnection FailureKind = "connection"
	FailureQuery      FailureKind = "query"
)

// Failure is a typed execution error.
type Failure struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// QueryResult holds the result of a successful query.
type QueryResult struct {
	Columns   []string
	Rows      [][]any
	RowCount  int
	Truncated bool
	DBMs      int64
}

// Executor executes read-only queries against the analytic store.
type Executor struct {
	db      *database.DB
	maxRows int
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a query executor with the given row cap and timeout.
func New(db *database.DB, maxRows int, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		db:      db,
		maxRows: maxRows,
		timeout: timeout,
		logger:  logger.Named("executor"),
	}
}

// Execute runs one validated SELECT statement. The statement is wrapped in
// a subquery with LIMIT maxRows+1 so truncation can be detected without
// fetching unbounded results.
func (e *Executor) Execute(ctx context.Context, sqlText string) (*QueryResult, error) {
	clean := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sqlText), ";"))
	limited := fmt.Sprintf("SELECT * FROM (%s) _q LIMIT %d", clean, e.maxRows+1)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, e.classify(err, clean)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	rows, err := tx.Query(ctx, limited)
	if err != nil {
		return nil, e.classify(err, clean)
	}
	defer rows.Close()

	var columns []string
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	var resultRows [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, e.classify(err, clean)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = serialize(v)
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.classify(err, clean)
	}

	dbMs := time.Since(start).Milliseconds()

	truncated := len(resultRows) > e.maxRows
	if truncated {
		resultRows = resultRows[:e.maxRows]
	}
	if len(resultRows) == 0 {
		columns = nil
	}

	e.logger.Debug("query executed",
		zap.Int("row_count", len(resultRows)),
		zap.Bool("truncated", truncated),
		zap.Int64("db_ms", dbMs))

	return &QueryResult{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
		DBMs:      dbMs,
	}, nil
}

// MaxRows returns the configured row cap.
func (e *Executor) MaxRows() int {
	return e.maxRows
}

func (e *Executor) classify(err error, sqlText string) *Failure {
	e.logger.Error("SQL execution error",
		zap.Error(err),
		zap.String("sql", truncateForLog(sqlText, 200)))

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Message: "query timed out", Cause: err}
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "conn closed") {
		return &Failure{Kind: FailureConnection, Message: "database connection failed", Cause: err}
	}

	return &Failure{Kind: FailureQuery, Message: err.Error(), Cause: err}
}

// serialize converts driver values to JSON-safe types. Numeric, date, and
// other rich types become strings.
func serialize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string, int, int8, int16, int32, int64, float32, float64:
		return val
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format(time.RFC3339)
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
