// Package warehouse runs read-only analytical queries against the finance
// data warehouse.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotReadOnly   = errors.New("warehouse: only a single SELECT or WITH statement is allowed")
	ErrEmptyQuery    = errors.New("warehouse: empty query")
	forbiddenKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|upsert|replace|drop|alter|create|truncate|grant|revoke|attach|detach|pragma|call|exec|execute|lock|vacuum|into)\b`)
	lineComment      = regexp.MustCompile(`--[^\n]*`)
	blockComment     = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// forbiddenFunc matches server-side functions that read files, stall or
// shell out.
var forbiddenFunc = regexp.MustCompile(`(?i)\b(load_file|sleep|benchmark|get_lock|pg_sleep|pg_sleep_for|pg_read_file|pg_read_binary_file|pg_ls_dir|lo_import|lo_export|dblink|xp_cmdshell|sys_exec|sys_eval)\s*\(`)

type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

// Service executes vetted SELECT statements with a row cap and a timeout.
type Service struct {
	db      *gorm.DB
	maxRows int
	timeout time.Duration
}

func NewService(db *gorm.DB, maxRows int, timeout time.Duration) *Service {
	if maxRows <= 0 {
		maxRows = 500
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{db: db, maxRows: maxRows, timeout: timeout}
}

// Validate is a first filter only; Query also runs inside a read-only
// transaction so the database enforces it.
//
// Validate strips comments and a trailing semicolon and rejects anything
// that is not one read-only statement.
func Validate(query string) (string, error) {
	q := blockComment.ReplaceAllString(query, " ")
	q = lineComment.ReplaceAllString(q, " ")
	q = strings.TrimSpace(q)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", ErrEmptyQuery
	}
	if strings.Contains(q, ";") {
		return "", ErrNotReadOnly
	}
	head := strings.ToLower(strings.Fields(q)[0])
	if head != "select" && head != "with" {
		return "", ErrNotReadOnly
	}
	if forbiddenKeyword.MatchString(q) || forbiddenFunc.MatchString(q) {
		return "", ErrNotReadOnly
	}
	return q, nil
}

func (s *Service) Query(ctx context.Context, query string) (*Result, error) {
	q, err := Validate(query)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx := s.db.WithContext(ctx).Begin(&sql.TxOptions{ReadOnly: true})
	if tx.Error != nil {
		return nil, fmt.Errorf("warehouse: begin read-only: %w", tx.Error)
	}
	// nothing is ever committed
	defer tx.Rollback()

	rows, err := tx.Raw(q).Rows()
	if err != nil {
		return nil, fmt.Errorf("warehouse: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("warehouse: columns: %w", err)
	}

	res := &Result{Columns: cols, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if len(res.Rows) >= s.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("warehouse: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: rows: %w", err)
	}
	return res, nil
}
