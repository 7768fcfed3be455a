package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ErrMultipleStatements is returned when a read-only query contains more than one statement.
var ErrMultipleStatements = errors.New("only a single SQL statement is allowed")

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query is empty")

// ErrNotReadOnly is returned for statements other than SELECT, WITH, VALUES
// or an EXPLAIN of one of those.
var ErrNotReadOnly = errors.New("only SELECT queries are allowed")

// QueryResult holds rows rendered as text.
type QueryResult struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// String renders the result as a pipe-separated table.
func (q *QueryResult) String() string {
	if q == nil || len(q.Rows) == 0 {
		return "(no rows)"
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(q.Columns, " | "))
	for _, row := range q.Rows {
		sb.WriteByte('\n')
		sb.WriteString(strings.Join(row, " | "))
	}
	if q.Truncated {
		sb.WriteString("\n... (more rows omitted)")
	}
	return sb.String()
}

func collectRows(rows *sql.Rows, limit int) (*QueryResult, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close query rows", "error", closeErr)
		}
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		if limit > 0 && len(result.Rows) == limit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// singleStatement trims trailing semicolons and rejects input that holds more
// than one statement. Quoted strings, identifiers and comments are skipped.
func singleStatement(query string) (string, error) {
	q := strings.TrimSpace(query)
	for strings.HasSuffix(q, ";") {
		q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	}
	if q == "" {
		return "", ErrEmptyQuery
	}

	var quote rune
	inLineComment, inBlockComment := false, false
	runes := []rune(q)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inLineComment:
			if r == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			if r == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '[':
			quote = ']'
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inLineComment = true
			i++
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			inBlockComment = true
			i++
		case r == ';':
			return "", ErrMultipleStatements
		}
	}
	return q, nil
}

// readOnlyStatement is singleStatement restricted to queries. ATTACH, PRAGMA,
// VACUUM and every other non-query statement are rejected before they reach
// the connection.
func readOnlyStatement(query string) (string, error) {
	q, err := singleStatement(query)
	if err != nil {
		return "", err
	}

	kw, rest := leadingKeyword(q)
	if kw == "EXPLAIN" {
		kw, rest = leadingKeyword(rest)
		if kw == "QUERY" {
			if kw, rest = leadingKeyword(rest); kw != "PLAN" {
				return "", ErrNotReadOnly
			}
			kw, _ = leadingKeyword(rest)
		}
	}
	switch kw {
	case "SELECT", "WITH", "VALUES":
		return q, nil
	default:
		return "", ErrNotReadOnly
	}
}

// leadingKeyword returns the first word of q in upper case, skipping
// whitespace, comments and opening parentheses, and the text after it.
func leadingKeyword(q string) (string, string) {
	for {
		trimmed := strings.TrimLeft(q, " \t\r\n(")
		switch {
		case strings.HasPrefix(trimmed, "--"):
			i := strings.IndexByte(trimmed, '\n')
			if i < 0 {
				return "", ""
			}
			q = trimmed[i+1:]
			continue
		case strings.HasPrefix(trimmed, "/*"):
			i := strings.Index(trimmed[2:], "*/")
			if i < 0 {
				return "", ""
			}
			q = trimmed[i+4:]
			continue
		}

		end := 0
		for end < len(trimmed) && isKeywordByte(trimmed[end]) {
			end++
		}
		return strings.ToUpper(trimmed[:end]), trimmed[end:]
	}
}

func isKeywordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
