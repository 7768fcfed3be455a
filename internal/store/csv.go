package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/tabletalk/internal/domain"
)

// Column affinities used for inferred dataset columns.
const (
	TypeInteger = "INTEGER"
	TypeReal    = "REAL"
	TypeText    = "TEXT"
)

// ErrEmptyFile is wrapped by ParseError when the upload has no header row.
var ErrEmptyFile = errors.New("file is empty")

// ParseError reports a malformed dataset file.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse dataset: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse dataset: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type parsedTable struct {
	columns []domain.Column
	rows    [][]any
}

// parseCSV reads comma-separated values with a header row and infers a
// SQLite affinity for every column.
func parseCSV(r io.Reader) (*parsedTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 0 // every record must match the header width

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Err: ErrEmptyFile}
	}
	if err != nil {
		return nil, wrapCSVError(err)
	}

	var raw [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapCSVError(err)
		}
		raw = append(raw, record)
	}

	names := normalizeHeader(header)
	columns := make([]domain.Column, len(names))
	for i, name := range names {
		columns[i] = domain.Column{Name: name, Type: inferType(raw, i)}
	}

	rows := make([][]any, len(raw))
	for r, record := range raw {
		row := make([]any, len(record))
		for c, cell := range record {
			row[c] = convertCell(cell, columns[c].Type)
		}
		rows[r] = row
	}

	return &parsedTable{columns: columns, rows: rows}, nil
}

func wrapCSVError(err error) error {
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return &ParseError{Line: csvErr.Line, Err: csvErr.Err}
	}
	return &ParseError{Err: err}
}

func normalizeHeader(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]bool, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := strings.TrimSpace(h)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		// Column names are case-insensitive in SQLite.
		candidate := name
		for n := 1; used[strings.ToLower(candidate)]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[strings.ToLower(candidate)] = true
		names[i] = candidate
	}
	return names
}

func inferType(rows [][]string, col int) string {
	isInt, isReal, nonEmpty := true, true, false
	for _, row := range rows {
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		nonEmpty = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if !isInt {
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				isReal = false
				break
			}
		}
	}
	switch {
	case !nonEmpty:
		return TypeText
	case isInt:
		return TypeInteger
	case isReal:
		return TypeReal
	default:
		return TypeText
	}
}

func convertCell(cell, typ string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	switch typ {
	case TypeInteger:
		v, _ := strconv.ParseInt(trimmed, 10, 64)
		return v
	case TypeReal:
		v, _ := strconv.ParseFloat(trimmed, 64)
		return v
	default:
		return cell
	}
}
