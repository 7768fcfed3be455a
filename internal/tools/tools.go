// Package tools provisions the SQL tools an agent may call against a loaded dataset.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashureev/tabletalk/internal/metrics"
	"github.com/ashureev/tabletalk/internal/store"
)

// Tool names exposed to the model.
const (
	ListTablesTool   = "sql_db_list_tables"
	SchemaTool       = "sql_db_schema"
	QueryTool        = "sql_db_query"
	QueryCheckerTool = "sql_db_query_checker"
)

// DefaultRowLimit caps rows returned by the query tool.
const DefaultRowLimit = 50

const sampleRowCount = 3

var (
	// ErrStaleTool is returned when the bound table was replaced or dropped after provisioning.
	ErrStaleTool = errors.New("tool is bound to a dataset that is no longer loaded")

	// ErrUnknownTool is returned for names not in the set.
	ErrUnknownTool = errors.New("unknown tool")
)

var tracer = otel.Tracer("github.com/ashureev/tabletalk/internal/tools")

// Tool describes one callable function.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters json.RawMessage

	run func(ctx context.Context, args json.RawMessage) (string, error)
}

// Set is an immutable collection of tools bound to one table generation.
type Set struct {
	tools      []Tool
	index      map[string]int
	store      store.Store
	table      string
	generation uint64
	rowLimit   int
	metrics    *metrics.Metrics
}

// Options configures Provision.
type Options struct {
	RowLimit int
	Metrics  *metrics.Metrics
}

var empty = &Set{index: map[string]int{}}

// Empty returns the tool set used when no dataset is loaded.
func Empty() *Set {
	return empty
}

// Provision builds the SQL tool set for the table described by h.
func Provision(st store.Store, h *store.Handle, opts Options) (*Set, error) {
	if st == nil || h == nil {
		return nil, errors.New("provision tools: store and handle are required")
	}
	if h.Table == "" || h.Generation == 0 {
		return nil, fmt.Errorf("provision tools: invalid handle for table %q", h.Table)
	}
	if opts.RowLimit <= 0 {
		opts.RowLimit = DefaultRowLimit
	}

	s := &Set{
		index:      make(map[string]int, 4),
		store:      st,
		table:      h.Table,
		generation: h.Generation,
		rowLimit:   opts.RowLimit,
		metrics:    opts.Metrics,
	}
	s.tools = []Tool{
		{
			Name:        ListTablesTool,
			Description: "Input is an empty string, output is a comma-separated list of tables in the database.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			run:         s.listTables,
		},
		{
			Name: SchemaTool,
			Description: "Input is a comma-separated list of tables, output is the schema and sample rows for those tables. " +
				"Be sure that the tables actually exist by calling " + ListTablesTool + " first!",
			Parameters: json.RawMessage(`{"type":"object","properties":{"table_names":{"type":"string","description":"Comma-separated list of table names"}},"required":["table_names"]}`),
			run:        s.schema,
		},
		{
			Name: QueryTool,
			Description: "Input is a detailed and correct SQL query, output is a result from the database. " +
				"If the query is not correct, an error message will be returned. Only read-only statements are allowed.",
			Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"A single SQLite SELECT statement"}},"required":["query"]}`),
			run:        s.query,
		},
		{
			Name: QueryCheckerTool,
			Description: "Use this tool to double check if your query is correct before executing it. " +
				"Always use this tool before executing a query with " + QueryTool + "!",
			Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The SQL query to validate"}},"required":["query"]}`),
			run:        s.checkQuery,
		},
	}
	for i, t := range s.tools {
		s.index[t.Name] = i
	}
	return s, nil
}

// Len reports the number of tools.
func (s *Set) Len() int {
	return len(s.tools)
}

// Names lists tool names in a stable order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Tools returns a copy of the tool descriptors.
func (s *Set) Tools() []Tool {
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Table returns the bound table, or "" for the empty set.
func (s *Set) Table() string {
	return s.table
}

// Generation returns the bound table generation.
func (s *Set) Generation() uint64 {
	return s.generation
}

// Stale reports whether the bound table has since been replaced or dropped.
func (s *Set) Stale() bool {
	if s.store == nil {
		return false
	}
	return s.store.Generation(s.table) != s.generation
}

// Execute runs the named tool with JSON-encoded arguments.
func (s *Set) Execute(ctx context.Context, name, arguments string) (string, error) {
	ctx, span := tracer.Start(ctx, "tools.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name), attribute.String("tool.table", s.table))

	out, status, err := s.execute(ctx, name, arguments)
	s.metrics.ToolCalled(name, status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	return out, err
}

func (s *Set) execute(ctx context.Context, name, arguments string) (string, string, error) {
	i, ok := s.index[name]
	if !ok {
		return "", "unknown", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if s.Stale() {
		return "", "stale", ErrStaleTool
	}

	args := json.RawMessage(strings.TrimSpace(arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := s.tools[i].run(ctx, args)
	if err != nil {
		return "", "error", err
	}
	return out, "ok", nil
}

func (s *Set) listTables(_ context.Context, _ json.RawMessage) (string, error) {
	return s.table, nil
}

func (s *Set) schema(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		TableNames string `json:"table_names"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	var requested []string
	for _, name := range strings.Split(args.TableNames, ",") {
		name = strings.Trim(strings.TrimSpace(name), `"'`+"`")
		if name != "" {
			requested = append(requested, name)
		}
	}
	if len(requested) == 0 {
		requested = []string{s.table}
	}

	var unknown []string
	for _, name := range requested {
		if !strings.EqualFold(name, s.table) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("table_names %v not found in database", unknown)
	}

	columns, err := s.store.Columns(ctx, s.table)
	if err != nil {
		return "", err
	}
	sample, err := s.store.SampleRows(ctx, s.table, sampleRowCount)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(store.QuoteIdent(s.table))
	sb.WriteString(" (\n")
	for i, col := range columns {
		sb.WriteString("\t")
		sb.WriteString(store.QuoteIdent(col.Name))
		sb.WriteString(" ")
		sb.WriteString(col.Type)
		if i < len(columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(")\n\n/*\n")
	fmt.Fprintf(&sb, "%d rows from %s table:\n", len(sample.Rows), s.table)
	sb.WriteString(sample.String())
	sb.WriteString("\n*/")
	return sb.String(), nil
}

type queryArgs struct {
	Query string `json:"query"`
}

func decodeQuery(raw json.RawMessage) (string, error) {
	var args queryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", store.ErrEmptyQuery
	}
	return args.Query, nil
}

func (s *Set) query(ctx context.Context, raw json.RawMessage) (string, error) {
	q, err := decodeQuery(raw)
	if err != nil {
		return "", err
	}
	result, err := s.store.Query(ctx, q, s.rowLimit)
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

func (s *Set) checkQuery(ctx context.Context, raw json.RawMessage) (string, error) {
	q, err := decodeQuery(raw)
	if err != nil {
		return "", err
	}
	if err := s.store.Explain(ctx, q); err != nil {
		return "Invalid query: " + err.Error(), nil
	}
	return "OK", nil
}
