package execute

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

const sqlSuccess = "SQL executed successfully."

var readKeywords = map[string]bool{
	"select":  true,
	"with":    true,
	"values":  true,
	"pragma":  true,
	"explain": true,
}

// SQLEngine runs scripts against a fresh in-memory database per call
type SQLEngine struct{}

func NewSQLEngine() *SQLEngine {
	return &SQLEngine{}
}

// Run executes every statement of script. When the last statement returns
// rows they are rendered as a bordered table.
func (e *SQLEngine) Run(ctx context.Context, script string) (string, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", err
	}
	defer db.Close()

	// Every connection to :memory: is its own database
	db.SetMaxOpenConns(1)

	statements := SplitStatements(script)
	if len(statements) == 0 {
		return sqlSuccess, nil
	}

	last := statements[len(statements)-1]
	if !isReadQuery(last) {
		if _, err := db.ExecContext(ctx, script); err != nil {
			return "", err
		}
		return sqlSuccess, nil
	}

	if len(statements) > 1 {
		prefix := strings.Join(statements[:len(statements)-1], ";\n")
		if _, err := db.ExecContext(ctx, prefix); err != nil {
			return "", err
		}
	}

	rows, err := db.QueryContext(ctx, last)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return sqlSuccess, rows.Err()
	}

	var data [][]string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}

		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return FormatTable(cols, data), nil
}

func isReadQuery(stmt string) bool {
	stmt = stripLeadingComments(stmt)
	fields := strings.FieldsFunc(stmt, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	})
	if len(fields) == 0 {
		return false
	}
	return readKeywords[strings.ToLower(fields[0])]
}

func stripLeadingComments(stmt string) string {
	for {
		stmt = strings.TrimSpace(stmt)
		switch {
		case strings.HasPrefix(stmt, "--"):
			i := strings.IndexByte(stmt, '\n')
			if i < 0 {
				return ""
			}
			stmt = stmt[i+1:]
		case strings.HasPrefix(stmt, "/*"):
			i := strings.Index(stmt, "*/")
			if i < 0 {
				return ""
			}
			stmt = stmt[i+2:]
		default:
			return stmt
		}
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// FormatTable renders rows as a fixed-width table framed with +, - and |.
// Column width is the longest of the header and its cells.
func FormatTable(cols []string, rows [][]string) string {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = utf8.RuneCountInString(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sep strings.Builder
	sep.WriteString("+")
	for _, w := range widths {
		sep.WriteString(strings.Repeat("-", w+2))
		sep.WriteString("+")
	}

	line := func(cells []string) string {
		var b strings.Builder
		b.WriteString("|")
		for i, cell := range cells {
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
			b.WriteString(" |")
		}
		return b.String()
	}

	out := []string{sep.String(), line(cols), sep.String()}
	for _, row := range rows {
		out = append(out, line(row))
	}
	out = append(out, sep.String())
	return strings.Join(out, "\n")
}

// SplitStatements splits a script on semicolons outside quotes and comments
// and drops empty statements
func SplitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" && !isOnlyComments(s) {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' || r == '"' || r == '`':
			end := closingQuote(runes, i, r)
			current.WriteString(string(runes[i:end]))
			i = end - 1
		case r == '[':
			end := indexFrom(runes, i+1, "]")
			current.WriteString(string(runes[i:end]))
			i = end - 1
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			end := indexFrom(runes, i, "\n")
			current.WriteString(string(runes[i:end]))
			i = end - 1
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := indexFrom(runes, i+2, "*/")
			current.WriteString(string(runes[i:end]))
			i = end - 1
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}

// closingQuote returns the index just past the quote closing the one at
// start. A doubled quote is an escaped quote.
func closingQuote(runes []rune, start int, q rune) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] != q {
			continue
		}
		if i+1 < len(runes) && runes[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(runes)
}

// indexFrom returns the index just past the first occurrence of token at or
// after start, or len(runes)
func indexFrom(runes []rune, start int, token string) int {
	t := []rune(token)
	for i := start; i+len(t) <= len(runes); i++ {
		if string(runes[i:i+len(t)]) == token {
			return i + len(t)
		}
	}
	return len(runes)
}

func isOnlyComments(stmt string) bool {
	return stripLeadingComments(stmt) == ""
}
