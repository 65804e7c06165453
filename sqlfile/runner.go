// Package sqlfile executes the statements of a SQL script file in order on
// one connection, stopping at the first failure.
//
// Lines are trimmed; blank lines and lines starting with "//" are skipped.
// How lines form statements depends on the delimiter:
//
//   - PerLine: every line is one statement.
//   - "" (default): every line is one statement, like PerLine.
//   - any other string, e.g. ";": lines accumulate until one ends with the
//     delimiter. A trailing unterminated block is still executed.
//
// When template variables are set, each statement is rendered as a mustache
// template before it is executed.
package sqlfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/MacLaurinGroup/dbop/dialect"
)

// PerLine makes every line its own statement.
const PerLine = "per-line"

// StatementError reports the statement that failed. Statements after it were
// not executed.
type StatementError struct {
	Index     int // position in the file, from 0
	Statement string
	Err       error
}

// Error returns the error string.
func (e *StatementError) Error() string {
	return fmt.Sprintf("sqlfile: statement %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying error.
func (e *StatementError) Unwrap() error {
	return e.Err
}

// Runner runs SQL script files.
type Runner struct {
	conn      dialect.ExecQuerier
	delimiter string
	vars      map[string]any
	log       *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithDelimiter sets the statement delimiter: PerLine, "" or a suffix.
func WithDelimiter(d string) Option {
	return func(r *Runner) {
		r.delimiter = d
	}
}

// WithVars sets the mustache variables statements are rendered with.
func WithVars(vars map[string]any) Option {
	return func(r *Runner) {
		r.vars = vars
	}
}

// WithLogger sets the logger statements are traced to.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// New returns a Runner executing statements through conn.
func New(conn dialect.ExecQuerier, opts ...Option) *Runner {
	r := &Runner{
		conn: conn,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the statements of the named file and returns how many ran.
func (r *Runner) Run(ctx context.Context, filename string) (int, error) {
	f, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.RunReader(ctx, f)
}

// RunReader executes the statements read from src and returns how many ran.
func (r *Runner) RunReader(ctx context.Context, src io.Reader) (int, error) {
	stmts, err := r.Statements(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for i, stmt := range stmts {
		if len(r.vars) > 0 {
			rendered, err := mustache.Render(stmt, r.vars)
			if err != nil {
				return n, &StatementError{Index: i, Statement: stmt, Err: err}
			}
			stmt = rendered
		}
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		r.log.DebugContext(ctx, "exec statement", "index", i, "sql", stmt)
		if _, err := r.conn.Exec(ctx, stmt, nil); err != nil {
			return n, &StatementError{Index: i, Statement: stmt, Err: err}
		}
		n++
	}
	return n, nil
}

// Statements splits src into statements without executing them.
func (r *Runner) Statements(src io.Reader) ([]string, error) {
	var (
		stmts []string
		block strings.Builder
	)
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if r.delimiter == PerLine || r.delimiter == "" {
			stmts = append(stmts, line)
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
		if strings.HasSuffix(line, r.delimiter) {
			stmts = append(stmts, block.String())
			block.Reset()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if block.Len() > 0 {
		stmts = append(stmts, block.String())
	}
	return stmts, nil
}
