package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" database/sql driver.

	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
)

// ErrNoRowsAffected is returned when a statement matched nothing.
var ErrNoRowsAffected = errors.New("statement affected no rows")

// Placeholder is the positional bind syntax of a SQL dialect.
type Placeholder int

const (
	// Dollar numbers parameters $1, $2 (PostgreSQL).
	Dollar Placeholder = iota
	// Question uses ? (SQLite, MySQL).
	Question
)

// SQL runs per-kind statements against a tenant database. Statements bind
// named parameters (:sku) from the action parameters.
type SQL struct {
	db          *sql.DB
	statements  map[string]config.SQLStatement
	placeholder Placeholder
	logger      *slog.Logger
}

// OpenSQL connects to a PostgreSQL database through the pgx driver.
func OpenSQL(ctx context.Context, cfg *config.SQLExecutorConfig, logger *slog.Logger) (*SQL, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening executor database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging executor database: %w", err)
	}
	return NewSQL(db, cfg.Statements, Dollar, logger), nil
}

// NewSQL wraps an open database.
func NewSQL(db *sql.DB, statements map[string]config.SQLStatement, placeholder Placeholder, logger *slog.Logger) *SQL {
	return &SQL{db: db, statements: statements, placeholder: placeholder, logger: logger}
}

func (s *SQL) Name() string { return "sql" }

// Kinds returns the action kinds with a configured statement.
func (s *SQL) Kinds() []string {
	kinds := make([]string, 0, len(s.statements))
	for k := range s.statements {
		kinds = append(kinds, k)
	}
	return kinds
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Apply(ctx context.Context, exec *domain.ActionExecution) error {
	stmt, ok := s.statements[exec.ActionType]
	if !ok || stmt.Apply == "" {
		return fmt.Errorf("%w: no sql statement for %s", ErrUnsupported, exec.ActionType)
	}
	return s.exec(ctx, stmt.Apply, exec)
}

func (s *SQL) Revert(ctx context.Context, exec *domain.ActionExecution) error {
	stmt, ok := s.statements[exec.ActionType]
	if !ok || stmt.Revert == "" {
		return fmt.Errorf("%w: no sql revert statement for %s", ErrNoRevert, exec.ActionType)
	}
	return s.exec(ctx, stmt.Revert, exec)
}

func (s *SQL) exec(ctx context.Context, query string, exec *domain.ActionExecution) error {
	params := make(map[string]any, len(exec.Parameters)+2)
	for k, v := range exec.Parameters {
		params[k] = v
	}
	params["tenant_id"] = exec.TenantID
	params["execution_id"] = exec.ID.String()

	bound, args, err := Bind(query, params, s.placeholder)
	if err != nil {
		return err
	}
	s.logger.Debug("executing action statement",
		slog.String("action_type", exec.ActionType),
		slog.Int("args", len(args)),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQL(fmt.Errorf("beginning transaction: %w", err))
	}
	res, err := tx.ExecContext(ctx, bound, args...)
	if err != nil {
		_ = tx.Rollback()
		return classifySQL(fmt.Errorf("executing %s statement: %w", exec.ActionType, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", exec.ActionType, ErrNoRowsAffected)
	}
	if err := tx.Commit(); err != nil {
		return classifySQL(fmt.Errorf("committing %s: %w", exec.ActionType, err))
	}
	return nil
}

// Bind rewrites :name parameters to positional placeholders. Casts (::type)
// and quoted literals are left untouched.
func Bind(query string, params map[string]any, ph Placeholder) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\'' {
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				j++
			}
			b.WriteString(string(runes[i:min(j+1, len(runes))]))
			i = j
			continue
		}
		if r != ':' {
			b.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && runes[i+1] == ':' {
			b.WriteString("::")
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && isIdent(runes[j]) {
			j++
		}
		if j == i+1 {
			b.WriteRune(r)
			continue
		}
		name := string(runes[i+1 : j])
		v, ok := params[name]
		if !ok {
			return "", nil, fmt.Errorf("statement parameter %q missing from action parameters", name)
		}
		args = append(args, sqlValue(v))
		if ph == Question {
			b.WriteByte('?')
		} else {
			b.WriteString("$" + strconv.Itoa(len(args)))
		}
		i = j - 1
	}
	return b.String(), args, nil
}

func isIdent(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// sqlValue converts decoded JSON values into driver-friendly types.
func sqlValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return v
}

// classifySQL marks connection, serialization and shutdown failures as transient.
func classifySQL(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Classes 08 (connection), 40 (rollback), 53 (resources) and admin shutdown.
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "40"),
			strings.HasPrefix(pgErr.Code, "53"),
			pgErr.Code == "57P01":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
