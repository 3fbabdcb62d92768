// Package postgres adapts a PostgreSQL session to the pooled resource
// contract. Each instance is one pgx connection; a begun transaction maps to
// a pgx.Tx and errors surface the statement's SQLSTATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/resource"
	"github.com/roosthq/roost/internal/transaction"
)

const disconnectTimeout = 5 * time.Second

// Session is one pooled PostgreSQL connection.
type Session struct {
	*resource.Instance
	dsn  string
	conn *pgx.Conn
	tx   pgx.Tx
}

// Factory builds unconnected sessions from a resource config carrying a
// "dsn" parameter.
func Factory(poolName string, seq uint64, cfg *config.Resource) (resource.Resource, error) {
	dsn, _ := cfg.Params["dsn"].(string)
	if dsn == "" {
		return nil, fmt.Errorf("postgres: resource %s: missing dsn", cfg.Name)
	}
	return &Session{Instance: resource.NewInstance(poolName, seq, cfg.Pool), dsn: dsn}, nil
}

func (s *Session) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("postgres %s: connect: %w", s.Name(), err)
	}
	s.conn = conn
	return nil
}

func (s *Session) Disconnect() {
	if s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	_ = s.conn.Close(ctx)
	s.conn = nil
}

func (s *Session) BeginTransaction(ctx context.Context, xa resource.Transaction) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return sqlErr(err, "begin")
	}
	s.tx = tx
	s.SetTransaction(xa)
	return nil
}

func (s *Session) Commit() error {
	defer s.ClearTransaction()
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := tx.Commit(ctx); err != nil {
		return sqlErr(err, "commit")
	}
	return nil
}

func (s *Session) Rollback() error {
	defer s.ClearTransaction()
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return sqlErr(err, "rollback")
	}
	return nil
}

// Call runs "execute" (statement, rows affected) or "query" (statement,
// rows as maps). The statement is args[0]; the rest are its parameters.
func (s *Session) Call(ctx context.Context, attrs []string, args []any, kwargs map[string]any) (any, error) {
	if s.tx == nil {
		return nil, transaction.NewResourceError("postgres: call outside transaction", true, false)
	}
	if len(args) == 0 {
		return nil, &transaction.InputParameterError{Msg: "postgres: missing statement"}
	}
	stmt, ok := args[0].(string)
	if !ok {
		return nil, &transaction.InputParameterError{Msg: "postgres: statement must be a string"}
	}
	params := args[1:]

	switch attrs[0] {
	case "execute":
		tag, err := s.tx.Exec(ctx, stmt, params...)
		if err != nil {
			return nil, sqlErr(err, "execute")
		}
		return tag.RowsAffected(), nil
	case "query":
		rows, err := s.tx.Query(ctx, stmt, params...)
		if err != nil {
			return nil, sqlErr(err, "query")
		}
		return collect(rows)
	default:
		return nil, &transaction.InputParameterError{
			Msg: fmt.Sprintf("postgres: unknown operation %q", attrs[0]),
		}
	}
}

// collect materializes a result set as []map[string]any.
func collect(rows pgx.Rows) (any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, sqlErr(err, "scan")
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlErr(err, "rows")
	}
	return out, nil
}

// sqlErr wraps a pgx error. A statement-level failure keeps the connection
// usable; anything else (broken connection) expires the instance.
func sqlErr(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &transaction.SQLResourceError{
			ResourceError: transaction.ResourceError{
				Msg:              "postgres " + op + " failed",
				Recoverable:      false,
				Terminal:         false,
				ParticipantIndex: -1,
				Err:              err,
			},
			State: pgErr.Code,
		}
	}
	return &transaction.ResourceError{
		Msg:              "postgres " + op + " failed",
		Recoverable:      false,
		Terminal:         true,
		ParticipantIndex: -1,
		Err:              err,
	}
}
