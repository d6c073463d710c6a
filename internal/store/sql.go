package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// row and rows are the scanning surface shared by database/sql and pgx.
type row interface {
	Scan(dest ...any) error
}

type rows interface {
	row
	Next() bool
	Err() error
	Close()
}

// querier runs '?'-placeholder SQL against either driver.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
}

// conn is a querier that can open transactions.
type conn interface {
	querier
	inTx(ctx context.Context, fn func(q querier) error) error
}

// sqlStore implements the driver-neutral part of Store. Dialect differences
// are limited to the migration, the geometry expression and the adapters.
type sqlStore struct {
	db       conn
	name     string // error prefix: "sqlite" or "postgres"
	geomExpr string // SQL expression wrapping the EWKB point parameter
}

func (s *sqlStore) wrap(err error, action string) error {
	if err == nil {
		return nil
	}
	return eris.Wrapf(err, "%s: %s", s.name, action)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// placeholders returns "?, ?, ..." with n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// chunk splits values into slices of at most size elements.
func chunk(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}

// maxInParams bounds IN-list sizes well under SQLite's variable limit.
const maxInParams = 500

func stringArgs(values []string, extra ...any) []any {
	args := make([]any, 0, len(values)+len(extra))
	args = append(args, extra...)
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func marshalDoc(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "marshal document")
	}
	return string(b), nil
}

func unmarshalDoc(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, v), "unmarshal document")
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// rebind rewrites '?' placeholders into Postgres $n form. Queries never
// contain literal question marks.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
