// Package db provides the shared database pool abstraction and batch
// helpers used by the postgres-backed store.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store depends on. pgxmock's
// PgxPoolIface satisfies it, which keeps store tests off a live server.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// InsertIgnoreBatch inserts rows with ON CONFLICT DO NOTHING on the
// given conflict column, one pgx batch round-trip for the whole set.
// Returns the number of rows actually inserted.
func InsertIgnoreBatch(ctx context.Context, pool Pool, table string, columns []string, conflictCol string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	colList := ""
	params := ""
	for i, c := range columns {
		if i > 0 {
			colList += ", "
			params += ", "
		}
		colList += pgx.Identifier{c}.Sanitize()
		params += placeholder(i + 1)
	}

	sql := "INSERT INTO " + pgx.Identifier{table}.Sanitize() +
		" (" + colList + ") VALUES (" + params + ")" +
		" ON CONFLICT (" + pgx.Identifier{conflictCol}.Sanitize() + ") DO NOTHING"

	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(sql, row...)
	}
	results := pool.SendBatch(ctx, b)
	defer results.Close()

	inserted := int64(0)
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, eris.Wrapf(err, "db: insert-ignore into %s", table)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
