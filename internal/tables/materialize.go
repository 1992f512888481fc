package tables

import (
	"context"
	"fmt"
	"strings"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/store"
)

// Row addresses one row of a tracked table.
type Row struct {
	Info *store.TableInfo
	PK   []change.Value
}

// Resolve unpacks a packed primary key against the table layout.
func Resolve(info *store.TableInfo, packed []byte) (Row, error) {
	values, err := change.UnpackPK(packed)
	if err != nil {
		return Row{}, err
	}
	if len(values) != len(info.PK) {
		return Row{}, fmt.Errorf("%w: %s has %d key columns, record has %d",
			change.ErrMalformed, info.Name, len(info.PK), len(values))
	}
	return Row{Info: info, PK: values}, nil
}

func (r Row) keyArgs() []any {
	args := make([]any, len(r.PK))
	for i, v := range r.PK {
		args[i] = v.SQL()
	}
	return args
}

func (r Row) keyList() string {
	cols := make([]string, len(r.Info.PK))
	for i, c := range r.Info.PK {
		cols[i] = store.QuoteIdent(c)
	}
	return strings.Join(cols, ", ")
}

func (r Row) where() string {
	conds := make([]string, len(r.Info.PK))
	for i, c := range r.Info.PK {
		conds[i] = store.QuoteIdent(c) + " = ?"
	}
	return strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Ensure inserts the row with only its key columns if it is missing.
func (r Row) Ensure(ctx context.Context, q store.Querier) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
		store.QuoteIdent(r.Info.Name), r.keyList(), placeholders(len(r.PK)))
	if _, err := q.ExecContext(ctx, stmt, r.keyArgs()...); err != nil {
		return fmt.Errorf("failed to insert row into %s: %w", r.Info.Name, err)
	}
	return nil
}

// Set writes one column, inserting the row if needed.
func (r Row) Set(ctx context.Context, q store.Querier, column string, v change.Value) error {
	if !r.Info.HasColumn(column) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, r.Info.Name, column)
	}

	col := store.QuoteIdent(column)
	stmt := fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s`,
		store.QuoteIdent(r.Info.Name), r.keyList(), col, placeholders(len(r.PK)+1),
		r.keyList(), col, col)

	args := append(r.keyArgs(), v.SQL())
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to write %s.%s: %w", r.Info.Name, column, err)
	}
	return nil
}

// Delete removes the row.
func (r Row) Delete(ctx context.Context, q store.Querier) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s`, store.QuoteIdent(r.Info.Name), r.where())
	if _, err := q.ExecContext(ctx, stmt, r.keyArgs()...); err != nil {
		return fmt.Errorf("failed to delete row from %s: %w", r.Info.Name, err)
	}
	return nil
}

// Select reads the row's non-key columns. found is false when the row
// does not exist.
func (r Row) Select(ctx context.Context, q store.Querier) (values map[string]change.Value, found bool, err error) {
	if len(r.Info.Columns) == 0 {
		var one int
		stmt := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s`, store.QuoteIdent(r.Info.Name), r.where())
		err := q.QueryRowContext(ctx, stmt, r.keyArgs()...).Scan(&one)
		if err != nil {
			return nil, false, ignoreNoRows(err)
		}
		return map[string]change.Value{}, true, nil
	}

	cols := make([]string, len(r.Info.Columns))
	for i, c := range r.Info.Columns {
		cols[i] = store.QuoteIdent(c)
	}
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`,
		strings.Join(cols, ", "), store.QuoteIdent(r.Info.Name), r.where())

	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := q.QueryRowContext(ctx, stmt, r.keyArgs()...).Scan(dest...); err != nil {
		return nil, false, ignoreNoRows(err)
	}

	values = make(map[string]change.Value, len(cols))
	for i, c := range r.Info.Columns {
		v, err := change.Infer(raw[i])
		if err != nil {
			return nil, false, fmt.Errorf("failed to read %s.%s: %w", r.Info.Name, c, err)
		}
		values[c] = v
	}
	return values, true, nil
}
