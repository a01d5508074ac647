// Package pgxtest provides pgx.Row and pgx.Rows doubles for repository tests.
package pgxtest

import (
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Row is a pgx.Row backed by a scan function. A nil function behaves like an
// empty result set.
type Row struct {
	scan func(dest ...any) error
}

// NewRow wraps scanner as a pgx.Row.
func NewRow(scanner func(dest ...any) error) Row {
	return Row{scan: scanner}
}

// ValuesRow returns a row that scans the given values.
func ValuesRow(values ...any) Row {
	return Row{scan: func(dest ...any) error { return Assign(dest, values...) }}
}

// ErrRow returns a row whose Scan fails with err.
func ErrRow(err error) Row {
	return Row{scan: func(...any) error { return err }}
}

// NoRows returns a row whose Scan reports pgx.ErrNoRows.
func NoRows() Row {
	return Row{}
}

func (r Row) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// Rows iterates over fixed records.
type Rows struct {
	records [][]any
	idx     int
	err     error
	closed  bool
}

// NewRows builds a pgx.Rows over records; each record is scanned positionally.
func NewRows(records ...[]any) *Rows {
	return &Rows{records: records, idx: -1}
}

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Err() error { return r.err }

func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.records)
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.records) {
		return fmt.Errorf("pgxtest: scan outside of rows")
	}
	if err := Assign(dest, r.records[r.idx]...); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.records) {
		return nil, fmt.Errorf("pgxtest: values outside of rows")
	}
	return r.records[r.idx], nil
}

func (r *Rows) RawValues() [][]byte { return nil }

func (r *Rows) Conn() *pgx.Conn { return nil }

// Closed reports whether Close was called.
func (r *Rows) Closed() bool { return r.closed }

// Assign copies values into scan destinations the way pgx would for simple
// types: nil clears pointers, *T fills **T, and convertible kinds convert.
func Assign(dest []any, values ...any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("pgxtest: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		if err := assignOne(d, values[i]); err != nil {
			return fmt.Errorf("pgxtest: column %d: %w", i, err)
		}
	}
	return nil
}

func assignOne(dest, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := dv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	vv := reflect.ValueOf(value)
	if vv.Kind() == reflect.Pointer {
		if vv.IsNil() {
			target.Set(reflect.Zero(target.Type()))
			return nil
		}
		if target.Kind() != reflect.Pointer {
			vv = vv.Elem()
		}
	}
	if target.Kind() == reflect.Pointer && vv.Kind() != reflect.Pointer {
		elem := reflect.New(target.Type().Elem())
		if err := set(elem.Elem(), vv); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}
	if target.Kind() == reflect.Pointer && vv.Kind() == reflect.Pointer {
		elem := reflect.New(target.Type().Elem())
		if err := set(elem.Elem(), vv.Elem()); err != nil {
			return err
		}
		target.Set(elem)
		return nil
	}
	return set(target, vv)
}

func set(target, value reflect.Value) error {
	switch {
	case value.Type().AssignableTo(target.Type()):
		target.Set(value)
	case value.Type().ConvertibleTo(target.Type()):
		target.Set(value.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %s to %s", value.Type(), target.Type())
	}
	return nil
}

var (
	_ pgx.Row  = Row{}
	_ pgx.Rows = (*Rows)(nil)
)
