// Package rowcodec implements the row encoding rules shared by the
// transaction serializer and deserializer (C3): a row is a NULL bitmask
// plus one value per column in declared order, with per-PG-type
// textual transcoding between the internal row representation and the
// wire's satproto.Row.
package rowcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/electric-sql/electric/pkg/satproto"
)

// ErrInvalidRow is the sentinel a decode validation failure chains to:
// an integer out of int2/int4/int8 range, an unparseable float, or a
// malformed uuid.
var ErrInvalidRow = errors.New("rowcodec: invalid row value")

// InvalidRowError names the offending column alongside ErrInvalidRow.
type InvalidRowError struct {
	Column string
	Reason string
}

func (e *InvalidRowError) Error() string {
	return fmt.Sprintf("rowcodec: column %q: %s", e.Column, e.Reason)
}

func (e *InvalidRowError) Unwrap() error { return ErrInvalidRow }

// Encode builds a wire Row from a column-name-keyed value map and the
// relation's declared column order. A column absent from values, or
// present with a nil value, is encoded NULL; any other value is
// transcoded per its column's Postgres type.
func Encode(values map[string]*string, columns []satproto.ColumnDef) (satproto.Row, error) {
	n := len(columns)
	maskLen := (n + 7) / 8
	mask := make([]byte, maskLen)
	out := make([][]byte, n)

	for i, col := range columns {
		v, present := values[col.Name]
		if !present || v == nil {
			mask[i/8] |= 1 << (7 - uint(i%8))
			out[i] = []byte{}
			continue
		}
		encoded, err := encodeValue(col.PgType, *v)
		if err != nil {
			return satproto.Row{}, &InvalidRowError{Column: col.Name, Reason: err.Error()}
		}
		out[i] = []byte(encoded)
	}

	return satproto.Row{NullBitmask: mask, Values: out}, nil
}

// Decode reverses Encode, validating values on the way out so a
// malformed wire row surfaces as ErrInvalidRow rather than propagating
// silently.
func Decode(row satproto.Row, columns []satproto.ColumnDef) (map[string]*string, error) {
	if len(row.Values) != len(columns) {
		return nil, satproto.NewProtocolViolation(fmt.Sprintf(
			"row has %d values for %d declared columns", len(row.Values), len(columns)))
	}

	out := make(map[string]*string, len(columns))
	for i, col := range columns {
		isNull := bitSet(row.NullBitmask, i)
		raw := row.Values[i]

		if isNull {
			if len(raw) != 0 {
				return nil, satproto.NewProtocolViolation(fmt.Sprintf(
					"column %q: non-empty value with null bit set", col.Name))
			}
			out[col.Name] = nil
			continue
		}

		val := string(raw)
		if err := validateValue(col.PgType, val); err != nil {
			return nil, &InvalidRowError{Column: col.Name, Reason: err.Error()}
		}
		out[col.Name] = &val
	}
	return out, nil
}

func bitSet(mask []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(mask) {
		return false
	}
	return mask[byteIdx]&(1<<(7-uint(i%8))) != 0
}

// encodeValue applies the Postgres->wire transcoding rules of spec.md
// §4.3. Most types pass through byte-identical; timestamptz normalizes
// a short `±HH` offset to `±HH:00` because some client SQL engines
// reject the short form.
func encodeValue(pgType, v string) (string, error) {
	switch normalizeType(pgType) {
	case "timestamptz":
		return normalizeTimestamptzOffset(v), nil
	default:
		return v, nil
	}
}

func validateValue(pgType, v string) error {
	switch normalizeType(pgType) {
	case "int2":
		return validateIntRange(v, -1<<15, 1<<15-1)
	case "int4":
		return validateIntRange(v, -1<<31, 1<<31-1)
	case "int8":
		_, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("not a valid int8: %w", err)
		}
		return nil
	case "float8", "float4":
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("not a valid float: %w", err)
		}
		return nil
	case "uuid":
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("not a valid uuid: %w", err)
		}
		return nil
	default:
		return nil
	}
}

func validateIntRange(v string, min, max int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("not a valid integer: %w", err)
	}
	if n < min || n > max {
		return fmt.Errorf("%d out of range [%d, %d]", n, min, max)
	}
	return nil
}

func normalizeType(pgType string) string {
	t := strings.ToLower(strings.TrimSpace(pgType))
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}

// normalizeTimestamptzOffset rewrites a trailing `±HH` timezone offset
// to `±HH:00`. A `±HH:MM` offset, or no offset at all, passes through
// unchanged.
func normalizeTimestamptzOffset(v string) string {
	n := len(v)
	if n < 3 {
		return v
	}
	sign := v[n-3]
	if sign != '+' && sign != '-' {
		return v
	}
	hh := v[n-2:]
	if !isDigits(hh) {
		return v
	}
	return v + ":00"
}

func isDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
