package rowcodec

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/electric-sql/electric/pkg/satproto"
)

func strPtr(s string) *string { return &s }

func testColumns() []satproto.ColumnDef {
	return []satproto.ColumnDef{
		{Name: "id", PgType: "int8", PartOfIdentity: true},
		{Name: "label", PgType: "text", Nullable: true},
		{Name: "amount", PgType: "float8", Nullable: true},
		{Name: "token", PgType: "uuid", Nullable: true},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cols := testColumns()
	values := map[string]*string{
		"id":     strPtr("42"),
		"label":  strPtr("hello"),
		"amount": strPtr("3.5"),
		"token":  strPtr("123e4567-e89b-12d3-a456-426614174000"),
	}

	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(row, cols)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, col := range cols {
		if *got[col.Name] != *values[col.Name] {
			t.Fatalf("column %s mismatch: got %v want %v", col.Name, *got[col.Name], *values[col.Name])
		}
	}
}

func TestMissingValueIsNull(t *testing.T) {
	cols := testColumns()
	values := map[string]*string{"id": strPtr("1")}

	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(row, cols)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["label"] != nil {
		t.Fatalf("expected label to decode as nil, got %v", got["label"])
	}
}

func TestExplicitNilValueIsNull(t *testing.T) {
	cols := testColumns()
	values := map[string]*string{"id": strPtr("1"), "label": nil}

	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(row, cols)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["label"] != nil {
		t.Fatalf("expected label to decode as nil, got %v", got["label"])
	}
}

func TestEmptyStringIsNotNull(t *testing.T) {
	cols := testColumns()
	values := map[string]*string{"id": strPtr("1"), "label": strPtr("")}

	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(row, cols)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["label"] == nil || *got["label"] != "" {
		t.Fatalf("expected empty non-nil string for label, got %v", got["label"])
	}
}

func TestNonEmptyValueWithNullBitSetIsProtocolViolation(t *testing.T) {
	cols := []satproto.ColumnDef{{Name: "id", PgType: "int8"}}
	row := satproto.Row{
		NullBitmask: []byte{0x80},
		Values:      [][]byte{[]byte("5")},
	}
	_, err := Decode(row, cols)
	if !errors.Is(err, satproto.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestInt2OutOfRangeIsInvalid(t *testing.T) {
	cols := []satproto.ColumnDef{{Name: "n", PgType: "int2"}}
	row := satproto.Row{NullBitmask: []byte{0x00}, Values: [][]byte{[]byte("70000")}}
	_, err := Decode(row, cols)
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected ErrInvalidRow, got %v", err)
	}
}

func TestMalformedUUIDIsInvalid(t *testing.T) {
	cols := []satproto.ColumnDef{{Name: "token", PgType: "uuid"}}
	row := satproto.Row{NullBitmask: []byte{0x00}, Values: [][]byte{[]byte("not-a-uuid")}}
	_, err := Decode(row, cols)
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("expected ErrInvalidRow, got %v", err)
	}
}

func TestTimestamptzShortOffsetNormalized(t *testing.T) {
	cols := []satproto.ColumnDef{{Name: "ts", PgType: "timestamptz"}}
	values := map[string]*string{"ts": strPtr("2024-01-01T00:00:00+05")}
	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(row.Values[0]) != "2024-01-01T00:00:00+05:00" {
		t.Fatalf("unexpected normalized value: %s", row.Values[0])
	}
}

func TestTimestamptzLongOffsetUnchanged(t *testing.T) {
	cols := []satproto.ColumnDef{{Name: "ts", PgType: "timestamptz"}}
	values := map[string]*string{"ts": strPtr("2024-01-01T00:00:00+05:30")}
	row, err := Encode(values, cols)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(row.Values[0]) != "2024-01-01T00:00:00+05:30" {
		t.Fatalf("unexpected value: %s", row.Values[0])
	}
}

func TestEncodeDecodeRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ncols := rapid.IntRange(1, 5).Draw(t, "ncols")
		cols := make([]satproto.ColumnDef, ncols)
		for i := range cols {
			cols[i] = satproto.ColumnDef{
				Name:   fmt.Sprintf("col_%d", i),
				PgType: rapid.SampledFrom([]string{"text", "int8", "float8"}).Draw(t, fmt.Sprintf("type-%d", i)),
			}
		}

		values := make(map[string]*string, ncols)
		for _, col := range cols {
			if rapid.Bool().Draw(t, "null-"+col.Name) {
				continue
			}
			var v string
			switch col.PgType {
			case "int8":
				v = fmt.Sprintf("%d", rapid.IntRange(-1000, 1000).Draw(t, "int-"+col.Name))
			case "float8":
				v = fmt.Sprintf("%.3f", float64(rapid.IntRange(-1000, 1000).Draw(t, "float-"+col.Name))/10)
			default:
				v = rapid.StringMatching(`[a-z]{0,12}`).Draw(t, "text-"+col.Name)
			}
			values[col.Name] = strPtr(v)
		}

		row, err := Encode(values, cols)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(row, cols)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, col := range cols {
			want := values[col.Name]
			if (want == nil) != (got[col.Name] == nil) {
				t.Fatalf("nullness mismatch for %s: want nil=%v got nil=%v", col.Name, want == nil, got[col.Name] == nil)
			}
			if want != nil && *got[col.Name] != *want {
				t.Fatalf("value mismatch for %s: got %v want %v", col.Name, *got[col.Name], *want)
			}
		}
	})
}
