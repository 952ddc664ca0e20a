package tuple_test

import (
	"reflect"
	"testing"

	"github.com/gtnao/junkdb/storage/tuple"
)

func TestParseSchema(t *testing.T) {
	cases := []struct {
		s    string
		sch  tuple.Schema
		f    string
		fail bool
	}{
		{
			s:   "id:int,val:varchar",
			sch: tuple.Schema{{"id", tuple.IntType}, {"val", tuple.VarcharType}},
			f:   "id:int,val:varchar",
		},
		{
			s: " name : TEXT , ok:boolean, n:integer",
			sch: tuple.Schema{{"name", tuple.VarcharType}, {"ok", tuple.BoolType},
				{"n", tuple.IntType}},
			f: "name:varchar,ok:bool,n:int",
		},
		{s: "id", fail: true},
		{s: ":int", fail: true},
		{s: "id:float", fail: true},
		{s: "id:int,id:bool", fail: true},
	}

	for _, c := range cases {
		sch, err := tuple.ParseSchema(c.s)
		if c.fail {
			if err == nil {
				t.Errorf("ParseSchema(%q) did not fail", c.s)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSchema(%q) failed with %s", c.s, err)
		} else if !reflect.DeepEqual(sch, c.sch) {
			t.Errorf("ParseSchema(%q) got %v want %v", c.s, sch, c.sch)
		} else if sch.Format() != c.f {
			t.Errorf("Format(%q) got %s want %s", c.s, sch.Format(), c.f)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	sch := tuple.Schema{
		{"id", tuple.IntType},
		{"val", tuple.VarcharType},
		{"ok", tuple.BoolType},
	}

	cases := []tuple.Row{
		{int64(1), "a", true},
		{int64(-123456789), "", false},
		{nil, "hello world", nil},
		{nil, nil, nil},
	}
	for _, row := range cases {
		buf, err := sch.Encode(row)
		if err != nil {
			t.Errorf("Encode(%v) failed with %s", row, err)
			continue
		}
		ret, err := sch.Decode(buf)
		if err != nil {
			t.Errorf("Decode(%v) failed with %s", row, err)
		} else if !reflect.DeepEqual(row, ret) {
			t.Errorf("Decode(Encode(%v)) got %v", row, ret)
		}
	}

	bad := []tuple.Row{
		{int64(1), "a"},
		{"1", "a", true},
		{int64(1), int64(2), true},
		{int64(1), "a", "true"},
	}
	for _, row := range bad {
		_, err := sch.Encode(row)
		if err == nil {
			t.Errorf("Encode(%v) did not fail", row)
		}
	}

	buf, _ := sch.Encode(tuple.Row{int64(7), "abc", true})
	_, err := sch.Decode(buf[:len(buf)-2])
	if err == nil {
		t.Errorf("Decode(short) did not fail")
	}
	_, err = sch.Decode(append(buf, 0))
	if err == nil {
		t.Errorf("Decode(long) did not fail")
	}
}

func TestParseRow(t *testing.T) {
	sch, err := tuple.ParseSchema("id:int,val:varchar,ok:bool")
	if err != nil {
		t.Fatalf("ParseSchema() failed with %s", err)
	}

	row, err := sch.ParseRow([]string{"12", "'x y'", "true"})
	if err != nil {
		t.Fatalf("ParseRow() failed with %s", err)
	}
	want := tuple.Row{int64(12), "x y", true}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("ParseRow() got %v want %v", row, want)
	}
	if s := row.Strings(); !reflect.DeepEqual(s, []string{"12", "x y", "true"}) {
		t.Errorf("Strings() got %v", s)
	}

	row, err = sch.ParseRow([]string{"null", "abc", "NULL"})
	if err != nil {
		t.Fatalf("ParseRow() failed with %s", err)
	}
	if !reflect.DeepEqual(row.Strings(), []string{"NULL", "abc", "NULL"}) {
		t.Errorf("Strings() got %v", row.Strings())
	}

	for _, vals := range [][]string{{"1", "a"}, {"x", "a", "true"}, {"1", "a", "maybe"}} {
		_, err = sch.ParseRow(vals)
		if err == nil {
			t.Errorf("ParseRow(%v) did not fail", vals)
		}
	}
}
