// Package tuple encodes rows as the payload of tuple versions.
package tuple

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Type int

const (
	IntType Type = iota + 1
	VarcharType
	BoolType
)

func (typ Type) String() string {
	switch typ {
	case IntType:
		return "int"
	case VarcharType:
		return "varchar"
	case BoolType:
		return "bool"
	default:
		return fmt.Sprintf("Type(%d)", int(typ))
	}
}

func parseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "int", "integer", "int64":
		return IntType, nil
	case "varchar", "string", "text":
		return VarcharType, nil
	case "bool", "boolean":
		return BoolType, nil
	default:
		return 0, errors.Errorf("tuple: unknown column type: %s", s)
	}
}

type Column struct {
	Name string
	Type Type
}

// Schema is the ordered list of columns of a table.
type Schema []Column

// Value is one of nil, int64, string, or bool.
type Value interface{}

type Row []Value

// ParseSchema parses a comma separated list of name:type columns, such as
// "id:int,val:varchar".
func ParseSchema(s string) (Schema, error) {
	var sch Schema
	for _, def := range strings.Split(s, ",") {
		def = strings.TrimSpace(def)
		idx := strings.IndexByte(def, ':')
		if idx <= 0 {
			return nil, errors.Errorf("tuple: bad column definition: %q", def)
		}
		name := strings.TrimSpace(def[:idx])
		typ, err := parseType(strings.TrimSpace(def[idx+1:]))
		if err != nil {
			return nil, err
		}
		if sch.ColumnIndex(name) >= 0 {
			return nil, errors.Errorf("tuple: duplicate column: %s", name)
		}
		sch = append(sch, Column{Name: name, Type: typ})
	}
	return sch, nil
}

// Format returns the schema in the form accepted by ParseSchema.
func (sch Schema) Format() string {
	var b strings.Builder
	for idx, col := range sch {
		if idx > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%s", col.Name, col.Type)
	}
	return b.String()
}

func (sch Schema) ColumnIndex(name string) int {
	for idx, col := range sch {
		if col.Name == name {
			return idx
		}
	}
	return -1
}

func (sch Schema) Names() []string {
	names := make([]string, 0, len(sch))
	for _, col := range sch {
		names = append(names, col.Name)
	}
	return names
}

// Encode returns the row as a null bitmap followed by the non-null values: ints as zigzag
// varints, varchars as a length and the bytes, and bools as a single byte.
func (sch Schema) Encode(row Row) ([]byte, error) {
	if len(row) != len(sch) {
		return nil, errors.Errorf("tuple: got %d values want %d", len(row), len(sch))
	}

	buf := make([]byte, (len(sch)+7)/8)
	for idx, col := range sch {
		val := row[idx]
		if val == nil {
			buf[idx/8] |= 1 << (idx % 8)
			continue
		}

		switch col.Type {
		case IntType:
			i, ok := val.(int64)
			if !ok {
				return nil, errors.Errorf("tuple: column %s: expected int: %v", col.Name, val)
			}
			buf = binary.AppendVarint(buf, i)
		case VarcharType:
			s, ok := val.(string)
			if !ok {
				return nil, errors.Errorf("tuple: column %s: expected varchar: %v", col.Name,
					val)
			}
			buf = binary.AppendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
		case BoolType:
			b, ok := val.(bool)
			if !ok {
				return nil, errors.Errorf("tuple: column %s: expected bool: %v", col.Name, val)
			}
			if b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		default:
			return nil, errors.Errorf("tuple: column %s: unexpected type: %s", col.Name,
				col.Type)
		}
	}
	return buf, nil
}

func (sch Schema) Decode(buf []byte) (Row, error) {
	nb := (len(sch) + 7) / 8
	if len(buf) < nb {
		return nil, errors.New("tuple: short null bitmap")
	}
	nulls := buf[:nb]
	buf = buf[nb:]

	row := make(Row, len(sch))
	for idx, col := range sch {
		if nulls[idx/8]&(1<<(idx%8)) != 0 {
			continue
		}

		switch col.Type {
		case IntType:
			i, n := binary.Varint(buf)
			if n <= 0 {
				return nil, errors.Errorf("tuple: column %s: bad int", col.Name)
			}
			row[idx] = i
			buf = buf[n:]
		case VarcharType:
			l, n := binary.Uvarint(buf)
			if n <= 0 || uint64(len(buf)-n) < l {
				return nil, errors.Errorf("tuple: column %s: bad varchar", col.Name)
			}
			row[idx] = string(buf[n : n+int(l)])
			buf = buf[n+int(l):]
		case BoolType:
			if len(buf) < 1 {
				return nil, errors.Errorf("tuple: column %s: bad bool", col.Name)
			}
			row[idx] = buf[0] != 0
			buf = buf[1:]
		default:
			return nil, errors.Errorf("tuple: column %s: unexpected type: %s", col.Name,
				col.Type)
		}
	}
	if len(buf) > 0 {
		return nil, errors.Errorf("tuple: %d extra bytes", len(buf))
	}
	return row, nil
}

// ParseValue converts s to a value of type typ; NULL is nil.
func ParseValue(typ Type, s string) (Value, error) {
	if strings.EqualFold(s, "null") {
		return nil, nil
	}

	switch typ {
	case IntType:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Errorf("tuple: expected int: %s", s)
		}
		return i, nil
	case VarcharType:
		if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
			s = s[1 : len(s)-1]
		}
		return s, nil
	case BoolType:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, errors.Errorf("tuple: expected bool: %s", s)
		}
		return b, nil
	}
	return nil, errors.Errorf("tuple: unexpected type: %s", typ)
}

// ParseRow converts one string per column into a row.
func (sch Schema) ParseRow(vals []string) (Row, error) {
	if len(vals) != len(sch) {
		return nil, errors.Errorf("tuple: got %d values want %d", len(vals), len(sch))
	}
	row := make(Row, len(sch))
	for idx, col := range sch {
		val, err := ParseValue(col.Type, vals[idx])
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", col.Name)
		}
		row[idx] = val
	}
	return row, nil
}

func FormatValue(val Value) string {
	switch val := val.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (row Row) Strings() []string {
	strs := make([]string, 0, len(row))
	for _, val := range row {
		strs = append(strs, FormatValue(val))
	}
	return strs
}
