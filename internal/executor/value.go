package executor

import (
	"strconv"
	"strings"
)

// Family collapses database column types into coarse categories for comparison.
type Family string

const (
	FamilyNull   Family = "null"
	FamilyNumber Family = "number"
	FamilyString Family = "string"
	FamilyTime   Family = "time"
	FamilyBool   Family = "bool"
	FamilyOther  Family = "other"
)

// Value is one cell of a result set, normalized for semantic comparison.
// Numbers carry a parsed Num alongside the raw Text so comparisons can use
// a relative epsilon instead of exact text equality.
type Value struct {
	Family Family
	Text   string
	Num    float64
	Null   bool
}

// String renders the cell for reports and diffs.
func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	return v.Text
}

// IsNumber reports whether the cell holds a comparable numeric value.
func (v Value) IsNumber() bool {
	return !v.Null && v.Family == FamilyNumber
}

// NewValue builds a Value from a raw driver cell and its database type name.
func NewValue(raw []byte, dbType string) Value {
	if raw == nil {
		return Value{Family: FamilyNull, Null: true}
	}
	text := string(raw)
	v := Value{Family: familyForType(dbType), Text: text}
	if v.Family == FamilyNumber {
		num, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			v.Family = FamilyString
			return v
		}
		v.Num = num
	}
	return v
}

// NumberValue builds a numeric cell.
func NumberValue(num float64) Value {
	return Value{Family: FamilyNumber, Num: num, Text: strconv.FormatFloat(num, 'g', -1, 64)}
}

// StringValue builds a text cell.
func StringValue(text string) Value {
	return Value{Family: FamilyString, Text: text}
}

// TimeValue builds a temporal cell from the database's own rendering.
func TimeValue(text string) Value {
	return Value{Family: FamilyTime, Text: text}
}

// NullValue builds a NULL cell.
func NullValue() Value {
	return Value{Family: FamilyNull, Null: true}
}

func familyForType(dbType string) Family {
	switch strings.ToUpper(strings.TrimSpace(dbType)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT",
		"UNSIGNED TINYINT", "UNSIGNED SMALLINT", "UNSIGNED MEDIUMINT", "UNSIGNED INT", "UNSIGNED BIGINT",
		"FLOAT", "DOUBLE", "DECIMAL", "YEAR":
		return FamilyNumber
	case "DATE", "DATETIME", "TIMESTAMP", "TIME":
		return FamilyTime
	case "BIT", "BOOL", "BOOLEAN":
		return FamilyBool
	case "CHAR", "VARCHAR", "TINYTEXT", "TEXT", "MEDIUMTEXT", "LONGTEXT",
		"ENUM", "SET", "JSON", "BINARY", "VARBINARY", "BLOB":
		return FamilyString
	default:
		return FamilyOther
	}
}

// Result is the ordered output of one snapshot execution.
type Result struct {
	Columns   []string
	Rows      [][]Value
	Truncated bool
}

// ColumnIndex returns the position of an exactly named column, or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, col := range r.Columns {
		if col == name {
			return i
		}
	}
	return -1
}
