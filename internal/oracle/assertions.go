package oracle

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"squill/internal/executor"
)

// OneRowPerKey fails when any grouping key appears on more than one row.
// The classic miss it catches is an ungrouped or long-format result for a
// question that expects one aggregate row per entity.
type OneRowPerKey struct {
	Key []string
}

func (OneRowPerKey) Name() string { return "one_row_per_key" }

func (a OneRowPerKey) Eval(_ context.Context, res *executor.Result, _ *Env) Check {
	idx := make([]int, 0, len(a.Key))
	for _, name := range a.Key {
		i, ok := findColumn(res, name)
		if !ok {
			return Check{
				Assertion: a.Name(),
				Outcome:   Inconclusive,
				Reason:    fmt.Sprintf("key column %q not in result (columns: %s)", name, strings.Join(res.Columns, ", ")),
			}
		}
		idx = append(idx, i)
	}
	seen := make(map[string]int, len(res.Rows))
	for _, row := range res.Rows {
		parts := make([]string, len(idx))
		for n, i := range idx {
			parts[n] = cellKey(row[i])
		}
		seen[strings.Join(parts, "\x1f")]++
	}
	dups := 0
	example := ""
	for key, count := range seen {
		if count > 1 {
			dups++
			if example == "" {
				example = strings.ReplaceAll(key, "\x1f", ", ")
			}
		}
	}
	if dups > 0 {
		return Check{
			Assertion: a.Name(),
			Outcome:   Fail,
			Reason:    fmt.Sprintf("%d key(s) appear on multiple rows, e.g. (%s)", dups, example),
			Details:   map[string]any{"groups": len(seen), "duplicate_groups": dups},
		}
	}
	return Check{Assertion: a.Name(), Outcome: Pass, Details: map[string]any{"groups": len(seen)}}
}

// Shape judges the result layout. It catches long-vs-wide confusions that
// value checks alone cannot see. NumericColumns is the exact number of
// numeric columns expected in the whole result, keys included; aggregate
// columns rarely keep predictable names, so counting them works where
// Require cannot.
type Shape struct {
	Columns        int
	Require        []string
	NumericColumns int
}

func (Shape) Name() string { return "shape" }

func (a Shape) Eval(_ context.Context, res *executor.Result, _ *Env) Check {
	if a.Columns > 0 && len(res.Columns) != a.Columns {
		return Check{
			Assertion: a.Name(),
			Outcome:   Fail,
			Reason:    fmt.Sprintf("result has %d columns, want %d", len(res.Columns), a.Columns),
		}
	}
	for _, name := range a.Require {
		if _, ok := findColumn(res, name); !ok {
			return Check{
				Assertion: a.Name(),
				Outcome:   Fail,
				Reason:    fmt.Sprintf("required column %q missing (have: %s)", name, strings.Join(res.Columns, ", ")),
			}
		}
	}
	if a.NumericColumns > 0 {
		if len(res.Rows) == 0 {
			return Check{
				Assertion: a.Name(),
				Outcome:   Inconclusive,
				Reason:    "empty result leaves measure columns unknown",
			}
		}
		got := countNumericColumns(res)
		if got != a.NumericColumns {
			return Check{
				Assertion: a.Name(),
				Outcome:   Fail,
				Reason:    fmt.Sprintf("result has %d numeric measure column(s), want %d", got, a.NumericColumns),
			}
		}
	}
	return Check{Assertion: a.Name(), Outcome: Pass}
}

// RowCount bounds the number of rows in the result.
type RowCount struct {
	Exact *int
	Min   *int
	Max   *int
}

func (RowCount) Name() string { return "row_count" }

func (a RowCount) Eval(_ context.Context, res *executor.Result, _ *Env) Check {
	n := len(res.Rows)
	if res.Truncated {
		return Check{
			Assertion: a.Name(),
			Outcome:   Inconclusive,
			Reason:    fmt.Sprintf("result truncated at %d rows, true count unknown", n),
		}
	}
	if a.Exact != nil && n != *a.Exact {
		return Check{Assertion: a.Name(), Outcome: Fail, Reason: fmt.Sprintf("%d rows, want exactly %d", n, *a.Exact)}
	}
	if a.Min != nil && n < *a.Min {
		return Check{Assertion: a.Name(), Outcome: Fail, Reason: fmt.Sprintf("%d rows, want at least %d", n, *a.Min)}
	}
	if a.Max != nil && n > *a.Max {
		return Check{Assertion: a.Name(), Outcome: Fail, Reason: fmt.Sprintf("%d rows, want at most %d", n, *a.Max)}
	}
	return Check{Assertion: a.Name(), Outcome: Pass, Details: map[string]any{"rows": n}}
}

// Reference compares the actual result against trusted SQL run on the same
// snapshot. Rows match as a multiset unless OrderSensitive is set, and
// numbers match within a relative epsilon, so equivalent-but-different SQL
// still passes.
type Reference struct {
	SQL            string
	Epsilon        float64
	OrderSensitive bool
}

func (Reference) Name() string { return "reference" }

func (a Reference) Eval(ctx context.Context, res *executor.Result, env *Env) Check {
	if env == nil || env.Ref == nil {
		return Check{Assertion: a.Name(), Outcome: Inconclusive, Reason: "no snapshot access for reference SQL"}
	}
	eps := a.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	ref, err := env.Ref.Execute(ctx, a.SQL)
	if err != nil {
		return Check{Assertion: a.Name(), Outcome: Inconclusive, Reason: fmt.Sprintf("reference query failed: %v", err)}
	}
	if len(res.Columns) != len(ref.Columns) {
		return Check{
			Assertion: a.Name(),
			Outcome:   Inconclusive,
			Reason:    fmt.Sprintf("result has %d columns but reference has %d, values cannot be aligned", len(res.Columns), len(ref.Columns)),
		}
	}
	if len(res.Rows) != len(ref.Rows) {
		return Check{
			Assertion: a.Name(),
			Outcome:   Fail,
			Reason:    fmt.Sprintf("%d rows, reference has %d", len(res.Rows), len(ref.Rows)),
		}
	}
	if a.OrderSensitive {
		for i := range ref.Rows {
			if !rowEqual(res.Rows[i], ref.Rows[i], eps) {
				return Check{
					Assertion: a.Name(),
					Outcome:   Fail,
					Reason:    fmt.Sprintf("row %d differs: got (%s), reference (%s)", i, renderRow(res.Rows[i]), renderRow(ref.Rows[i])),
				}
			}
		}
		return Check{Assertion: a.Name(), Outcome: Pass, Details: map[string]any{"rows": len(ref.Rows)}}
	}
	used := make([]bool, len(res.Rows))
	for _, want := range ref.Rows {
		matched := false
		for j, got := range res.Rows {
			if used[j] || !rowEqual(got, want, eps) {
				continue
			}
			used[j] = true
			matched = true
			break
		}
		if !matched {
			return Check{
				Assertion: a.Name(),
				Outcome:   Fail,
				Reason:    fmt.Sprintf("no row matches reference row (%s)", renderRow(want)),
			}
		}
	}
	return Check{Assertion: a.Name(), Outcome: Pass, Details: map[string]any{"rows": len(ref.Rows)}}
}

// findColumn resolves a column by name, first exactly and then ignoring case
// and punctuation, so `chinaPopulation` still finds `china_population`.
func findColumn(res *executor.Result, name string) (int, bool) {
	for i, col := range res.Columns {
		if col == name {
			return i, true
		}
	}
	want := normalizeName(name)
	for i, col := range res.Columns {
		if normalizeName(col) == want {
			return i, true
		}
	}
	return 0, false
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// countNumericColumns counts columns whose non-null cells are all numeric.
// Columns with no non-null cells do not count.
func countNumericColumns(res *executor.Result) int {
	count := 0
	for i := range res.Columns {
		numeric := false
		for _, row := range res.Rows {
			v := row[i]
			if v.Null {
				continue
			}
			if v.Family != executor.FamilyNumber {
				numeric = false
				break
			}
			numeric = true
		}
		if numeric {
			count++
		}
	}
	return count
}

// cellKey canonicalizes a cell for grouping so 1 and 1.0 land in one group.
func cellKey(v executor.Value) string {
	if v.Null {
		return "NULL"
	}
	if v.IsNumber() {
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	}
	return v.Text
}

func rowEqual(a, b []executor.Value, eps float64) bool {
	for i := range a {
		if !cellEqual(a[i], b[i], eps) {
			return false
		}
	}
	return true
}

func cellEqual(a, b executor.Value, eps float64) bool {
	if a.Null || b.Null {
		return a.Null && b.Null
	}
	if a.IsNumber() && b.IsNumber() {
		return numbersClose(a.Num, b.Num, eps)
	}
	return a.Text == b.Text
}

// numbersClose applies a relative epsilon, falling back to an absolute one
// when both magnitudes are below 1 so near-zero values do not demand exact
// equality.
func numbersClose(a, b, eps float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale < 1 {
		return diff <= eps
	}
	return diff <= eps*scale
}

func renderRow(row []executor.Value) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
