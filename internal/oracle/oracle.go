package oracle

import (
	"context"

	"squill/internal/executor"

	"github.com/pkg/errors"
)

// DefaultEpsilon is the relative tolerance for numeric comparisons.
// Aggregation order can perturb low-order bits, so exact equality is wrong.
const DefaultEpsilon = 1e-6

// Outcome is the comparator's decision for one sample.
type Outcome string

const (
	Pass         Outcome = "pass"
	Fail         Outcome = "fail"
	Inconclusive Outcome = "inconclusive"
)

// Check is the outcome of a single assertion.
type Check struct {
	Assertion string         `json:"assertion"`
	Outcome   Outcome        `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Verdict aggregates every assertion check for one sample.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Checks  []Check `json:"checks,omitempty"`
}

// ReferenceRunner executes trusted reference SQL against the snapshot.
type ReferenceRunner interface {
	Execute(ctx context.Context, sqlText string) (*executor.Result, error)
}

// Env gives assertions access to the snapshot for reference queries.
type Env struct {
	Ref ReferenceRunner
}

// Assertion is a semantic predicate over a result set. Assertions judge the
// result, never the SQL text, so equivalent queries get equal verdicts.
type Assertion interface {
	Name() string
	Eval(ctx context.Context, res *executor.Result, env *Env) Check
}

// Compare evaluates every assertion against the actual result. Any Fail wins;
// otherwise any Inconclusive; otherwise Pass. A case without assertions
// cannot be judged and is Inconclusive.
func Compare(ctx context.Context, res *executor.Result, assertions []Assertion, env *Env) Verdict {
	if len(assertions) == 0 {
		return Verdict{Outcome: Inconclusive, Reason: "no assertions to evaluate"}
	}
	checks := make([]Check, 0, len(assertions))
	for _, a := range assertions {
		checks = append(checks, a.Eval(ctx, res, env))
	}
	for _, c := range checks {
		if c.Outcome == Fail {
			return Verdict{Outcome: Fail, Reason: c.Assertion + ": " + c.Reason, Checks: checks}
		}
	}
	for _, c := range checks {
		if c.Outcome == Inconclusive {
			return Verdict{Outcome: Inconclusive, Reason: c.Assertion + ": " + c.Reason, Checks: checks}
		}
	}
	return Verdict{Outcome: Pass, Checks: checks}
}

// Spec is the serialized form of one assertion in a case oracle.
type Spec struct {
	Type           string   `yaml:"type" json:"type"`
	Key            []string `yaml:"key,omitempty" json:"key,omitempty"`
	Columns        int      `yaml:"columns,omitempty" json:"columns,omitempty"`
	Require        []string `yaml:"require,omitempty" json:"require,omitempty"`
	NumericColumns int      `yaml:"numeric_columns,omitempty" json:"numeric_columns,omitempty"`
	Exact          *int     `yaml:"exact,omitempty" json:"exact,omitempty"`
	Min            *int     `yaml:"min,omitempty" json:"min,omitempty"`
	Max            *int     `yaml:"max,omitempty" json:"max,omitempty"`
	SQL            string   `yaml:"sql,omitempty" json:"sql,omitempty"`
	Epsilon        float64  `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	OrderSensitive bool     `yaml:"order_sensitive,omitempty" json:"order_sensitive,omitempty"`
}

// Build compiles assertion specs into executable assertions.
func Build(specs []Spec) ([]Assertion, error) {
	assertions := make([]Assertion, 0, len(specs))
	for i, spec := range specs {
		switch spec.Type {
		case "one_row_per_key":
			if len(spec.Key) == 0 {
				return nil, errors.Errorf("assertion %d: one_row_per_key needs a key", i)
			}
			assertions = append(assertions, OneRowPerKey{Key: spec.Key})
		case "shape":
			if spec.Columns <= 0 && len(spec.Require) == 0 && spec.NumericColumns <= 0 {
				return nil, errors.Errorf("assertion %d: shape needs columns, require, or numeric_columns", i)
			}
			assertions = append(assertions, Shape{
				Columns:        spec.Columns,
				Require:        spec.Require,
				NumericColumns: spec.NumericColumns,
			})
		case "row_count":
			if spec.Exact == nil && spec.Min == nil && spec.Max == nil {
				return nil, errors.Errorf("assertion %d: row_count needs exact, min, or max", i)
			}
			assertions = append(assertions, RowCount{Exact: spec.Exact, Min: spec.Min, Max: spec.Max})
		case "reference":
			if spec.SQL == "" {
				return nil, errors.Errorf("assertion %d: reference needs sql", i)
			}
			assertions = append(assertions, Reference{
				SQL:            spec.SQL,
				Epsilon:        spec.Epsilon,
				OrderSensitive: spec.OrderSensitive,
			})
		default:
			return nil, errors.Errorf("assertion %d: unknown type %q", i, spec.Type)
		}
	}
	return assertions, nil
}
