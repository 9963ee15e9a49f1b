// Package solver defines the optimization oracle used by the capacity
// model: a minimization problem over continuous, integer and binary
// variables with linear constraints, and a reference branch-and-bound
// oracle built on a warm-started bounded dual simplex.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidProblem is returned for malformed problems.
	ErrInvalidProblem = errors.New("invalid problem")

	// ErrIterationLimit is returned when the simplex exceeds its pivot budget.
	ErrIterationLimit = errors.New("simplex iteration limit reached")

	// ErrNumerical is returned when the simplex cannot hold a feasible
	// basis even after rebuilding it from the rows.
	ErrNumerical = errors.New("simplex numerical breakdown")
)

// VarKind is the domain of a variable.
type VarKind int

const (
	Continuous VarKind = iota
	Integer
	Binary
)

func (k VarKind) String() string {
	switch k {
	case Continuous:
		return "continuous"
	case Integer:
		return "integer"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Sense is the relation of a constraint row to its right-hand side.
type Sense int

const (
	LessEqual Sense = iota
	GreaterEqual
	Equal
)

func (s Sense) String() string {
	switch s {
	case LessEqual:
		return "<="
	case GreaterEqual:
		return ">="
	default:
		return "="
	}
}

// Var is a variable handle.
type Var int

// Term is coef * var.
type Term struct {
	Var  Var
	Coef float64
}

// Variable describes one column.
type Variable struct {
	Name  string
	Lower float64
	Upper float64
	Kind  VarKind
	Obj   float64
}

// Constraint describes one row.
type Constraint struct {
	Name  string
	Terms []Term
	Sense Sense
	RHS   float64
}

// Problem is a minimization problem. It is built once per model solve and
// is not safe for concurrent mutation.
type Problem struct {
	Name string
	vars []Variable
	cons []Constraint
}

// NewProblem returns an empty problem.
func NewProblem(name string) *Problem {
	return &Problem{Name: name}
}

// AddVar adds a column. Binary variables get bounds [0,1] regardless of
// the arguments; use math.Inf for unbounded sides.
func (p *Problem) AddVar(name string, lower, upper float64, kind VarKind, obj float64) Var {
	if kind == Binary {
		lower, upper = 0, 1
	}
	p.vars = append(p.vars, Variable{Name: name, Lower: lower, Upper: upper, Kind: kind, Obj: obj})
	return Var(len(p.vars) - 1)
}

// AddConstraint adds a row. Terms on the same variable are merged and
// zero coefficients dropped.
func (p *Problem) AddConstraint(name string, terms []Term, sense Sense, rhs float64) int {
	p.cons = append(p.cons, Constraint{Name: name, Terms: mergeTerms(terms), Sense: sense, RHS: rhs})
	return len(p.cons) - 1
}

func mergeTerms(terms []Term) []Term {
	if len(terms) == 0 {
		return nil
	}
	sum := make(map[Var]float64, len(terms))
	order := make([]Var, 0, len(terms))
	for _, t := range terms {
		if _, seen := sum[t.Var]; !seen {
			order = append(order, t.Var)
		}
		sum[t.Var] += t.Coef
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Term, 0, len(order))
	for _, v := range order {
		if c := sum[v]; c != 0 {
			out = append(out, Term{Var: v, Coef: c})
		}
	}
	return out
}

// SetObjective sets the cost coefficient of v.
func (p *Problem) SetObjective(v Var, coef float64) {
	p.vars[v].Obj = coef
}

func (p *Problem) NumVars() int { return len(p.vars) }

func (p *Problem) NumConstraints() int { return len(p.cons) }

// Variable returns the description of v.
func (p *Problem) Variable(v Var) Variable { return p.vars[v] }

// Constraint returns row i.
func (p *Problem) Constraint(i int) Constraint { return p.cons[i] }

// NumIntegers counts integer and binary columns.
func (p *Problem) NumIntegers() int {
	n := 0
	for _, v := range p.vars {
		if v.Kind != Continuous {
			n++
		}
	}
	return n
}

// Validate checks bounds, coefficients and variable references.
func (p *Problem) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil problem", ErrInvalidProblem)
	}
	for i, v := range p.vars {
		if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) || v.Lower > v.Upper {
			return fmt.Errorf("%w: variable %s has bounds [%v, %v]", ErrInvalidProblem, name(v.Name, "x", i), v.Lower, v.Upper)
		}
		if math.IsInf(v.Lower, 1) || math.IsInf(v.Upper, -1) {
			return fmt.Errorf("%w: variable %s has an empty domain", ErrInvalidProblem, name(v.Name, "x", i))
		}
		if !finite(v.Obj) {
			return fmt.Errorf("%w: variable %s has objective %v", ErrInvalidProblem, name(v.Name, "x", i), v.Obj)
		}
	}
	for i, c := range p.cons {
		if !finite(c.RHS) {
			return fmt.Errorf("%w: constraint %s has rhs %v", ErrInvalidProblem, name(c.Name, "c", i), c.RHS)
		}
		for _, t := range c.Terms {
			if int(t.Var) < 0 || int(t.Var) >= len(p.vars) {
				return fmt.Errorf("%w: constraint %s references variable %d", ErrInvalidProblem, name(c.Name, "c", i), t.Var)
			}
			if !finite(t.Coef) {
				return fmt.Errorf("%w: constraint %s has coefficient %v", ErrInvalidProblem, name(c.Name, "c", i), t.Coef)
			}
		}
	}
	return nil
}

// Evaluate returns the objective at x and the largest constraint or bound
// violation.
func (p *Problem) Evaluate(x []float64) (obj, violation float64) {
	for i, v := range p.vars {
		obj += v.Obj * x[i]
		violation = math.Max(violation, v.Lower-x[i])
		violation = math.Max(violation, x[i]-v.Upper)
	}
	for _, c := range p.cons {
		lhs := 0.0
		for _, t := range c.Terms {
			lhs += t.Coef * x[t.Var]
		}
		switch c.Sense {
		case LessEqual:
			violation = math.Max(violation, lhs-c.RHS)
		case GreaterEqual:
			violation = math.Max(violation, c.RHS-lhs)
		case Equal:
			violation = math.Max(violation, math.Abs(lhs-c.RHS))
		}
	}
	return obj, violation
}

func (p *Problem) bounds() (lo, hi []float64) {
	lo = make([]float64, len(p.vars))
	hi = make([]float64, len(p.vars))
	for i, v := range p.vars {
		lo[i], hi[i] = v.Lower, v.Upper
		if v.Kind != Continuous {
			// integer bounds are tightened to integers
			lo[i] = math.Ceil(lo[i] - intTolerance)
			hi[i] = math.Floor(hi[i] + intTolerance)
		}
	}
	return lo, hi
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func name(n, prefix string, i int) string {
	if n != "" {
		return n
	}
	return fmt.Sprintf("%s%d", prefix, i)
}
