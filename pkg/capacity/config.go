// Package capacity builds the risk-constrained backup capacity model: the
// Rockafellar-Uryasev linearization of a buffered failure probability
// bound per backup link, with flow-conservation or path-catalogue routing,
// handed to a solver.Oracle.
package capacity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
)

var (
	// ErrInvalidInput is returned before any solver call for malformed
	// inputs or configuration.
	ErrInvalidInput = errors.New("invalid capacity model input")

	// ErrInfeasible is returned when the oracle does not produce a usable
	// design. Callers must not estimate on a missing design.
	ErrInfeasible = errors.New("capacity model infeasible")
)

// InfeasibleError reports why a solve produced no design.
type InfeasibleError struct {
	Status       solver.Status
	HasIncumbent bool
	Gap          float64
}

func (e *InfeasibleError) Error() string {
	if e.HasIncumbent {
		return fmt.Sprintf("%v: solver stopped with status %s (gap %.3g)", ErrInfeasible, e.Status, e.Gap)
	}
	return fmt.Sprintf("%v: solver stopped with status %s", ErrInfeasible, e.Status)
}

func (e *InfeasibleError) Unwrap() error { return ErrInfeasible }

// Domain is the variable domain of link capacities.
type Domain int

const (
	Continuous Domain = iota
	Integer
)

func (d Domain) String() string {
	if d == Integer {
		return "integer"
	}
	return "continuous"
}

// ParseDomain accepts "continuous" and "integer".
func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous":
		return Continuous, nil
	case "integer":
		return Integer, nil
	}
	return Continuous, fmt.Errorf("%w: unknown capacity domain %q", ErrInvalidInput, s)
}

// Routing selects how backup routes are modelled.
type Routing int

const (
	// RoutingFlow uses one binary per (link, commodity) with flow
	// conservation at every node.
	RoutingFlow Routing = iota
	// RoutingPaths uses one binary per enumerated simple path.
	RoutingPaths
)

func (r Routing) String() string {
	if r == RoutingPaths {
		return "paths"
	}
	return "flow"
}

// ParseRouting accepts "flow" and "paths".
func ParseRouting(s string) (Routing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flow":
		return RoutingFlow, nil
	case "paths", "path":
		return RoutingPaths, nil
	}
	return RoutingFlow, fmt.Errorf("%w: unknown routing %q", ErrInvalidInput, s)
}

// Config parameterizes the model.
type Config struct {
	// Epsilon is the buffered failure probability bound, in (0,1].
	Epsilon float64
	Domain  Domain
	Routing Routing
	// PathCutoff bounds path length for RoutingPaths; 0 means unbounded.
	PathCutoff int
	// AggregateScenarios collapses identical scenario rows into one tail
	// variable carrying their summed weight.
	AggregateScenarios bool
	// ExistingCapacity, aligned with the graph's links, is installed
	// capacity that costs nothing. Nil means none.
	ExistingCapacity []float64
	// AcceptIncumbent turns a time-limited solve with an incumbent into a
	// design instead of an infeasible result.
	AcceptIncumbent bool
	Solver          solver.Options
	// Tolerance is the chosen-link threshold written into designs.
	Tolerance float64
}

// DefaultConfig returns a continuous, flow-routed model at epsilon 0.05.
func DefaultConfig() Config {
	return Config{
		Epsilon:            0.05,
		Domain:             Continuous,
		Routing:            RoutingFlow,
		AggregateScenarios: true,
		Solver:             solver.DefaultOptions(),
		Tolerance:          design.DefaultTolerance,
	}
}
