// Package scenario draws i.i.d. link-failure scenarios under a Bernoulli
// model, either directly or by thresholding a reusable uniform substrate.
package scenario

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned for malformed generation requests and sets.
var ErrInvalidInput = errors.New("invalid scenario input")

// Set is a block of scenarios. Row r holds the per-commodity loads of the
// scenario with global index Start+r.
type Set struct {
	Start int
	Count int
	Width int
	// Loads is row-major, Count*Width long.
	Loads []float64
	// Failures[r] is the number of commodities that failed in row r.
	Failures []int
}

// Empty returns a set with no rows.
func Empty(width int) *Set {
	return &Set{Width: width, Loads: []float64{}, Failures: []int{}}
}

// FromRows builds a set from explicit load rows. A commodity counts as
// failed when its load is positive.
func FromRows(start int, rows [][]float64) (*Set, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	width := len(rows[0])
	s := &Set{
		Start:    start,
		Count:    len(rows),
		Width:    width,
		Loads:    make([]float64, 0, len(rows)*width),
		Failures: make([]int, len(rows)),
	}
	for r, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidInput, r, len(row), width)
		}
		for _, v := range row {
			if v > 0 {
				s.Failures[r]++
			}
		}
		s.Loads = append(s.Loads, row...)
	}
	return s, s.Validate()
}

// Row returns the loads of row r. The slice aliases the set.
func (s *Set) Row(r int) []float64 {
	return s.Loads[r*s.Width : (r+1)*s.Width]
}

// Index returns the global scenario index of row r.
func (s *Set) Index(r int) int {
	return s.Start + r
}

// Slice returns rows [from, to) as a set sharing storage with s.
func (s *Set) Slice(from, to int) *Set {
	return &Set{
		Start:    s.Start + from,
		Count:    to - from,
		Width:    s.Width,
		Loads:    s.Loads[from*s.Width : to*s.Width],
		Failures: s.Failures[from:to],
	}
}

// Validate checks shape and that every load is finite and non-negative.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil set", ErrInvalidInput)
	}
	if s.Count < 0 || s.Width <= 0 {
		return fmt.Errorf("%w: count %d width %d", ErrInvalidInput, s.Count, s.Width)
	}
	if len(s.Loads) != s.Count*s.Width {
		return fmt.Errorf("%w: %d loads for %dx%d", ErrInvalidInput, len(s.Loads), s.Count, s.Width)
	}
	if len(s.Failures) != s.Count {
		return fmt.Errorf("%w: %d failure counts for %d rows", ErrInvalidInput, len(s.Failures), s.Count)
	}
	for i, v := range s.Loads {
		if !(v >= 0) || math.IsInf(v, 1) {
			return fmt.Errorf("%w: load %v at row %d column %d", ErrInvalidInput, v, i/s.Width, i%s.Width)
		}
	}
	return nil
}

// Concat joins contiguous sets in order. Each part must start where the
// previous one ended and all parts must share a width.
func Concat(parts []*Set) (*Set, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInvalidInput)
	}
	total := 0
	for _, p := range parts {
		total += p.Count
	}
	out := &Set{
		Start:    parts[0].Start,
		Width:    parts[0].Width,
		Loads:    make([]float64, 0, total*parts[0].Width),
		Failures: make([]int, 0, total),
	}
	next := out.Start
	for i, p := range parts {
		if p.Width != out.Width {
			return nil, fmt.Errorf("%w: part %d has width %d, want %d", ErrInvalidInput, i, p.Width, out.Width)
		}
		if p.Start != next {
			return nil, fmt.Errorf("%w: part %d starts at %d, want %d", ErrInvalidInput, i, p.Start, next)
		}
		out.Loads = append(out.Loads, p.Loads...)
		out.Failures = append(out.Failures, p.Failures...)
		out.Count += p.Count
		next += p.Count
	}
	return out, nil
}
