package solver

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	pivotTolerance = 1e-9
	costTolerance  = 1e-9
	feasTolerance  = 1e-7
	intTolerance   = 1e-6
	dropTolerance  = 1e-13

	// smallest pivot accepted when a basis is rebuilt from the rows
	refactorPivot = 1e-7
	// consecutive zero-step pivots before the primal pass switches to
	// Bland's rule
	degenerateStreak = 50
	// pivots between context and deadline checks
	checkInterval = 32
	// pivots applied to a tableau before it is rebuilt at the next node
	refactorInterval = 500
)

var errTimeout = errors.New("solver time limit")

type lpStatus int

const (
	lpOptimal lpStatus = iota
	lpInfeasible
	lpUnbounded
)

// colState is where a column sits relative to the basis.
type colState int8

const (
	basic colState = iota
	atLower
	atUpper
	atZero // free and nonbasic
)

// basisSnapshot is enough to rebuild a tableau: the basic column of each
// row and the bound every nonbasic column rests on.
type basisSnapshot struct {
	basis []int
	state []colState
}

// tableau is a dense bounded-variable simplex tableau over the constraint
// rows only. Row i holds B^-1 [A | I | b]; column n+i is the logical of
// row i with a_i x + s_i = b_i, so s_i is in [0,inf) for <=, (-inf,0] for
// >= and fixed at 0 for =. Variable bounds never become rows.
type tableau struct {
	p     *Problem
	m, n  int
	cols  int
	a     []float64
	d     []float64 // reduced costs under work
	cost  []float64
	work  []float64 // cost plus shifts and perturbation
	lo    []float64
	hi    []float64
	x     []float64
	state []colState
	basis []int

	pivots        int
	sinceRefactor int
	iterations    int
	limit         int
	ctx           context.Context
	deadline      time.Time
}

func newTableau(ctx context.Context, p *Problem, deadline time.Time) *tableau {
	m, n := len(p.cons), len(p.vars)
	cols := n + m
	t := &tableau{
		p:        p,
		m:        m,
		n:        n,
		cols:     cols,
		a:        make([]float64, m*(cols+1)),
		d:        make([]float64, cols+1),
		cost:     make([]float64, cols),
		work:     make([]float64, cols),
		lo:       make([]float64, cols),
		hi:       make([]float64, cols),
		x:        make([]float64, cols),
		state:    make([]colState, cols),
		basis:    make([]int, m),
		limit:    50*(m+cols) + 1000,
		ctx:      ctx,
		deadline: deadline,
	}
	for j, v := range p.vars {
		t.cost[j] = v.Obj
		t.state[j] = atLower
	}
	for i, c := range p.cons {
		s := n + i
		switch c.Sense {
		case LessEqual:
			t.lo[s], t.hi[s] = 0, math.Inf(1)
		case GreaterEqual:
			t.lo[s], t.hi[s] = math.Inf(-1), 0
		default:
			t.lo[s], t.hi[s] = 0, 0
		}
	}
	t.reset()
	return t
}

func (t *tableau) row(i int) []float64 {
	stride := t.cols + 1
	return t.a[i*stride : (i+1)*stride]
}

// reset loads [A | I | b] with the slack basis and true costs. Structural
// states are left as they are.
func (t *tableau) reset() {
	clear(t.a)
	for i, c := range t.p.cons {
		row := t.row(i)
		for _, term := range c.Terms {
			row[term.Var] += term.Coef
		}
		row[t.n+i] = 1
		row[t.cols] = c.RHS
		t.basis[i] = t.n + i
		t.state[t.n+i] = basic
	}
	copy(t.work, t.cost)
	copy(t.d, t.work)
	t.d[t.cols] = 0
	t.sinceRefactor = 0
}

func (t *tableau) snapshot() *basisSnapshot {
	s := &basisSnapshot{basis: make([]int, t.m), state: make([]colState, t.cols)}
	copy(s.basis, t.basis)
	copy(s.state, t.state)
	return s
}

// load rebuilds the tableau from the rows and pivots the basis of s back
// in. Columns that have become dependent stay at a bound.
func (t *tableau) load(s *basisSnapshot) {
	for j := 0; j < t.n; j++ {
		t.state[j] = atLower
	}
	t.reset()
	if s == nil {
		return
	}
	keep := make([]bool, t.cols)
	for _, j := range s.basis {
		keep[j] = true
	}
	for _, q := range s.basis {
		if q >= t.n {
			continue
		}
		r, best := -1, refactorPivot
		for i, b := range t.basis {
			if b < t.n || keep[b] {
				continue
			}
			if v := math.Abs(t.row(i)[q]); v > best {
				r, best = i, v
			}
		}
		if r >= 0 {
			t.state[t.basis[r]] = s.state[t.basis[r]]
			t.pivot(r, q)
		}
	}
	for j := 0; j < t.n; j++ {
		if t.state[j] != basic {
			t.state[j] = s.state[j]
			if t.state[j] == basic {
				t.state[j] = atLower
			}
		}
	}
	t.sinceRefactor = 0
}

// refactor rebuilds the current basis from the rows to shed rounding.
func (t *tableau) refactor() {
	t.load(t.snapshot())
	t.placeAll()
}

// setBounds installs structural bounds and moves every nonbasic column
// onto one of them. It reports false when a domain is empty.
func (t *tableau) setBounds(lo, hi []float64) bool {
	for j := 0; j < t.n; j++ {
		if lo[j] > hi[j]+feasTolerance {
			return false
		}
		t.lo[j], t.hi[j] = lo[j], math.Max(hi[j], lo[j])
	}
	t.placeAll()
	return true
}

func (t *tableau) placeAll() {
	for j := 0; j < t.cols; j++ {
		if t.state[j] != basic {
			t.place(j)
		}
	}
	t.computeBasics()
}

// place puts nonbasic column j on the bound its state names, falling back
// to whichever bound is finite.
func (t *tableau) place(j int) {
	switch {
	case t.state[j] == atUpper && !math.IsInf(t.hi[j], 1):
		t.x[j] = t.hi[j]
	case !math.IsInf(t.lo[j], -1):
		t.state[j], t.x[j] = atLower, t.lo[j]
	case !math.IsInf(t.hi[j], 1):
		t.state[j], t.x[j] = atUpper, t.hi[j]
	default:
		t.state[j], t.x[j] = atZero, 0
	}
}

// computeBasics solves for the basic values given the nonbasic ones.
func (t *tableau) computeBasics() {
	for i, b := range t.basis {
		t.x[b] = t.row(i)[t.cols]
	}
	for j := 0; j < t.cols; j++ {
		if t.state[j] == basic || t.x[j] == 0 {
			continue
		}
		v := t.x[j]
		for i, b := range t.basis {
			if a := t.row(i)[j]; a != 0 {
				t.x[b] -= a * v
			}
		}
	}
}

// computeReducedCosts prices out the basis under work.
func (t *tableau) computeReducedCosts() {
	copy(t.d, t.work)
	t.d[t.cols] = 0
	for i, b := range t.basis {
		cb := t.work[b]
		if cb == 0 {
			continue
		}
		for j, v := range t.row(i) {
			if v != 0 {
				t.d[j] -= cb * v
			}
		}
	}
	for _, b := range t.basis {
		t.d[b] = 0
	}
}

func (t *tableau) restoreCosts() {
	copy(t.work, t.cost)
	t.computeReducedCosts()
}

func (t *tableau) fixed(j int) bool {
	return t.lo[j] == t.hi[j]
}

// move shifts nonbasic column q by delta and carries the basics along.
func (t *tableau) move(q int, delta float64) {
	if delta == 0 {
		return
	}
	t.x[q] += delta
	for i, b := range t.basis {
		if a := t.row(i)[q]; a != 0 {
			t.x[b] -= a * delta
		}
	}
}

func (t *tableau) pivot(r, s int) {
	pr := t.row(r)
	inv := 1 / pr[s]
	nz := make([]int, 0, 32)
	for j := range pr {
		if pr[j] != 0 {
			pr[j] *= inv
			nz = append(nz, j)
		}
	}
	pr[s] = 1

	eliminate := func(row []float64) {
		f := row[s]
		if f == 0 {
			return
		}
		for _, j := range nz {
			v := row[j] - f*pr[j]
			if math.Abs(v) < dropTolerance {
				v = 0
			}
			row[j] = v
		}
		row[s] = 0
	}
	for i := 0; i < t.m; i++ {
		if i != r {
			eliminate(t.row(i))
		}
	}
	eliminate(t.d)

	t.state[s] = basic
	t.basis[r] = s
	t.pivots++
	t.sinceRefactor++
}

// tick enforces the deadline and the iteration budget.
func (t *tableau) tick() error {
	t.iterations++
	if t.iterations%checkInterval == 0 {
		if err := t.ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errTimeout
			}
			return err
		}
		if !t.deadline.IsZero() && time.Now().After(t.deadline) {
			return errTimeout
		}
	}
	if t.iterations > t.limit {
		return ErrIterationLimit
	}
	return nil
}

// makeDualFeasible flips boxed columns to the bound their reduced cost
// prefers and shifts the working cost of the rest.
func (t *tableau) makeDualFeasible() {
	for j := 0; j < t.cols; j++ {
		if t.state[j] == basic || t.fixed(j) {
			continue
		}
		dj := t.d[j]
		switch t.state[j] {
		case atLower:
			if dj >= -costTolerance {
				continue
			}
			if !math.IsInf(t.hi[j], 1) {
				t.state[j] = atUpper
				t.move(j, t.hi[j]-t.x[j])
				continue
			}
		case atUpper:
			if dj <= costTolerance {
				continue
			}
			if !math.IsInf(t.lo[j], -1) {
				t.state[j] = atLower
				t.move(j, t.lo[j]-t.x[j])
				continue
			}
		case atZero:
			if math.Abs(dj) <= costTolerance {
				continue
			}
		}
		t.work[j] -= dj
		t.d[j] = 0
	}
}

// perturb nudges nonbasic reduced costs away from zero in the feasible
// direction so the dual ratio test rarely ties.
func (t *tableau) perturb() {
	for j := 0; j < t.cols; j++ {
		if t.state[j] == basic || t.fixed(j) {
			continue
		}
		u := float64((j*40503)%1009) / 1009
		xi := 1e-7 * (1 + math.Abs(t.cost[j])) * (1 + u)
		switch t.state[j] {
		case atLower:
			t.work[j] += xi
			t.d[j] += xi
		case atUpper:
			t.work[j] -= xi
			t.d[j] -= xi
		}
	}
}

// leavingRow picks the basic column furthest outside its bounds. dir is
// +1 when it must rise to its lower bound and -1 when it must fall to its
// upper one.
func (t *tableau) leavingRow() (int, float64) {
	best, worst, dir := -1, feasTolerance, 0.0
	for i, b := range t.basis {
		if v := t.lo[b] - t.x[b]; v > worst {
			best, worst, dir = i, v, 1
		}
		if v := t.x[b] - t.hi[b]; v > worst {
			best, worst, dir = i, v, -1
		}
	}
	return best, dir
}

// dualSlack is how far d_j may move toward zero before column j turns
// dual infeasible.
func (t *tableau) dualSlack(j int) float64 {
	switch t.state[j] {
	case atLower:
		return math.Max(t.d[j], 0)
	case atUpper:
		return math.Max(-t.d[j], 0)
	default:
		return math.Abs(t.d[j])
	}
}

func (t *tableau) dualEligible(j int, alpha float64) bool {
	if t.state[j] == basic || t.fixed(j) {
		return false
	}
	switch t.state[j] {
	case atLower:
		return alpha < -pivotTolerance
	case atUpper:
		return alpha > pivotTolerance
	default:
		return math.Abs(alpha) > pivotTolerance
	}
}

// dualEntering runs a two-pass Harris ratio test on row r.
func (t *tableau) dualEntering(r int, dir float64) int {
	row := t.row(r)
	theta := math.Inf(1)
	for j := 0; j < t.cols; j++ {
		alpha := dir * row[j]
		if !t.dualEligible(j, alpha) {
			continue
		}
		theta = math.Min(theta, (t.dualSlack(j)+costTolerance)/math.Abs(alpha))
	}
	if math.IsInf(theta, 1) {
		return -1
	}
	best, bestAlpha := -1, 0.0
	for j := 0; j < t.cols; j++ {
		alpha := dir * row[j]
		if !t.dualEligible(j, alpha) {
			continue
		}
		if a := math.Abs(alpha); t.dualSlack(j)/a <= theta && a > bestAlpha {
			best, bestAlpha = j, a
		}
	}
	return best
}

// dual runs the dual simplex until the basis is primal feasible or a row
// proves it cannot be.
func (t *tableau) dual() (lpStatus, error) {
	for {
		if err := t.tick(); err != nil {
			return lpOptimal, err
		}
		r, dir := t.leavingRow()
		if r < 0 {
			return lpOptimal, nil
		}
		q := t.dualEntering(r, dir)
		if q < 0 {
			return lpInfeasible, nil
		}
		p := t.basis[r]
		target, rest := t.lo[p], atLower
		if dir < 0 {
			target, rest = t.hi[p], atUpper
		}
		t.move(q, (t.x[p]-target)/t.row(r)[q])
		t.x[p] = target
		t.pivot(r, q)
		t.state[p] = rest
	}
}

// primalEntering prices nonbasic columns; it returns the column and the
// direction it should move, or -1.
func (t *tableau) primalEntering(bland bool) (int, float64) {
	best, bestScore, dir := -1, costTolerance, 0.0
	for j := 0; j < t.cols; j++ {
		if t.state[j] == basic || t.fixed(j) {
			continue
		}
		dj := t.d[j]
		var score, sigma float64
		switch t.state[j] {
		case atLower:
			score, sigma = -dj, 1
		case atUpper:
			score, sigma = dj, -1
		default:
			score, sigma = math.Abs(dj), -math.Copysign(1, dj)
		}
		if score <= costTolerance {
			continue
		}
		if bland {
			return j, sigma
		}
		if score > bestScore {
			best, bestScore, dir = j, score, sigma
		}
	}
	return best, dir
}

// primalLeaving runs the ratio test for column q moving in direction
// sigma. It returns the blocking row (or -1), the step length, and whether
// q reaches its own opposite bound first.
func (t *tableau) primalLeaving(q int, sigma float64, bland bool) (int, float64, bool) {
	span := t.hi[q] - t.lo[q]
	if math.IsInf(t.hi[q], 1) || math.IsInf(t.lo[q], -1) {
		span = math.Inf(1)
	}

	ratio := func(i int, slack float64) (float64, bool) {
		g := -sigma * t.row(i)[q]
		b := t.basis[i]
		switch {
		case g > pivotTolerance && !math.IsInf(t.hi[b], 1):
			return (t.hi[b] - t.x[b] + slack) / g, true
		case g < -pivotTolerance && !math.IsInf(t.lo[b], -1):
			return (t.x[b] - t.lo[b] + slack) / -g, true
		}
		return 0, false
	}

	best := -1
	step := math.Inf(1)
	if bland {
		for i := range t.basis {
			v, ok := ratio(i, 0)
			if !ok {
				continue
			}
			if v < step-pivotTolerance || (v <= step+pivotTolerance && best >= 0 && t.basis[i] < t.basis[best]) {
				best, step = i, v
			}
		}
	} else {
		theta := math.Inf(1)
		for i := range t.basis {
			if v, ok := ratio(i, feasTolerance); ok {
				theta = math.Min(theta, v)
			}
		}
		bestG := 0.0
		for i := range t.basis {
			v, ok := ratio(i, 0)
			if !ok || v > theta {
				continue
			}
			if g := math.Abs(t.row(i)[q]); g > bestG {
				best, bestG, step = i, g, v
			}
		}
	}
	if best < 0 && math.IsInf(span, 1) {
		return -1, 0, false
	}
	step = math.Max(step, 0)
	if span <= step {
		return -1, span, true
	}
	return best, step, false
}

// primal runs the bounded primal simplex from a primal feasible basis.
func (t *tableau) primal() (lpStatus, error) {
	bland, streak := false, 0
	for {
		if err := t.tick(); err != nil {
			return lpOptimal, err
		}
		q, sigma := t.primalEntering(bland)
		if q < 0 {
			return lpOptimal, nil
		}
		r, step, flip := t.primalLeaving(q, sigma, bland)
		if r < 0 && !flip {
			return lpUnbounded, nil
		}

		if step <= pivotTolerance {
			streak++
			bland = streak > degenerateStreak
		} else {
			streak, bland = 0, false
		}

		t.move(q, sigma*step)
		if flip {
			if sigma > 0 {
				t.state[q], t.x[q] = atUpper, t.hi[q]
			} else {
				t.state[q], t.x[q] = atLower, t.lo[q]
			}
			continue
		}
		p := t.basis[r]
		rest := atLower
		if -sigma*t.row(r)[q] > 0 {
			rest = atUpper
			t.x[p] = t.hi[p]
		} else {
			t.x[p] = t.lo[p]
		}
		t.pivot(r, q)
		t.state[p] = rest
	}
}

func (t *tableau) primalInfeasibility() float64 {
	worst := 0.0
	for _, b := range t.basis {
		worst = math.Max(worst, t.lo[b]-t.x[b])
		worst = math.Max(worst, t.x[b]-t.hi[b])
	}
	return worst
}

// optimize solves the LP under the installed bounds, starting from the
// current basis: dual simplex to primal feasibility under perturbed costs,
// then primal simplex under the true costs.
func (t *tableau) optimize() (lpStatus, error) {
	t.iterations = 0
	for attempt := 0; ; attempt++ {
		if attempt > 2 {
			return lpOptimal, ErrNumerical
		}
		t.makeDualFeasible()
		t.perturb()
		status, err := t.dual()
		if err != nil {
			return status, err
		}
		if status == lpInfeasible {
			if attempt == 0 && t.sinceRefactor > 0 {
				t.refactor()
				continue
			}
			t.restoreCosts()
			return lpInfeasible, nil
		}

		t.restoreCosts()
		status, err = t.primal()
		if err != nil || status == lpUnbounded {
			return status, err
		}
		t.computeBasics()
		if t.primalInfeasibility() <= 10*feasTolerance {
			return lpOptimal, nil
		}
		t.refactor()
	}
}

type lpSolution struct {
	status lpStatus
	x      []float64
	obj    float64
	pivots int
}

// solve optimizes p under lo/hi from whatever basis t holds.
func (t *tableau) solve(lo, hi []float64) (lpSolution, error) {
	start := t.pivots
	if !t.setBounds(lo, hi) {
		return lpSolution{status: lpInfeasible}, nil
	}
	if t.sinceRefactor > refactorInterval {
		t.refactor()
	}
	status, err := t.optimize()
	sol := lpSolution{status: status, pivots: t.pivots - start}
	if err != nil || status != lpOptimal {
		return sol, err
	}
	sol.x = make([]float64, t.n)
	copy(sol.x, t.x[:t.n])
	for j, v := range t.p.vars {
		sol.obj += v.Obj * sol.x[j]
	}
	return sol, nil
}

// solveLP solves the relaxation of p under lo/hi from the slack basis.
func solveLP(ctx context.Context, p *Problem, lo, hi []float64, deadline time.Time) (lpSolution, error) {
	return newTableau(ctx, p, deadline).solve(lo, hi)
}
