package solver

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxLineLength keeps LP lines under the 255 byte limit of common readers.
const maxLineLength = 200

// WriteLP writes p in CPLEX LP format so it can be handed to an external
// MIP solver.
func WriteLP(w io.Writer, p *Problem) error {
	if err := p.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	lw := &lineWriter{w: bw}

	fmt.Fprintf(bw, "\\ Problem: %s\n", p.Name)
	fmt.Fprintf(bw, "\\ %d variables, %d constraints\n", p.NumVars(), p.NumConstraints())
	bw.WriteString("Minimize\n")
	var obj []Term
	for i, v := range p.vars {
		if v.Obj != 0 {
			obj = append(obj, Term{Var: Var(i), Coef: v.Obj})
		}
	}
	lw.start(" obj:")
	if len(obj) == 0 && len(p.vars) > 0 {
		// an empty objective still needs a variable reference
		lw.add(" 0 " + lpName(p, 0))
	}
	lw.terms(p, obj)
	lw.end()

	bw.WriteString("Subject To\n")
	for i, c := range p.cons {
		lw.start(" " + sanitize(name(c.Name, "c", i)) + ":")
		if len(c.Terms) == 0 {
			lw.add(" 0 " + lpName(p, 0))
		}
		lw.terms(p, c.Terms)
		lw.add(" " + c.Sense.String() + " " + formatFloat(c.RHS))
		lw.end()
	}

	bw.WriteString("Bounds\n")
	for i, v := range p.vars {
		if v.Kind == Binary {
			continue
		}
		n := lpName(p, i)
		switch {
		case math.IsInf(v.Lower, -1) && math.IsInf(v.Upper, 1):
			fmt.Fprintf(bw, " %s free\n", n)
		case math.IsInf(v.Upper, 1):
			if v.Lower != 0 {
				fmt.Fprintf(bw, " %s >= %s\n", n, formatFloat(v.Lower))
			}
		case math.IsInf(v.Lower, -1):
			fmt.Fprintf(bw, " -inf <= %s <= %s\n", n, formatFloat(v.Upper))
		default:
			fmt.Fprintf(bw, " %s <= %s <= %s\n", formatFloat(v.Lower), n, formatFloat(v.Upper))
		}
	}

	writeSection := func(header string, kind VarKind) {
		first := true
		for i, v := range p.vars {
			if v.Kind != kind {
				continue
			}
			if first {
				bw.WriteString(header + "\n")
				lw.start("")
				first = false
			}
			lw.add(" " + lpName(p, i))
		}
		if !first {
			lw.end()
		}
	}
	writeSection("General", Integer)
	writeSection("Binary", Binary)

	bw.WriteString("End\n")
	return bw.Flush()
}

type lineWriter struct {
	w   *bufio.Writer
	len int
}

func (l *lineWriter) start(s string) {
	l.w.WriteString(s)
	l.len = len(s)
}

func (l *lineWriter) add(s string) {
	if l.len+len(s) > maxLineLength {
		l.w.WriteString("\n  ")
		l.len = 2
	}
	l.w.WriteString(s)
	l.len += len(s)
}

func (l *lineWriter) terms(p *Problem, terms []Term) {
	for k, t := range terms {
		coef := t.Coef
		sign := "+"
		if coef < 0 {
			sign, coef = "-", -coef
		}
		if k == 0 && sign == "+" {
			sign = ""
		}
		var s string
		if coef == 1 {
			s = fmt.Sprintf(" %s %s", sign, lpName(p, int(t.Var)))
		} else {
			s = fmt.Sprintf(" %s %s %s", sign, formatFloat(coef), lpName(p, int(t.Var)))
		}
		l.add(strings.Replace(s, "  ", " ", 1))
	}
}

func (l *lineWriter) end() {
	l.w.WriteString("\n")
	l.len = 0
}

func lpName(p *Problem, i int) string {
	return sanitize(name(p.vars[i].Name, "x", i))
}

// sanitize maps a name onto the LP format's identifier alphabet.
func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9', r == '.':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
