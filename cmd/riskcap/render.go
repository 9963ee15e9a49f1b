package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FFFF")).
			Width(24)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#00FF00"))
)

func kv(b *strings.Builder, label string, format string, args ...any) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(fmt.Sprintf(format, args...))
	b.WriteByte('\n')
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#00FFFF"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderDesign(d *design.Design) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Backup design"))
	b.WriteByte('\n')
	if d.ID != "" {
		kv(&b, "id", "%s", d.ID)
	}
	chosen := d.ChosenLinks()
	kv(&b, "total capacity", "%.4f", d.TotalCapacity())
	kv(&b, "chosen links", "%d of %d", len(chosen), d.NumLinks())
	kv(&b, "commodities per link", "%.3f", d.AverageCommoditiesPerLink())

	t := newTable("link", "capacity", "commodities")
	for _, i := range chosen {
		t.Row(d.Links[i].String(), fmt.Sprintf("%.4f", d.Capacities[i]), fmt.Sprintf("%d", len(d.Routed(i))))
	}
	b.WriteString(t.Render())
	b.WriteByte('\n')
	return b.String()
}

func renderSolution(sol *capacity.Solution) string {
	var b strings.Builder
	b.WriteString(renderDesign(sol.Design))
	kv(&b, "solver status", "%s", sol.Status)
	if sol.Gap > 0 {
		kv(&b, "gap", "%.3g", sol.Gap)
	}
	kv(&b, "model", "%d variables, %d constraints, %d scenario groups", sol.Variables, sol.Constraints, sol.Groups)
	kv(&b, "nodes", "%d", sol.Nodes)
	kv(&b, "elapsed", "%s", sol.Elapsed)
	return b.String()
}

// renderEstimate flags links whose upper confidence bound exceeds epsilon.
// binomial may be nil.
func renderEstimate(title string, res *estimate.Result, epsilon float64, binomial []float64) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteByte('\n')
	kv(&b, "statistic", "%s", res.Statistic)
	kv(&b, "samples", "%d", res.Samples)
	kv(&b, "confidence", "%.3g (z = %.4f)", res.Confidence, res.Z)

	headers := []string{"link", "capacity", "estimate", "std err", "interval"}
	if binomial != nil {
		headers = append(headers, "binomial ±")
	}
	t := newTable(headers...)
	over := 0
	for i, l := range res.Links {
		row := []string{
			l.Link.String(),
			fmt.Sprintf("%.4f", l.Capacity),
			fmt.Sprintf("%.5f", l.Probability),
			fmt.Sprintf("%.2e", l.StdErr),
			fmt.Sprintf("[%.5f, %.5f]", l.Lower, l.Upper),
		}
		if binomial != nil {
			row = append(row, fmt.Sprintf("%.5f", binomial[i]))
		}
		if res.Statistic == estimate.Indicator && l.Upper > epsilon {
			over++
			row[2] = warnStyle.Render(row[2])
		}
		t.Row(row...)
	}
	b.WriteString(t.Render())
	b.WriteByte('\n')

	if res.Statistic == estimate.Indicator {
		if over == 0 {
			b.WriteString(okStyle.Render(fmt.Sprintf("all %d links within epsilon %.3g", len(res.Links), epsilon)))
		} else {
			b.WriteString(warnStyle.Render(fmt.Sprintf("%d of %d links may exceed epsilon %.3g", over, len(res.Links), epsilon)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderQuantiles(qs []capacity.Quantile) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Excess load superquantiles"))
	b.WriteByte('\n')
	t := newTable("link", "capacity", "q", "z0")
	for _, q := range qs {
		t.Row(q.Link.String(), fmt.Sprintf("%.4f", q.Capacity), fmt.Sprintf("%.5f", q.Q), fmt.Sprintf("%.5f", q.Z0))
	}
	b.WriteString(t.Render())
	b.WriteByte('\n')
	return b.String()
}

func renderRounds(res *estimate.EscalationResult, tolerance float64) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Sample-size escalation"))
	b.WriteByte('\n')
	t := newTable("round", "samples", "max estimate", "max half-width", "elapsed")
	for _, r := range res.Rounds {
		t.Row(
			fmt.Sprintf("%d", r.Round),
			fmt.Sprintf("%d", r.Samples),
			fmt.Sprintf("%.5f", r.Result.MaxProbability()),
			fmt.Sprintf("%.2e", r.MaxHalfWidth),
			r.Elapsed.Round(time.Millisecond).String(),
		)
	}
	b.WriteString(t.Render())
	b.WriteByte('\n')
	if res.Converged {
		b.WriteString(okStyle.Render(fmt.Sprintf("converged: half-width below %.2e", tolerance)))
	} else {
		b.WriteString(warnStyle.Render(fmt.Sprintf("schedule exhausted before half-width reached %.2e", tolerance)))
	}
	b.WriteByte('\n')
	return b.String()
}

func renderReport(r *pipeline.Report, epsilon float64) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Run " + r.RunID))
	b.WriteByte('\n')
	kv(&b, "seed", "%d", r.Seed)
	kv(&b, "effective sample size", "%.1f", r.EffectiveSampleSize)
	if r.Stored != "" {
		kv(&b, "stored as", "%s", r.Stored)
	}
	kv(&b, "elapsed", "%s", r.Elapsed)
	if r.Solution == nil {
		b.WriteString(warnStyle.Render("no design: the model was infeasible"))
		b.WriteByte('\n')
		return b.String()
	}
	b.WriteString(renderSolution(r.Solution))
	if r.Validation != nil {
		b.WriteString(renderEstimate("Validation", r.Validation, epsilon, r.BinomialHalfWidth))
	}
	if len(r.Quantiles) > 0 {
		b.WriteString(renderQuantiles(r.Quantiles))
	}
	if r.UpperBound != nil {
		b.WriteString(renderEstimate("Design-time bound statistic", r.UpperBound, epsilon, nil))
	}
	return b.String()
}
