package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/mlflare/mlflare-go/client"
	"github.com/mlflare/mlflare-go/types"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
)

// runStatus lists recent runs, or shows one run when an id is given.
func runStatus(ctx context.Context, args []string, w io.Writer) int {
	opts, rest, err := parseArgs(args)
	if err == nil && len(rest) > 1 {
		err = fmt.Errorf("at most one run id is accepted")
	}
	if err != nil {
		log.Printf("status: %v", err)
		return 2
	}
	c, err := client.New(opts.url, opts.token, client.WithLogger(newLogger(opts.verbose)))
	if err != nil {
		log.Printf("status: %v", err)
		return 1
	}
	p := printer{w: w, color: isTerminal(w), now: time.Now()}

	if len(rest) == 1 {
		detail, err := c.GetRun(ctx, rest[0])
		if err != nil {
			log.Printf("status: %v", err)
			return 1
		}
		p.detail(detail)
		return 0
	}

	limit := opts.limit
	if limit == 0 {
		limit = 20
	}
	runs, err := c.ListRuns(ctx, limit)
	if err != nil {
		log.Printf("status: %v", err)
		return 1
	}
	if opts.project != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if r.Project == opts.project {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	p.runs(runs)
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type printer struct {
	w     io.Writer
	color bool
	now   time.Time
}

func (p printer) runs(runs []types.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, "No runs yet.")
		return
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPROJECT\tSTATUS\tSTEP\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Project,
			p.status(r.Status),
			humanize.Comma(int64(r.LastStep)),
			humanize.RelTime(r.CreatedAt, p.now, "ago", "from now"),
			p.duration(r),
		)
	}
	_ = tw.Flush()
}

func (p printer) detail(d types.RunDetail) {
	fmt.Fprintf(p.w, "Run:      %s\n", d.ID)
	if d.ExperimentID != "" {
		fmt.Fprintf(p.w, "Experiment: %s\n", d.ExperimentID)
	}
	fmt.Fprintf(p.w, "Project:  %s\n", d.Project)
	fmt.Fprintf(p.w, "Status:   %s\n", p.status(d.Status))
	fmt.Fprintf(p.w, "Started:  %s (%s)\n", d.CreatedAt.Local().Format(time.DateTime), humanize.RelTime(d.CreatedAt, p.now, "ago", "from now"))
	fmt.Fprintf(p.w, "Duration: %s\n", p.duration(d.RunSummary))
	if len(d.Config) > 0 {
		keys := make([]string, 0, len(d.Config))
		for k := range d.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(p.w, "Config:")
		for _, k := range keys {
			fmt.Fprintf(p.w, "  %s = %v\n", k, d.Config[k])
		}
	}
	if len(d.Metrics) == 0 {
		return
	}
	names := make([]string, 0, len(d.Metrics))
	for name := range d.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(p.w)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tLATEST\tSTEP\tMIN\tMAX\tPOINTS")
	for _, name := range names {
		m := d.Metrics[name]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			name,
			humanize.FtoaWithDigits(m.Value, 6),
			m.Step,
			humanize.FtoaWithDigits(m.Min, 6),
			humanize.FtoaWithDigits(m.Max, 6),
			humanize.Comma(int64(m.Count)),
		)
	}
	_ = tw.Flush()
}

func (p printer) status(s types.RunStatus) string {
	if !p.color {
		return string(s)
	}
	switch s {
	case types.StatusCompleted:
		return ansiGreen + string(s) + ansiReset
	case types.StatusFailed:
		return ansiRed + string(s) + ansiReset
	default:
		return ansiYellow + string(s) + ansiReset
	}
}

func (p printer) duration(r types.RunSummary) string {
	end := p.now
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	if r.CreatedAt.IsZero() || end.Before(r.CreatedAt) {
		return "-"
	}
	d := end.Sub(r.CreatedAt).Round(time.Second)
	if r.CompletedAt == nil {
		return d.String() + " (running)"
	}
	return d.String()
}
