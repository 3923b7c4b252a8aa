package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/scheduler"
)

type tickRunner interface {
	RunDueChecksOnce(ctx context.Context, now time.Time) (scheduler.Report, error)
}

type checkLister interface {
	ListChecks(ctx context.Context) ([]check.Check, error)
}

// executeTick runs one tick and prints a row per probed check. It returns an
// error when any check is unhealthy or could not be recorded.
func executeTick(ctx context.Context, out io.Writer, runner tickRunner, store checkLister, now time.Time) error {
	report, err := runner.RunDueChecksOnce(ctx, now)
	if err != nil {
		return fmt.Errorf("running tick: %w", err)
	}
	if report.Due == 0 {
		fmt.Fprintln(out, "No checks due.")
		return nil
	}

	checks, err := store.ListChecks(ctx)
	if err != nil {
		return fmt.Errorf("listing checks: %w", err)
	}
	names := make(map[string]string, len(checks))
	for _, c := range checks {
		names[c.ID] = c.Name
	}
	nameOf := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}

	results := append([]check.Result(nil), report.Results...)
	sort.Slice(results, func(i, j int) bool { return nameOf(results[i].CheckID) < nameOf(results[j].CheckID) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tHTTP\tLATENCY\tERROR")
	allHealthy := true
	for _, r := range results {
		code := "-"
		if r.HTTPStatus != nil {
			code = fmt.Sprint(*r.HTTPStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			nameOf(r.CheckID),
			r.Status,
			code,
			r.Latency.Round(time.Millisecond),
			r.Error,
		)
		if r.Status != check.StatusHealthy {
			allHealthy = false
		}
	}
	failed := make([]string, 0, len(report.Failures))
	for id := range report.Failures {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "%s\t%s\t-\t-\t%v\n", nameOf(id), "not recorded", report.Failures[id])
	}
	w.Flush()

	if len(failed) > 0 {
		return fmt.Errorf("%d check(s) could not be recorded", len(failed))
	}
	if !allHealthy {
		return fmt.Errorf("one or more checks are unhealthy")
	}
	return nil
}
