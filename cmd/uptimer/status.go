package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/storage"
	"github.com/hazz-dev/uptimer/internal/uptime"
)

func executeStatus(ctx context.Context, out io.Writer, db checkLister) error {
	checks, err := db.ListChecks(ctx)
	if err != nil {
		return fmt.Errorf("querying checks: %w", err)
	}

	if len(checks) == 0 {
		fmt.Fprintln(out, "No checks defined. Add one through the API or the config file.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tLATENCY\tFAILS\tLAST RUN\tURL")
	for _, c := range checks {
		status := string(c.LastStatus)
		if !c.Active {
			status += " (paused)"
		}
		latency := "-"
		if c.LastLatency != nil {
			latency = c.LastLatency.Round(time.Millisecond).String()
		}
		lastRun := "never"
		if c.LastRunAt != nil {
			lastRun = c.LastRunAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s %s\n",
			c.Name,
			status,
			latency,
			c.ConsecutiveFails,
			lastRun,
			c.Method,
			c.URL,
		)
	}
	w.Flush()
	return nil
}

type summaryStore interface {
	GetCheck(ctx context.Context, id string) (*check.Check, error)
	GetCheckByName(ctx context.Context, name string) (*check.Check, error)
	uptime.ResultLister
}

// executeSummary prints the uptime of the check identified by ref, which is
// either its ID or its name.
func executeSummary(ctx context.Context, out io.Writer, db summaryStore, ref, window string, now time.Time) error {
	d, err := uptime.ParseWindow(window)
	if err != nil {
		return err
	}

	c, err := db.GetCheck(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		c, err = db.GetCheckByName(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no check with id or name %q", ref)
	}
	if err != nil {
		return fmt.Errorf("looking up check: %w", err)
	}

	sum, err := uptime.Summarize(ctx, db, c.ID, d, now)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d%% up over %s (%d/%d checks)\n", c.Name, sum.UptimePct, sum.Window, sum.Up, sum.TotalChecks)
	return nil
}
