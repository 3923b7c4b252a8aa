package scheduler

import (
	"time"

	"github.com/hazz-dev/uptimer/internal/check"
)

// SelectDue returns the active checks that are due at now, each at most once.
func SelectDue(checks []check.Check, now time.Time) []check.Check {
	seen := make(map[string]bool, len(checks))
	due := make([]check.Check, 0, len(checks))
	for _, c := range checks {
		if !c.Active || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if check.DueToRun(c, now) {
			due = append(due, c)
		}
	}
	return due
}
