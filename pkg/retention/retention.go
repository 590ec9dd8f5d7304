// Package retention decides which backups survive a cleanup pass.
//
// The planner is a pure function over a record set, a tier policy and a
// reference time. It performs no I/O and holds no state, so the same
// inputs always produce the same plan and the whole policy is testable
// without touching a filesystem.
package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/cronos-project/cronos-backup/pkg/record"
)

// Bucket key layouts, one per tier.
const (
	dayFormat   = "2006-01-02" // YYYY-MM-DD
	weekFormat  = "%d-%d"      // Sprintf format for "YYYY-WW" using year and ISO week number (weeks start on Monday). Go's time package has no layout code for the ISO week; time.ISOWeek() is the only way to get it.
	monthFormat = "2006-01"    // YYYY-MM
)

// Day-distance windows per tier, in calendar days from the reference
// time. A tier only considers records no older than its window, so a
// policy of 4 weekly backups looks back four weeks, not forever.
const (
	daysPerWeek  = 7
	daysPerMonth = 31
)

// Policy holds the tier sizes: how many distinct calendar days, ISO
// weeks and calendar months to keep a representative backup for.
// A tier size of zero disables that tier.
type Policy struct {
	Daily   int
	Weekly  int
	Monthly int
}

// Decision pairs a surviving record with the tier that claimed it.
type Decision struct {
	Record   record.BackupRecord
	Category record.RetentionCategory
}

// Plan is the outcome of a planning pass: every input record lands in
// exactly one of the two lists, both ordered newest first.
type Plan struct {
	Keep   []Decision
	Delete []record.BackupRecord
}

// KeptIDs returns the surviving record IDs mapped to their category.
func (p Plan) KeptIDs() map[string]record.RetentionCategory {
	ids := make(map[string]record.RetentionCategory, len(p.Keep))
	for _, d := range p.Keep {
		ids[d.Record.ID] = d.Category
	}
	return ids
}

// Compute applies the retention policy to records as of now.
//
// Records are walked newest to oldest. The rules are processed from
// shortest to longest duration; once a record is kept it is not
// considered for longer-duration rules. This "promotes" a record to the
// highest-frequency slot it qualifies for: each tier keeps at most one
// record per distinct bucket (calendar day, ISO week, calendar month),
// fills at most its policy count of buckets, and only considers records
// inside its look-back window.
//
// The overall newest record always survives. If no tier claimed it, it
// is kept with the "latest" category, so a record set is never pruned
// to nothing. The plan therefore holds at most daily+weekly+monthly+1
// records.
func Compute(records []record.BackupRecord, pol Policy, now time.Time) Plan {
	sorted := make([]record.BackupRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		// Ties fall back to the id so the plan never depends on input order.
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	// Track which buckets already hold a representative.
	savedDaily := make(map[string]bool)
	savedWeekly := make(map[string]bool)
	savedMonthly := make(map[string]bool)

	kept := make(map[string]record.RetentionCategory, len(sorted))

	for _, b := range sorted {
		age := ageInDays(b.Timestamp, now)

		dayKey := b.Timestamp.UTC().Format(dayFormat)
		if pol.Daily > 0 && age <= pol.Daily && len(savedDaily) < pol.Daily && !savedDaily[dayKey] {
			kept[b.ID] = record.CategoryDaily
			savedDaily[dayKey] = true
			continue // Promoted to daily, skip longer rules
		}

		year, week := b.Timestamp.UTC().ISOWeek()
		weekKey := fmt.Sprintf(weekFormat, year, week)
		if pol.Weekly > 0 && age <= pol.Weekly*daysPerWeek && len(savedWeekly) < pol.Weekly && !savedWeekly[weekKey] {
			kept[b.ID] = record.CategoryWeekly
			savedWeekly[weekKey] = true
			continue // Promoted to weekly
		}

		monthKey := b.Timestamp.UTC().Format(monthFormat)
		if pol.Monthly > 0 && age <= pol.Monthly*daysPerMonth && len(savedMonthly) < pol.Monthly && !savedMonthly[monthKey] {
			kept[b.ID] = record.CategoryMonthly
			savedMonthly[monthKey] = true
		}
	}

	// The newest record survives even when every tier passed it over.
	if len(sorted) > 0 {
		if _, ok := kept[sorted[0].ID]; !ok {
			kept[sorted[0].ID] = record.CategoryLatest
		}
	}

	var plan Plan
	for _, b := range sorted {
		if cat, ok := kept[b.ID]; ok {
			plan.Keep = append(plan.Keep, Decision{Record: b, Category: cat})
		} else {
			plan.Delete = append(plan.Delete, b)
		}
	}
	return plan
}

// ageInDays returns the distance between ts and now in whole calendar
// days, in UTC. A backup taken earlier today has age 0 regardless of
// the hour.
func ageInDays(ts, now time.Time) int {
	tsDay := truncateToDay(ts)
	nowDay := truncateToDay(now)
	return int(nowDay.Sub(tsDay).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
