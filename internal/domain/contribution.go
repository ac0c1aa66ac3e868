// Package domain contains the core data structures and domain logic for the application.
package domain

import (
	"fmt"
	"slices"
	"time"
)

// Epoch is the earliest month the dataset covers.
var Epoch = Month{Year: 2013, Mon: time.January}

// Month identifies a single UTC calendar month.
type Month struct {
	Year int
	Mon  time.Month
}

// ParseMonth parses a month in "YYYY-MM" form.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (want YYYY-MM): %w", s, err)
	}
	return Month{Year: t.Year(), Mon: t.Month()}, nil
}

// MonthOf returns the UTC calendar month containing t.
func MonthOf(t time.Time) Month {
	u := t.UTC()
	return Month{Year: u.Year(), Mon: u.Month()}
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Mon))
}

// Next returns the month immediately following m.
func (m Month) Next() Month {
	if m.Mon == time.December {
		return Month{Year: m.Year + 1, Mon: time.January}
	}
	return Month{Year: m.Year, Mon: m.Mon + 1}
}

// Before reports whether m is strictly earlier than other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}
	return m.Mon < other.Mon
}

// FirstDay returns midnight UTC on the first day of the month.
func (m Month) FirstDay() time.Time {
	return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC)
}

// LastDay returns the date of the final day of the month.
func (m Month) LastDay() time.Time {
	return m.Next().FirstDay().AddDate(0, 0, -1)
}

// Index returns the number of months m lies after from.
func (m Month) Index(from Month) int {
	return (m.Year-from.Year)*12 + int(m.Mon) - int(from.Mon)
}

// MonthsBetween returns every month from a through b inclusive.
func MonthsBetween(a, b Month) []Month {
	if b.Before(a) {
		return nil
	}
	months := make([]Month, 0, b.Index(a)+1)
	for m := a; !b.Before(m); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// EventKind classifies a single contribution event.
type EventKind string

const (
	KindIssueOpened  EventKind = "issue_opened"
	KindIssueComment EventKind = "issue_comment"
	KindPROpened     EventKind = "pr_opened"
	KindPRComment    EventKind = "pr_comment"
	KindPRReview     EventKind = "pr_review"
)

// Event is one contribution attributed to an author and a calendar month.
type Event struct {
	Repo   string
	Author string
	Kind   EventKind
	Month  Month
}

// Dataset is the persisted per-author, per-month contribution mapping.
// For any author present, a month with an explicit count (possibly zero)
// has been fetched; an absent month has not.
type Dataset struct {
	// Authors maps author login -> month -> contribution count.
	Authors map[string]map[Month]int
	// Complete maps a month to the sorted set of repositories whose events
	// for that month have been merged in.
	Complete map[Month][]string
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Authors:  make(map[string]map[Month]int),
		Complete: make(map[Month][]string),
	}
}

// Increment adds one contribution for the author in the given month,
// inserting the author/month entry if absent.
func (d *Dataset) Increment(author string, m Month) {
	months, ok := d.Authors[author]
	if !ok {
		months = make(map[Month]int)
		d.Authors[author] = months
	}
	months[m]++
}

// DiscardMonths removes all counts and completeness records for the given
// months. Counts for a month about to be refetched are recomputed from
// scratch rather than incrementally trusted.
func (d *Dataset) DiscardMonths(months []Month) {
	for _, m := range months {
		delete(d.Complete, m)
		for author, counts := range d.Authors {
			delete(counts, m)
			if len(counts) == 0 {
				delete(d.Authors, author)
			}
		}
	}
}

// MarkComplete records that repos' events for month m have been merged.
func (d *Dataset) MarkComplete(m Month, repos []string) {
	merged := append(d.Complete[m], repos...)
	slices.Sort(merged)
	d.Complete[m] = slices.Compact(merged)
}

// IsCompleteFor reports whether month m is complete for every one of the
// requested repositories.
func (d *Dataset) IsCompleteFor(m Month, repos []string) bool {
	done := d.Complete[m]
	for _, r := range repos {
		if !slices.Contains(done, r) {
			return false
		}
	}
	return true
}

// Backfill sets an explicit zero for every given month on every author
// already present, marking those months as fetched.
func (d *Dataset) Backfill(months []Month) {
	for _, counts := range d.Authors {
		for _, m := range months {
			if _, ok := counts[m]; !ok {
				counts[m] = 0
			}
		}
	}
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	c := NewDataset()
	for author, counts := range d.Authors {
		cc := make(map[Month]int, len(counts))
		for m, n := range counts {
			cc[m] = n
		}
		c.Authors[author] = cc
	}
	for m, repos := range d.Complete {
		c.Complete[m] = slices.Clone(repos)
	}
	return c
}
