package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMonth(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    Month
		expectError bool
	}{
		{name: "valid month", input: "2024-03", expected: Month{Year: 2024, Mon: time.March}},
		{name: "epoch", input: "2013-01", expected: Epoch},
		{name: "missing month part", input: "2024", expectError: true},
		{name: "day included", input: "2024-03-01", expectError: true},
		{name: "garbage", input: "not-a-month", expectError: true},
		{name: "month out of range", input: "2024-13", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ParseMonth(tc.input)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expected, m)
				assert.Equal(t, tc.input, m.String())
			}
		})
	}
}

func TestMonthOf_UsesUTC(t *testing.T) {
	// Half past midnight on Jan 1 in UTC+9 is still December in UTC.
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	ts := time.Date(2024, time.January, 1, 0, 30, 0, 0, tokyo)
	assert.Equal(t, Month{Year: 2023, Mon: time.December}, MonthOf(ts))
}

func TestMonthArithmetic(t *testing.T) {
	dec := Month{Year: 2023, Mon: time.December}
	jan := Month{Year: 2024, Mon: time.January}

	assert.Equal(t, jan, dec.Next())
	assert.True(t, dec.Before(jan))
	assert.False(t, jan.Before(dec))
	assert.False(t, jan.Before(jan))
	assert.Equal(t, 1, jan.Index(dec))
	assert.Equal(t, 13, Month{Year: 2025, Mon: time.January}.Index(dec))

	assert.Equal(t, "2024-03-01", Month{Year: 2024, Mon: time.March}.FirstDay().Format("2006-01-02"))
	assert.Equal(t, "2024-02-29", Month{Year: 2024, Mon: time.February}.LastDay().Format("2006-01-02"))
}

func TestMonthsBetween(t *testing.T) {
	from := Month{Year: 2023, Mon: time.November}
	to := Month{Year: 2024, Mon: time.February}

	months := MonthsBetween(from, to)
	require.Len(t, months, 4)
	assert.Equal(t, from, months[0])
	assert.Equal(t, to, months[3])

	assert.Nil(t, MonthsBetween(to, from))
	assert.Equal(t, []Month{from}, MonthsBetween(from, from))
}

func TestDataset_IncrementAndDiscard(t *testing.T) {
	mar := Month{Year: 2024, Mon: time.March}
	apr := Month{Year: 2024, Mon: time.April}

	ds := NewDataset()
	ds.Increment("alice", mar)
	ds.Increment("alice", mar)
	ds.Increment("bob", apr)
	ds.MarkComplete(mar, []string{"acme/widgets"})

	assert.Equal(t, 2, ds.Authors["alice"][mar])
	assert.Equal(t, 1, ds.Authors["bob"][apr])

	ds.DiscardMonths([]Month{mar})
	_, aliceLeft := ds.Authors["alice"]
	assert.False(t, aliceLeft, "author with no remaining months should be dropped")
	assert.Equal(t, 1, ds.Authors["bob"][apr])
	assert.Empty(t, ds.Complete[mar])
}

func TestDataset_Completeness(t *testing.T) {
	mar := Month{Year: 2024, Mon: time.March}

	ds := NewDataset()
	ds.MarkComplete(mar, []string{"acme/widgets"})
	assert.True(t, ds.IsCompleteFor(mar, []string{"acme/widgets"}))
	assert.False(t, ds.IsCompleteFor(mar, []string{"acme/widgets", "acme/gadgets"}))

	// Marking again with an overlapping set stays sorted and deduped.
	ds.MarkComplete(mar, []string{"acme/gadgets", "acme/widgets"})
	assert.Equal(t, []string{"acme/gadgets", "acme/widgets"}, ds.Complete[mar])
	assert.True(t, ds.IsCompleteFor(mar, []string{"acme/widgets", "acme/gadgets"}))
}

func TestDataset_Backfill(t *testing.T) {
	mar := Month{Year: 2024, Mon: time.March}
	apr := Month{Year: 2024, Mon: time.April}

	ds := NewDataset()
	ds.Increment("alice", mar)
	ds.Backfill([]Month{mar, apr})

	assert.Equal(t, 1, ds.Authors["alice"][mar])
	count, ok := ds.Authors["alice"][apr]
	assert.True(t, ok, "backfilled month should be explicitly present")
	assert.Equal(t, 0, count)
}

func TestDataset_Clone(t *testing.T) {
	mar := Month{Year: 2024, Mon: time.March}

	ds := NewDataset()
	ds.Increment("alice", mar)
	ds.MarkComplete(mar, []string{"acme/widgets"})

	clone := ds.Clone()
	clone.Increment("alice", mar)
	clone.MarkComplete(mar, []string{"acme/gadgets"})

	assert.Equal(t, 1, ds.Authors["alice"][mar])
	assert.Equal(t, []string{"acme/widgets"}, ds.Complete[mar])
	assert.Equal(t, 2, clone.Authors["alice"][mar])
}
