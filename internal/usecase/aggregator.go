// Package usecase contains the business logic of the application.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"contribtrend/internal/domain"
	"contribtrend/internal/gateway"
)

// Saver persists the dataset at the end of a successful fetch pass.
type Saver func(*domain.Dataset) error

// Aggregator is the use case for building the monthly contribution dataset.
// It orchestrates fetching, merging and completeness bookkeeping.
type Aggregator struct {
	fetcher gateway.Fetcher
	save    Saver
	logger  *logrus.Logger
	now     func() time.Time
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(fetcher gateway.Fetcher, save Saver, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		fetcher: fetcher,
		save:    save,
		logger:  logger,
		now:     time.Now,
	}
}

// MonthsNeedingFetch returns every month from the epoch through the current
// one that is not yet complete for all requested repositories, in ascending
// order. The current in-progress month is always included: it cannot be
// complete yet.
func (a *Aggregator) MonthsNeedingFetch(ds *domain.Dataset, repos []string, today time.Time) []domain.Month {
	current := domain.MonthOf(today)
	var needed []domain.Month
	for _, m := range domain.MonthsBetween(domain.Epoch, current) {
		if m == current || !ds.IsCompleteFor(m, repos) {
			needed = append(needed, m)
		}
	}
	return needed
}

// Merge folds fetched events into the dataset, incrementing the count at
// (author, month). Events for months outside the needed set are dropped:
// those months are already complete and merging them again would double-count.
func (a *Aggregator) Merge(ds *domain.Dataset, events []domain.Event, needed map[domain.Month]bool) {
	tally := make(map[domain.EventKind]int)
	dropped := 0
	for _, ev := range events {
		if !needed[ev.Month] {
			dropped++
			continue
		}
		ds.Increment(ev.Author, ev.Month)
		tally[ev.Kind]++
	}
	a.logger.WithFields(logrus.Fields{
		"prs_opened":     tally[domain.KindPROpened],
		"pr_reviews":     tally[domain.KindPRReview],
		"pr_comments":    tally[domain.KindPRComment],
		"issues_opened":  tally[domain.KindIssueOpened],
		"issue_comments": tally[domain.KindIssueComment],
		"dropped":        dropped,
	}).Debug("Merged contribution events.")
}

// Run performs a full fetch pass: it resolves the requested repository set,
// discards and refetches every month not yet complete for that exact set,
// and persists the updated dataset once everything has merged cleanly. It
// works on a copy; on any error the input dataset and the previously saved
// file are left untouched.
func (a *Aggregator) Run(ctx context.Context, ds *domain.Dataset, orgs, repos, excluded []string) (*domain.Dataset, error) {
	targets, err := a.resolveTargets(ctx, orgs, repos, excluded)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no repositories to fetch")
	}
	ds = ds.Clone()

	today := a.now().UTC()
	current := domain.MonthOf(today)
	needed := a.MonthsNeedingFetch(ds, targets, today)

	neededSet := make(map[domain.Month]bool, len(needed))
	for _, m := range needed {
		neededSet[m] = true
	}

	a.logger.WithFields(logrus.Fields{
		"repos":  len(targets),
		"months": len(needed),
	}).Info("Usecase: Starting fetch pass...")

	// Counts for a month being refetched are recomputed from scratch.
	ds.DiscardMonths(needed)

	// One span per repository, from the earliest needed month through the
	// current one. Events for complete months inside the span are dropped by
	// Merge; the fetcher's update-time search recovers late reviews and
	// comments on items older than the span, so recomputation never loses
	// activity attributed to a refetched month.
	for _, repo := range targets {
		events, err := a.fetcher.FetchEvents(ctx, repo, needed[0], current)
		if err != nil {
			return nil, err
		}
		a.Merge(ds, events, neededSet)
		// Record this repository into every fetched month. The current
		// month is excluded: it can never be complete.
		for _, m := range needed {
			if m == current {
				continue
			}
			ds.MarkComplete(m, []string{repo})
		}
	}

	// An explicit zero distinguishes a fetched-but-quiet month from an
	// unfetched one. Every month from the epoch through today has been
	// fetched at some point, so every author gets the full span: without
	// this, an author first seen in an incremental run would carry gaps in
	// months that were completed before they appeared.
	ds.Backfill(domain.MonthsBetween(domain.Epoch, current))

	if err := a.save(ds); err != nil {
		return nil, fmt.Errorf("failed to persist dataset: %w", err)
	}
	a.logger.Info("Usecase: Fetch pass complete.")
	return ds, nil
}

// resolveTargets expands organizations into their repositories, merges in the
// explicitly requested ones, and removes exclusions. An excluded repository
// is skipped even when its organization was requested.
func (a *Aggregator) resolveTargets(ctx context.Context, orgs, repos, excluded []string) ([]string, error) {
	skip := make(map[string]bool, len(excluded))
	for _, r := range excluded {
		if err := validateRepoName(r); err != nil {
			return nil, err
		}
		skip[r] = true
	}

	set := make(map[string]bool)
	for _, r := range repos {
		if err := validateRepoName(r); err != nil {
			return nil, err
		}
		if !skip[r] {
			set[r] = true
		}
	}
	for _, org := range orgs {
		resolved, err := a.fetcher.ResolveOrgRepos(ctx, org)
		if err != nil {
			return nil, err
		}
		for _, r := range resolved {
			if !skip[r] {
				set[r] = true
			}
		}
	}

	targets := make([]string, 0, len(set))
	for r := range set {
		targets = append(targets, r)
	}
	sort.Strings(targets)
	return targets, nil
}

func validateRepoName(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repository %q must be of the form owner/name", repo)
	}
	return nil
}
