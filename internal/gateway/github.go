// Package gateway provides a gateway to the GitHub API,
// abstracting away the underlying REST and GraphQL clients.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"

	"contribtrend/internal/domain"
)

// FetchError indicates a remote request failed after exhausting retries or
// returned an unrecoverable response.
type FetchError struct {
	Repo string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Repo == "" {
		return fmt.Sprintf("fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("fetch failed for %s: %v", e.Repo, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher defines the behavior of a gateway for fetching information from GitHub.
type Fetcher interface {
	// ResolveOrgRepos lists the organization's repositories as "owner/name",
	// skipping archived and empty repositories.
	ResolveOrgRepos(ctx context.Context, org string) ([]string, error)
	// FetchEvents enumerates contribution events for the repository: every
	// event on a PR or issue created within [from, to], plus review and
	// comment events on older PRs and issues that saw activity on or after
	// the start of the range. The second group is what makes refetching a
	// month safe: a review submitted this month on a PR opened long ago is
	// found again by its parent's update time. Events are attributed to
	// their own timestamps, which may fall outside the range; the caller
	// filters.
	FetchEvents(ctx context.Context, repo string, from, to domain.Month) ([]domain.Event, error)
}

// GitHubGateway is the concrete implementation of the Fetcher interface.
type GitHubGateway struct {
	restClient    *github.Client
	graphqlClient *githubv4.Client
	logger        *logrus.Logger
	maxAttempts   int
	sleep         func(time.Duration)
}

// actor is a GraphQL author field. It is used behind a pointer wherever the
// account may have been deleted, in which case the whole object is null.
type actor struct {
	Login githubv4.String
}

// prSearchQuery enumerates pull requests created in a date window together
// with their first page of reviews and comments. The search page size is
// deliberately small: each PR node carries two nested connections, and large
// pages trip GitHub's node limit.
type prSearchQuery struct {
	Search struct {
		PageInfo struct {
			HasNextPage bool
			EndCursor   githubv4.String
		}
		Nodes []struct {
			Typename    string `graphql:"__typename"`
			PullRequest struct {
				Number    githubv4.Int
				CreatedAt githubv4.DateTime
				Author    *actor
				Reviews   struct {
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
					Nodes []reviewNode
				} `graphql:"reviews(first: 100)"`
				Comments struct {
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
					Nodes []commentNode
				} `graphql:"comments(first: 100)"`
			} `graphql:"... on PullRequest"`
		}
	} `graphql:"search(query: $query, type: ISSUE, first: 50, after: $cursor)"`
}

// issueSearchQuery enumerates issues created in a date window together with
// their first page of comments.
type issueSearchQuery struct {
	Search struct {
		PageInfo struct {
			HasNextPage bool
			EndCursor   githubv4.String
		}
		Nodes []struct {
			Typename string `graphql:"__typename"`
			Issue    struct {
				Number    githubv4.Int
				CreatedAt githubv4.DateTime
				Author    *actor
				Comments  struct {
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
					Nodes []commentNode
				} `graphql:"comments(first: 100)"`
			} `graphql:"... on Issue"`
		}
	} `graphql:"search(query: $query, type: ISSUE, first: 50, after: $cursor)"`
}

type reviewNode struct {
	Author *actor
	// SubmittedAt is null for a review that was started but never submitted.
	SubmittedAt *githubv4.DateTime
}

type commentNode struct {
	Author    *actor
	CreatedAt githubv4.DateTime
}

// prReviewsQuery follows review pages beyond the first for a single PR.
type prReviewsQuery struct {
	Repository struct {
		PullRequest struct {
			Reviews struct {
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
				Nodes []reviewNode
			} `graphql:"reviews(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// prCommentsQuery follows comment pages beyond the first for a single PR.
type prCommentsQuery struct {
	Repository struct {
		PullRequest struct {
			Comments struct {
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
				Nodes []commentNode
			} `graphql:"comments(first: 100, after: $cursor)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// issueCommentsQuery follows comment pages beyond the first for a single issue.
type issueCommentsQuery struct {
	Repository struct {
		Issue struct {
			Comments struct {
				PageInfo struct {
					HasNextPage bool
					EndCursor   githubv4.String
				}
				Nodes []commentNode
			} `graphql:"comments(first: 100, after: $cursor)"`
		} `graphql:"issue(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// NewGitHubGateway is a constructor that creates a new instance of GitHubGateway.
// The token is optional; without one requests run unauthenticated and are
// subject to much lower rate limits.
func NewGitHubGateway(token string, logger *logrus.Logger) (Fetcher, error) {
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(1*time.Hour, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	var transport http.RoundTripper = rateLimitWaiter
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Base: rateLimitWaiter, Source: ts}
	}
	httpClient := &http.Client{Transport: transport}
	return &GitHubGateway{
		restClient:    github.NewClient(httpClient),
		graphqlClient: githubv4.NewClient(httpClient),
		logger:        logger,
		maxAttempts:   defaultMaxAttempts,
		sleep:         time.Sleep,
	}, nil
}

// ResolveOrgRepos lists the organization's repositories via the REST API.
func (g *GitHubGateway) ResolveOrgRepos(ctx context.Context, org string) ([]string, error) {
	g.logger.WithField("org", org).Info("Resolving organization repositories...")
	opts := &github.RepositoryListByOrgOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var repos []string
	for {
		var page []*github.Repository
		var resp *github.Response
		err := g.withRetry(ctx, org, func() error {
			var err error
			page, resp, err = g.restClient.Repositories.ListByOrg(ctx, org, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, repo := range page {
			// Archived repositories and empty repositories (nothing has
			// ever been pushed, so there is no activity to count) are skipped.
			if repo.GetArchived() || repo.GetSize() == 0 {
				continue
			}
			repos = append(repos, fmt.Sprintf("%s/%s", org, repo.GetName()))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
		g.logger.WithField("org", org).Debug("  Fetching next page of repositories...")
	}
	g.logger.WithFields(logrus.Fields{"org": org, "repos": len(repos)}).Info("Resolved organization repositories.")
	return repos, nil
}

// FetchEvents enumerates all contribution events for the repository: items
// created within [from, to], plus review and comment activity landing on
// older items since the range opened.
func (g *GitHubGateway) FetchEvents(ctx context.Context, repo string, from, to domain.Month) ([]domain.Event, error) {
	g.logger.WithFields(logrus.Fields{
		"repo": repo,
		"from": from.String(),
		"to":   to.String(),
	}).Info("Fetching contribution events...")

	floor := from.FirstDay().Format("2006-01-02")
	window := fmt.Sprintf("%s..%s", floor, to.LastDay().Format("2006-01-02"))

	// Two searches per item type. The first finds items created inside the
	// window. The second finds older items updated since the window opened:
	// their reviews and comments may land inside it, and a creation-window
	// search alone would never see them again. The two are disjoint on
	// creation date, so no item is visited twice.
	prQueries := []string{
		fmt.Sprintf("repo:%s is:pr created:%s", repo, window),
		fmt.Sprintf("repo:%s is:pr created:<%s updated:>=%s", repo, floor, floor),
	}
	issueQueries := []string{
		fmt.Sprintf("repo:%s is:issue created:%s", repo, window),
		fmt.Sprintf("repo:%s is:issue created:<%s updated:>=%s", repo, floor, floor),
	}

	var events []domain.Event
	for _, query := range prQueries {
		found, err := g.fetchPREvents(ctx, repo, query)
		if err != nil {
			return nil, err
		}
		events = append(events, found...)
	}
	for _, query := range issueQueries {
		found, err := g.fetchIssueEvents(ctx, repo, query)
		if err != nil {
			return nil, err
		}
		events = append(events, found...)
	}

	g.logger.WithFields(logrus.Fields{"repo": repo, "events": len(events)}).Info("Completed fetching contribution events.")
	return events, nil
}

func (g *GitHubGateway) fetchPREvents(ctx context.Context, repo, query string) ([]domain.Event, error) {
	variables := map[string]interface{}{
		"query":  githubv4.String(query),
		"cursor": (*githubv4.String)(nil),
	}

	var events []domain.Event
	for {
		var q prSearchQuery
		if err := g.queryWithRetry(ctx, repo, &q, variables); err != nil {
			return nil, err
		}
		for _, node := range q.Search.Nodes {
			if node.Typename != "PullRequest" {
				continue
			}
			pr := node.PullRequest
			// A PR author can be nil if the account was deleted.
			if pr.Author != nil {
				events = append(events, domain.Event{
					Repo:   repo,
					Author: string(pr.Author.Login),
					Kind:   domain.KindPROpened,
					Month:  domain.MonthOf(pr.CreatedAt.Time),
				})
			}
			for _, review := range pr.Reviews.Nodes {
				events = appendReviewEvent(events, repo, review)
			}
			if pr.Reviews.PageInfo.HasNextPage {
				more, err := g.fetchRemainingReviews(ctx, repo, int(pr.Number), pr.Reviews.PageInfo.EndCursor)
				if err != nil {
					return nil, err
				}
				events = append(events, more...)
			}
			for _, comment := range pr.Comments.Nodes {
				events = appendCommentEvent(events, repo, domain.KindPRComment, comment)
			}
			if pr.Comments.PageInfo.HasNextPage {
				more, err := g.fetchRemainingPRComments(ctx, repo, int(pr.Number), pr.Comments.PageInfo.EndCursor)
				if err != nil {
					return nil, err
				}
				events = append(events, more...)
			}
		}
		if !q.Search.PageInfo.HasNextPage {
			break
		}
		variables["cursor"] = githubv4.NewString(q.Search.PageInfo.EndCursor)
		g.logger.WithField("repo", repo).Debug("  Fetching next page of pull requests...")
	}
	return events, nil
}

func (g *GitHubGateway) fetchIssueEvents(ctx context.Context, repo, query string) ([]domain.Event, error) {
	variables := map[string]interface{}{
		"query":  githubv4.String(query),
		"cursor": (*githubv4.String)(nil),
	}

	var events []domain.Event
	for {
		var q issueSearchQuery
		if err := g.queryWithRetry(ctx, repo, &q, variables); err != nil {
			return nil, err
		}
		for _, node := range q.Search.Nodes {
			if node.Typename != "Issue" {
				continue
			}
			issue := node.Issue
			// An issue author can be nil if the account was deleted.
			if issue.Author != nil {
				events = append(events, domain.Event{
					Repo:   repo,
					Author: string(issue.Author.Login),
					Kind:   domain.KindIssueOpened,
					Month:  domain.MonthOf(issue.CreatedAt.Time),
				})
			}
			for _, comment := range issue.Comments.Nodes {
				events = appendCommentEvent(events, repo, domain.KindIssueComment, comment)
			}
			if issue.Comments.PageInfo.HasNextPage {
				more, err := g.fetchRemainingIssueComments(ctx, repo, int(issue.Number), issue.Comments.PageInfo.EndCursor)
				if err != nil {
					return nil, err
				}
				events = append(events, more...)
			}
		}
		if !q.Search.PageInfo.HasNextPage {
			break
		}
		variables["cursor"] = githubv4.NewString(q.Search.PageInfo.EndCursor)
		g.logger.WithField("repo", repo).Debug("  Fetching next page of issues...")
	}
	return events, nil
}

func (g *GitHubGateway) fetchRemainingReviews(ctx context.Context, repo string, number int, cursor githubv4.String) ([]domain.Event, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(number),
		"cursor": githubv4.NewString(cursor),
	}
	var events []domain.Event
	for {
		var q prReviewsQuery
		if err := g.queryWithRetry(ctx, repo, &q, variables); err != nil {
			return nil, err
		}
		for _, review := range q.Repository.PullRequest.Reviews.Nodes {
			events = appendReviewEvent(events, repo, review)
		}
		if !q.Repository.PullRequest.Reviews.PageInfo.HasNextPage {
			return events, nil
		}
		variables["cursor"] = githubv4.NewString(q.Repository.PullRequest.Reviews.PageInfo.EndCursor)
	}
}

func (g *GitHubGateway) fetchRemainingPRComments(ctx context.Context, repo string, number int, cursor githubv4.String) ([]domain.Event, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(number),
		"cursor": githubv4.NewString(cursor),
	}
	var events []domain.Event
	for {
		var q prCommentsQuery
		if err := g.queryWithRetry(ctx, repo, &q, variables); err != nil {
			return nil, err
		}
		for _, comment := range q.Repository.PullRequest.Comments.Nodes {
			events = appendCommentEvent(events, repo, domain.KindPRComment, comment)
		}
		if !q.Repository.PullRequest.Comments.PageInfo.HasNextPage {
			return events, nil
		}
		variables["cursor"] = githubv4.NewString(q.Repository.PullRequest.Comments.PageInfo.EndCursor)
	}
}

func (g *GitHubGateway) fetchRemainingIssueComments(ctx context.Context, repo string, number int, cursor githubv4.String) ([]domain.Event, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(number),
		"cursor": githubv4.NewString(cursor),
	}
	var events []domain.Event
	for {
		var q issueCommentsQuery
		if err := g.queryWithRetry(ctx, repo, &q, variables); err != nil {
			return nil, err
		}
		for _, comment := range q.Repository.Issue.Comments.Nodes {
			events = appendCommentEvent(events, repo, domain.KindIssueComment, comment)
		}
		if !q.Repository.Issue.Comments.PageInfo.HasNextPage {
			return events, nil
		}
		variables["cursor"] = githubv4.NewString(q.Repository.Issue.Comments.PageInfo.EndCursor)
	}
}

func appendReviewEvent(events []domain.Event, repo string, review reviewNode) []domain.Event {
	// A review author can be nil if the account was deleted. A started but
	// unsubmitted review has no submission timestamp.
	if review.Author == nil || review.SubmittedAt == nil {
		return events
	}
	return append(events, domain.Event{
		Repo:   repo,
		Author: string(review.Author.Login),
		Kind:   domain.KindPRReview,
		Month:  domain.MonthOf(review.SubmittedAt.Time),
	})
}

func appendCommentEvent(events []domain.Event, repo string, kind domain.EventKind, comment commentNode) []domain.Event {
	if comment.Author == nil {
		return events
	}
	return append(events, domain.Event{
		Repo:   repo,
		Author: string(comment.Author.Login),
		Kind:   kind,
		Month:  domain.MonthOf(comment.CreatedAt.Time),
	})
}

func splitRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			owner, name = repo[:i], repo[i+1:]
			if owner == "" || name == "" {
				break
			}
			return owner, name, nil
		}
	}
	return "", "", fmt.Errorf("repository %q must be of the form owner/name", repo)
}
