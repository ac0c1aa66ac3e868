package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribtrend/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestGateway creates a GitHubGateway that communicates with a mock HTTP server.
func setupTestGateway(t *testing.T, handler http.Handler) (*GitHubGateway, *httptest.Server) {
	server := httptest.NewServer(handler)

	// Setup REST client to point to the mock server.
	restClient := github.NewClient(server.Client())
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	restClient.BaseURL = baseURL

	// Use NewEnterpriseClient to point the GraphQL client to our mock server's URL.
	graphqlClient := githubv4.NewEnterpriseClient(server.URL, server.Client())

	gateway := &GitHubGateway{
		restClient:    restClient,
		graphqlClient: graphqlClient,
		logger:        testLogger(),
		maxAttempts:   2,
		sleep:         func(time.Duration) {},
	}

	return gateway, server
}

func month(s string) domain.Month {
	m, err := domain.ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

func TestGitHubGateway_ResolveOrgRepos(t *testing.T) {
	testCases := []struct {
		name        string
		handlerFunc func(w http.ResponseWriter, r *http.Request)
		expected    []string
		expectError bool
	}{
		{
			name: "happy path - skips archived and empty repositories",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.URL.Path, "/orgs/acme/repos")
				w.WriteHeader(http.StatusOK)
				fmt.Fprint(w, `[
					{"name": "widgets", "archived": false, "size": 120},
					{"name": "attic", "archived": true, "size": 40},
					{"name": "empty", "archived": false, "size": 0},
					{"name": "gadgets", "archived": false, "size": 7}
				]`)
			},
			expected: []string{"acme/widgets", "acme/gadgets"},
		},
		{
			name: "error case - GitHub API returns an error",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"message": "Internal Server Error"}`)
			},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gateway, server := setupTestGateway(t, http.HandlerFunc(tc.handlerFunc))
			defer server.Close()

			repos, err := gateway.ResolveOrgRepos(context.Background(), "acme")
			if tc.expectError {
				assert.Error(t, err)
				var fetchErr *FetchError
				assert.ErrorAs(t, err, &fetchErr)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, repos)
			}
		})
	}
}

func TestGitHubGateway_FetchEvents(t *testing.T) {
	prResponse := `{"data":{"search":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{
			"__typename":"PullRequest",
			"number":7,
			"createdAt":"2024-03-05T12:00:00Z",
			"author":{"login":"alice"},
			"reviews":{
				"pageInfo":{"hasNextPage":false,"endCursor":""},
				"nodes":[
					{"author":{"login":"bob"},"submittedAt":"2024-03-10T08:00:00Z"},
					{"author":{"login":"bob"},"submittedAt":null},
					{"author":null,"submittedAt":"2024-03-11T08:00:00Z"}
				]
			},
			"comments":{
				"pageInfo":{"hasNextPage":false,"endCursor":""},
				"nodes":[
					{"author":{"login":"carol"},"createdAt":"2024-04-01T10:00:00Z"},
					{"author":null,"createdAt":"2024-03-12T10:00:00Z"}
				]
			}
		}]
	}}}`
	issueResponse := `{"data":{"search":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{
			"__typename":"Issue",
			"number":12,
			"createdAt":"2024-03-20T09:00:00Z",
			"author":{"login":"dave"},
			"comments":{
				"pageInfo":{"hasNextPage":false,"endCursor":""},
				"nodes":[{"author":{"login":"alice"},"createdAt":"2024-03-21T09:30:00Z"}]
			}
		}]
	}}}`

	emptyPage := `{"data":{"search":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}}}`

	lateQueries := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		payload := string(body)

		assert.Contains(t, payload, "repo:acme/widgets")

		w.WriteHeader(http.StatusOK)
		switch {
		case strings.Contains(payload, "updated:"):
			// Older items updated since the window opened; none here.
			lateQueries++
			assert.Contains(t, payload, "2024-03-01")
			fmt.Fprint(w, emptyPage)
		case strings.Contains(payload, "is:pr"):
			assert.Contains(t, payload, "created:2024-03-01..2024-04-30")
			fmt.Fprint(w, prResponse)
		case strings.Contains(payload, "is:issue"):
			assert.Contains(t, payload, "created:2024-03-01..2024-04-30")
			fmt.Fprint(w, issueResponse)
		default:
			t.Errorf("unexpected query: %s", payload)
		}
	}

	gateway, server := setupTestGateway(t, http.HandlerFunc(handler))
	defer server.Close()

	events, err := gateway.FetchEvents(context.Background(), "acme/widgets", month("2024-03"), month("2024-04"))
	require.NoError(t, err)
	assert.Equal(t, 2, lateQueries, "older PRs and issues are searched by update time")

	expected := []domain.Event{
		{Repo: "acme/widgets", Author: "alice", Kind: domain.KindPROpened, Month: month("2024-03")},
		{Repo: "acme/widgets", Author: "bob", Kind: domain.KindPRReview, Month: month("2024-03")},
		{Repo: "acme/widgets", Author: "carol", Kind: domain.KindPRComment, Month: month("2024-04")},
		{Repo: "acme/widgets", Author: "dave", Kind: domain.KindIssueOpened, Month: month("2024-03")},
		{Repo: "acme/widgets", Author: "alice", Kind: domain.KindIssueComment, Month: month("2024-03")},
	}
	assert.Equal(t, expected, events)
}

func TestGitHubGateway_FetchEventsPagination(t *testing.T) {
	pageOne := `{"data":{"search":{
		"pageInfo":{"hasNextPage":true,"endCursor":"CURSOR1"},
		"nodes":[{
			"__typename":"PullRequest",
			"number":1,
			"createdAt":"2024-03-01T00:00:00Z",
			"author":{"login":"alice"},
			"reviews":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]},
			"comments":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}
		}]
	}}}`
	pageTwo := `{"data":{"search":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{
			"__typename":"PullRequest",
			"number":2,
			"createdAt":"2024-03-02T00:00:00Z",
			"author":{"login":"bob"},
			"reviews":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]},
			"comments":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}
		}]
	}}}`
	emptyPage := `{"data":{"search":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}}}`

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		payload := string(body)

		w.WriteHeader(http.StatusOK)
		switch {
		case strings.Contains(payload, "updated:"), strings.Contains(payload, "is:issue"):
			fmt.Fprint(w, emptyPage)
		case strings.Contains(payload, "CURSOR1"):
			fmt.Fprint(w, pageTwo)
		default:
			fmt.Fprint(w, pageOne)
		}
	}

	gateway, server := setupTestGateway(t, http.HandlerFunc(handler))
	defer server.Close()

	events, err := gateway.FetchEvents(context.Background(), "acme/widgets", month("2024-03"), month("2024-03"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[0].Author)
	assert.Equal(t, "bob", events[1].Author)
}

func TestGitHubGateway_FetchEventsFindsActivityOnOlderItems(t *testing.T) {
	// A review submitted in April on a PR opened back in January is invisible
	// to a creation-window search over April. The update-time search must
	// surface it whenever April is fetched again.
	latePRResponse := `{"data":{"search":{
		"pageInfo":{"hasNextPage":false,"endCursor":""},
		"nodes":[{
			"__typename":"PullRequest",
			"number":3,
			"createdAt":"2024-01-15T00:00:00Z",
			"author":{"login":"alice"},
			"reviews":{
				"pageInfo":{"hasNextPage":false,"endCursor":""},
				"nodes":[{"author":{"login":"bob"},"submittedAt":"2024-04-02T08:00:00Z"}]
			},
			"comments":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}
		}]
	}}}`
	emptyPage := `{"data":{"search":{"pageInfo":{"hasNextPage":false,"endCursor":""},"nodes":[]}}}`

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		payload := string(body)

		w.WriteHeader(http.StatusOK)
		if strings.Contains(payload, "is:pr") && strings.Contains(payload, "updated:") {
			assert.Contains(t, payload, "2024-04-01", "older items are searched by update time from the window start")
			fmt.Fprint(w, latePRResponse)
			return
		}
		fmt.Fprint(w, emptyPage)
	}

	gateway, server := setupTestGateway(t, http.HandlerFunc(handler))
	defer server.Close()

	events, err := gateway.FetchEvents(context.Background(), "acme/widgets", month("2024-04"), month("2024-04"))
	require.NoError(t, err)

	// The opening event for the old PR is outside the window; attribution is
	// the caller's concern, so it is reported alongside the late review.
	expected := []domain.Event{
		{Repo: "acme/widgets", Author: "alice", Kind: domain.KindPROpened, Month: month("2024-01")},
		{Repo: "acme/widgets", Author: "bob", Kind: domain.KindPRReview, Month: month("2024-04")},
	}
	assert.Equal(t, expected, events)
}

func TestClassify(t *testing.T) {
	resetIn := time.Now().Add(30 * time.Minute)
	retryAfter := 90 * time.Second

	testCases := []struct {
		name          string
		err           error
		wantRetryable bool
		wantMinWait   time.Duration
	}{
		{
			name: "primary rate limit uses the reset hint",
			err: &github.RateLimitError{
				Rate: github.Rate{Reset: github.Timestamp{Time: resetIn}},
			},
			wantRetryable: true,
			wantMinWait:   25 * time.Minute,
		},
		{
			name: "secondary rate limit uses retry-after",
			err: &github.AbuseRateLimitError{
				RetryAfter: &retryAfter,
			},
			wantRetryable: true,
			wantMinWait:   retryAfter,
		},
		{
			name:          "transient network error",
			err:           &url.Error{Op: "Post", URL: "https://api.github.com/graphql", Err: errors.New("connection reset")},
			wantRetryable: true,
			wantMinWait:   transientWait,
		},
		{
			name:          "graphql rate limit surfaces as a plain error",
			err:           errors.New("non-200 OK status code: 403 Forbidden body: API rate limit exceeded"),
			wantRetryable: true,
		},
		{
			name:          "a plain forbidden response is fatal",
			err:           errors.New("non-200 OK status code: 403 Forbidden body: Resource not accessible by integration"),
			wantRetryable: false,
		},
		{
			name:          "anything else is fatal",
			err:           errors.New("could not resolve to a Repository"),
			wantRetryable: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := classify(tc.err)
			assert.Equal(t, tc.wantRetryable, res.retryable)
			if tc.wantMinWait > 0 {
				assert.GreaterOrEqual(t, res.wait, tc.wantMinWait)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	newGateway := func(attempts int) *GitHubGateway {
		return &GitHubGateway{
			logger:      testLogger(),
			maxAttempts: attempts,
			sleep:       func(time.Duration) {},
		}
	}

	t.Run("retries a retryable failure until success", func(t *testing.T) {
		g := newGateway(3)
		calls := 0
		err := g.withRetry(context.Background(), "acme/widgets", func() error {
			calls++
			if calls < 3 {
				return errors.New("403 rate limit hit")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("a fatal failure is not retried", func(t *testing.T) {
		g := newGateway(3)
		calls := 0
		err := g.withRetry(context.Background(), "acme/widgets", func() error {
			calls++
			return errors.New("could not resolve to a Repository")
		})
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "acme/widgets", fetchErr.Repo)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausting the attempt bound escalates", func(t *testing.T) {
		g := newGateway(2)
		calls := 0
		err := g.withRetry(context.Background(), "acme/widgets", func() error {
			calls++
			return errors.New("403 rate limit hit")
		})
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Contains(t, err.Error(), "giving up after 2 attempts")
		assert.Equal(t, 2, calls)
	})

	t.Run("a cancelled context stops immediately", func(t *testing.T) {
		g := newGateway(3)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := g.withRetry(ctx, "acme/widgets", func() error { return nil })
		assert.Error(t, err)
	})
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", name)

	for _, bad := range []string{"widgets", "acme/", "/widgets", ""} {
		_, _, err := splitRepo(bad)
		assert.Error(t, err, "repo %q", bad)
	}
}
