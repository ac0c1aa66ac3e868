package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/sirupsen/logrus"
)

const defaultMaxAttempts = 5

// fallbackWait is used when the remote signals a limit without a usable
// reset hint.
const fallbackWait = 1 * time.Minute

// transientWait is used for broken connections and timeouts.
const transientWait = 10 * time.Second

// outcome classifies one failed attempt.
type outcome struct {
	retryable bool
	wait      time.Duration
}

// classify maps an error to an explicit retry outcome. Rate-limit responses
// are not errors of the run; they carry a wait. Anything unrecognized is fatal.
func classify(err error) outcome {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait <= 0 {
			wait = fallbackWait
		}
		return outcome{retryable: true, wait: wait}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		if wait <= 0 {
			wait = fallbackWait
		}
		return outcome{retryable: true, wait: wait}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return outcome{retryable: true, wait: transientWait}
	}

	// The GraphQL client surfaces limit responses as plain errors carrying
	// the RATE_LIMITED error type or an "API rate limit exceeded" message.
	// A bare 403 is not matched: a token with missing scopes is forbidden
	// too, and waiting on it would never help.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limited") {
		return outcome{retryable: true, wait: fallbackWait}
	}

	return outcome{retryable: false}
}

// withRetry runs call, retrying on retryable failures up to the attempt
// bound. Exhaustion and fatal failures yield a FetchError.
func (g *GitHubGateway) withRetry(ctx context.Context, repo string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &FetchError{Repo: repo, Err: err}
		}
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		res := classify(lastErr)
		if !res.retryable {
			return &FetchError{Repo: repo, Err: lastErr}
		}
		if attempt == g.maxAttempts {
			break
		}
		g.logger.WithFields(logrus.Fields{
			"repo":    repo,
			"attempt": attempt,
			"wait":    res.wait.String(),
		}).Warn("Request limited or failed transiently, waiting before retry...")
		g.sleep(res.wait)
	}
	return &FetchError{Repo: repo, Err: fmt.Errorf("giving up after %d attempts: %w", g.maxAttempts, lastErr)}
}

// queryWithRetry executes a GraphQL query through the retry loop.
func (g *GitHubGateway) queryWithRetry(ctx context.Context, repo string, q interface{}, variables map[string]interface{}) error {
	return g.withRetry(ctx, repo, func() error {
		return g.graphqlClient.Query(ctx, q, variables)
	})
}
