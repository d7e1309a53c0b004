// Package poststore talks to the external platform that owns the posts.
// Adapters report failures with the sentinel errors below; callers classify
// them with errors.Is and errors.As.
package poststore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPostNotFound means the post does not exist, e.g. it was already deleted.
	ErrPostNotFound = errors.New("post not found")
	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthorized means the credentials were revoked or lack permission.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected is a permanent refusal that is not an authorization problem.
	ErrRejected = errors.New("request rejected")
	// ErrTransient covers network failures and server-side errors.
	ErrTransient = errors.New("transient failure")
	// ErrFetchUnsupported is returned by stores that cannot look a post up by id.
	ErrFetchUnsupported = errors.New("fetching posts is not supported")
)

// RateLimitError reports a rate limit and, when the platform says so, the
// earliest time a retry may succeed. RetryAt is zero when unknown.
type RateLimitError struct {
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s until %s", ErrRateLimited, e.RetryAt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) hold for any RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Post is the subset of a platform post the scheduler cares about.
type Post struct {
	ID        string
	AuthorID  string
	Text      string
	CreatedAt time.Time

	Impressions int
	Likes       int
	Retweets    int
	Replies     int
}

// Store is the external post store.
type Store interface {
	// DeletePost removes postID on behalf of ownerID.
	DeletePost(ctx context.Context, ownerID, postID string) error
	// FetchPost loads postID as seen by ownerID.
	FetchPost(ctx context.Context, ownerID, postID string) (*Post, error)
}

// TokenSource resolves the user credentials used for an owner's write calls.
// secret is empty for OAuth 2.0 user tokens. An empty token with a nil error
// means the owner has none.
type TokenSource interface {
	AccessToken(ctx context.Context, ownerID string) (token, secret string, err error)
}
