package poststore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	twitter "github.com/g8rswimmer/go-twitter/v2"

	"xthreadcraft/internal/logger"
)

const problemNotFound = "https://api.twitter.com/2/problems/resource-not-found"

var lookupFields = []twitter.TweetField{
	twitter.TweetFieldPublicMetrics,
	twitter.TweetFieldCreatedAt,
	twitter.TweetFieldAuthorID,
}

// TwitterOptions configures a TwitterStore.
type TwitterOptions struct {
	BaseURL string
	// ConsumerKey and ConsumerSecret switch the store to OAuth 1.0a user
	// context; without them tokens are sent as OAuth 2.0 bearer tokens.
	ConsumerKey    string
	ConsumerSecret string
	// Token and Secret are used for owners without linked credentials.
	Token   string
	Secret  string
	Timeout time.Duration
}

// TwitterStore deletes and fetches posts through the X API v2.
type TwitterStore struct {
	host   string
	http   *http.Client
	oauth  *oauth1.Config
	tokens TokenSource
	token  string
	secret string
}

// NewTwitterStore creates a store. Credentials come from tokens when it
// yields some for the owner, otherwise the static ones in opts are used.
func NewTwitterStore(opts TwitterOptions, tokens TokenSource) *TwitterStore {
	s := &TwitterStore{
		host:   strings.TrimRight(opts.BaseURL, "/"),
		http:   &http.Client{Timeout: opts.Timeout},
		tokens: tokens,
		token:  opts.Token,
		secret: opts.Secret,
	}
	if opts.ConsumerKey != "" {
		s.oauth = oauth1.NewConfig(opts.ConsumerKey, opts.ConsumerSecret)
	}
	return s
}

// DeletePost calls DELETE /2/tweets/:id.
func (s *TwitterStore) DeletePost(ctx context.Context, ownerID, postID string) error {
	client, err := s.client(ctx, ownerID)
	if err != nil {
		return err
	}
	resp, err := client.DeleteTweet(ctx, postID)
	if err != nil {
		return s.classify(ctx, "delete", postID, err)
	}
	if resp.Tweet == nil || !resp.Tweet.Deleted {
		return fmt.Errorf("%w: delete of %s not acknowledged", ErrTransient, postID)
	}
	return nil
}

// FetchPost calls GET /2/tweets/:id with public metrics.
func (s *TwitterStore) FetchPost(ctx context.Context, ownerID, postID string) (*Post, error) {
	client, err := s.client(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	resp, err := client.TweetLookup(ctx, []string{postID}, twitter.TweetLookupOpts{TweetFields: lookupFields})
	if err != nil {
		return nil, s.classify(ctx, "lookup", postID, err)
	}

	var tweet *twitter.TweetObj
	if resp.Raw != nil {
		for _, t := range resp.Raw.Tweets {
			if t != nil {
				tweet = t
				break
			}
		}
	}
	if tweet == nil {
		// v2 reports a missing post as 200 with a problem in errors[]
		if resp.Raw != nil {
			for _, e := range resp.Raw.Errors {
				if e.Type != problemNotFound {
					return nil, fmt.Errorf("%w: %s", ErrRejected, e.Detail)
				}
			}
		}
		return nil, fmt.Errorf("%w: post %s", ErrPostNotFound, postID)
	}

	p := &Post{
		ID:       tweet.ID,
		AuthorID: tweet.AuthorID,
		Text:     tweet.Text,
	}
	if m := tweet.PublicMetrics; m != nil {
		p.Impressions = m.Impressions
		p.Likes = m.Likes
		p.Retweets = m.Retweets
		p.Replies = m.Replies
	}
	if tweet.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, tweet.CreatedAt); err == nil {
			p.CreatedAt = t.UTC()
		}
	}
	return p, nil
}

func (s *TwitterStore) credentials(ctx context.Context, ownerID string) (string, string, error) {
	if s.tokens != nil {
		token, secret, err := s.tokens.AccessToken(ctx, ownerID)
		if err != nil {
			return "", "", fmt.Errorf("%w: token lookup: %v", ErrTransient, err)
		}
		if token != "" {
			return token, secret, nil
		}
	}
	if s.token == "" {
		return "", "", fmt.Errorf("%w: no access token for owner %s", ErrUnauthorized, ownerID)
	}
	return s.token, s.secret, nil
}

// client builds an API client acting as ownerID.
func (s *TwitterStore) client(ctx context.Context, ownerID string) (*twitter.Client, error) {
	token, secret, err := s.credentials(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if s.oauth == nil {
		return &twitter.Client{Authorizer: bearerAuthorizer(token), Client: s.http, Host: s.host}, nil
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: no access secret for owner %s", ErrUnauthorized, ownerID)
	}
	signed := s.oauth.Client(oauth1.NoContext, oauth1.NewToken(token, secret))
	signed.Timeout = s.http.Timeout
	// the oauth1 transport signs requests itself
	return &twitter.Client{Authorizer: signedAuthorizer{}, Client: signed, Host: s.host}, nil
}

type bearerAuthorizer string

func (a bearerAuthorizer) Add(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+string(a))
}

type signedAuthorizer struct{}

func (signedAuthorizer) Add(*http.Request) {}

// classify maps an X API client error onto the package sentinels.
func (s *TwitterStore) classify(ctx context.Context, op, postID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var (
		status    int
		detail    string
		notFound  bool
		rateLimit *twitter.RateLimit
	)
	var errResp *twitter.ErrorResponse
	var httpErr *twitter.HTTPError
	switch {
	case errors.As(err, &errResp):
		status, rateLimit = errResp.StatusCode, errResp.RateLimit
		detail = firstNonEmpty(errResp.Detail, errResp.Title)
		notFound = errResp.Type == problemNotFound
		for _, e := range errResp.Errors {
			detail = firstNonEmpty(detail, e.Detail, e.Title)
			notFound = notFound || e.Type == problemNotFound
		}
	case errors.As(err, &httpErr):
		status, rateLimit = httpErr.StatusCode, httpErr.RateLimit
		detail = httpErr.Status
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	logger.Debugf("X API %s of %s failed: status=%d %s", op, postID, status, detail)

	switch {
	case status == http.StatusTooManyRequests:
		rl := &RateLimitError{}
		if rateLimit != nil && rateLimit.Reset > 0 {
			rl.RetryAt = rateLimit.Reset.Time().UTC()
		}
		return rl
	case status == http.StatusNotFound, notFound:
		return fmt.Errorf("%w: post %s", ErrPostNotFound, postID)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrTransient, detail)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Store = (*TwitterStore)(nil)
