// Package poststoretest provides a scripted in-memory poststore.Store.
package poststoretest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xthreadcraft/internal/poststore"
)

// Fake behaves like a platform holding the posts registered with AddPost.
// DeletePost consumes scripted results first; without a script it deletes
// the post and reports ErrPostNotFound for posts that are gone or unknown.
type Fake struct {
	mu      sync.Mutex
	posts   map[string]*poststore.Post
	deleted map[string]bool
	script  map[string][]error

	deleteCalls map[string]int
	successes   map[string]int
	fetchCalls  int
	delay       time.Duration
}

// New returns an empty store.
func New() *Fake {
	return &Fake{
		posts:       make(map[string]*poststore.Post),
		deleted:     make(map[string]bool),
		script:      make(map[string][]error),
		deleteCalls: make(map[string]int),
		successes:   make(map[string]int),
	}
}

// AddPost registers a live post.
func (f *Fake) AddPost(p poststore.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.posts[p.ID] = &cp
	delete(f.deleted, p.ID)
}

// ScriptDelete queues results for the next DeletePost calls on postID.
// A nil entry is a successful delete.
func (f *Fake) ScriptDelete(postID string, results ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[postID] = append(f.script[postID], results...)
}

// SetDelay makes every DeletePost wait d or until its context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// DeletePost implements poststore.Store.
func (f *Fake) DeletePost(ctx context.Context, ownerID, postID string) error {
	f.mu.Lock()
	f.deleteCalls[postID]++
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if queue := f.script[postID]; len(queue) > 0 {
		result := queue[0]
		f.script[postID] = queue[1:]
		if result != nil {
			return result
		}
	} else if _, live := f.posts[postID]; !live || f.deleted[postID] {
		return fmt.Errorf("%w: %s", poststore.ErrPostNotFound, postID)
	}

	f.deleted[postID] = true
	f.successes[postID]++
	return nil
}

// FetchPost implements poststore.Store.
func (f *Fake) FetchPost(ctx context.Context, ownerID, postID string) (*poststore.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++

	p, ok := f.posts[postID]
	if !ok || f.deleted[postID] {
		return nil, fmt.Errorf("%w: %s", poststore.ErrPostNotFound, postID)
	}
	cp := *p
	return &cp, nil
}

// DeleteCalls returns how many times DeletePost was called for postID.
func (f *Fake) DeleteCalls(postID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls[postID]
}

// Successes returns how many DeletePost calls for postID succeeded.
func (f *Fake) Successes(postID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes[postID]
}

// FetchCalls returns the number of FetchPost calls.
func (f *Fake) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

var _ poststore.Store = (*Fake)(nil)
