package models

import (
	"sort"
	"sync"
	"time"
)

// CooldownList tracks keys that must not be acted upon until an expiry time,
// e.g. owners whose platform token is rate limited.
type CooldownList struct {
	entries map[string]time.Time
	mu      sync.RWMutex
}

// NewCooldownList creates an empty list.
func NewCooldownList() *CooldownList {
	return &CooldownList{entries: make(map[string]time.Time)}
}

// Add puts key on cooldown until the given time. An earlier expiry never
// shortens an existing one.
func (c *CooldownList) Add(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.entries[key]; ok && current.After(until) {
		return
	}
	c.entries[key] = until
}

// Remove lifts the cooldown for key.
func (c *CooldownList) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Until returns the expiry for key and whether it is still cooling down at now.
func (c *CooldownList) Until(key string, now time.Time) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expiry, exists := c.entries[key]
	if !exists || !now.Before(expiry) {
		return time.Time{}, false
	}
	return expiry, true
}

// Active returns the keys still cooling down at now, sorted.
func (c *CooldownList) Active(now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for key, expiry := range c.entries {
		if now.Before(expiry) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Contains reports whether key is cooling down at now.
func (c *CooldownList) Contains(key string, now time.Time) bool {
	_, ok := c.Until(key, now)
	return ok
}

// Prune removes entries expired at now and returns how many were dropped.
func (c *CooldownList) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, expiry := range c.entries {
		if !now.Before(expiry) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}
