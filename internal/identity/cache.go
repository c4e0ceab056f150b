// ABOUTME: Explicit in-memory token cache shared by identity providers
// ABOUTME: Partitioned by client id; nothing is ever persisted

package identity

import (
	"sort"
	"sync"
)

type cacheEntry struct {
	account      Account
	token        Token
	refreshToken string
}

// Cache holds acquired tokens for the life of the process. A Cache may be
// shared by several providers; entries are partitioned by client id.
type Cache struct {
	mu       sync.Mutex
	accounts map[string]map[string]*cacheEntry // client id -> home id -> entry
	apps     map[string]Token                  // client id + scopes -> app token
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		accounts: make(map[string]map[string]*cacheEntry),
		apps:     make(map[string]Token),
	}
}

// Accounts returns the signed-in accounts held by the cache, across all
// clients, ordered by username.
func (c *Cache) Accounts() []Account {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var out []Account
	for _, entries := range c.accounts {
		for id, e := range entries {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, e.account)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].HomeID < out[j].HomeID
	})
	return out
}

// Remove forgets every token held for account. It reports whether anything
// was removed.
func (c *Cache) Remove(account Account) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for _, entries := range c.accounts {
		if _, ok := entries[account.HomeID]; ok {
			delete(entries, account.HomeID)
			removed = true
		}
	}
	return removed
}

// lookup returns the entry for hint, or with a nil hint the only account
// cached for the client.
func (c *Cache) lookup(clientID string, hint *Account) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.accounts[clientID]
	if hint != nil {
		e, ok := entries[hint.HomeID]
		if !ok {
			return cacheEntry{}, false
		}
		return *e, true
	}
	if len(entries) != 1 {
		return cacheEntry{}, false
	}
	for _, e := range entries {
		return *e, true
	}
	return cacheEntry{}, false
}

func (c *Cache) store(clientID string, tok Token, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.accounts[clientID]
	if !ok {
		entries = make(map[string]*cacheEntry)
		c.accounts[clientID] = entries
	}
	prev := entries[tok.Account.HomeID]
	if refreshToken == "" && prev != nil {
		refreshToken = prev.refreshToken
	}
	entries[tok.Account.HomeID] = &cacheEntry{account: tok.Account, token: tok, refreshToken: refreshToken}
}

func (c *Cache) appToken(key string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.apps[key]
	return t, ok
}

func (c *Cache) storeAppToken(key string, tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[key] = tok
}
