package policy

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// decisionCache is a small LRU with TTL for overlay verdicts.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	verdict   Verdict
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

// cacheKey includes the policy version so verdicts from replaced policies never match.
func cacheKey(version string, in OverlayInput) string {
	return strings.Join([]string{
		version, in.WorkspaceID, in.TeamID, in.AgentID, in.ActionType, in.TaskType, in.RiskTier, in.AutonomyLevel,
	}, "\x1f")
}

func (c *decisionCache) Get(version string, in OverlayInput) (Verdict, bool) {
	key := cacheKey(version, in)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return Verdict{}, false
	}
	ce := el.Value.(cacheEntry)
	if time.Now().After(ce.expiresAt) {
		c.list.Remove(el)
		delete(c.m, key)
		return Verdict{}, false
	}
	c.list.MoveToFront(el)
	return ce.verdict, true
}

func (c *decisionCache) Set(version string, in OverlayInput, v Verdict) {
	key := cacheKey(version, in)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), verdict: v}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), verdict: v})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Purge drops every entry; called after a policy reload.
func (c *decisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
