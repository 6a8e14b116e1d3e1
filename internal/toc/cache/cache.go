// Package cache implements the Result Cache: a fingerprint-keyed, per-tool
// TTL cache with navigation-scoped invalidation and single-flight
// discipline, grounded on the teacher's ElementRegistry
// (internal/browser/session_manager.go) fingerprint/generation pattern,
// generalized from DOM elements to tool outputs.
package cache

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/types"
)

// ToolConfig is the per-tool cache configuration: {ttl, max_entries,
// cacheable, tags}.
type ToolConfig struct {
	TTL        time.Duration
	MaxEntries int
	Cacheable  bool
	Tags       []string // names of invalidation tags this tool's entries carry
}

// Result is what Get returns: either a cache Hit carrying the payload, or a
// Miss, in which case the caller becomes the single-flight leader for that
// fingerprint.
type Result struct {
	Hit     bool
	Payload interface{}
}

const defaultStripes = 32

// Cache is the Result Cache. Reads are concurrent; writes are serialized
// per entry, striped by fingerprint hash, matching the shared-resource
// policy's "striped by fingerprint hash" requirement.
type Cache struct {
	clock   clock.Clock
	group   singleflight.Group
	stripes []*stripe

	mu       sync.RWMutex
	perTool  map[types.ToolName]ToolConfig
	tagVals  map[string]string // current value of each invalidation tag
}

type stripe struct {
	mu      sync.Mutex
	entries map[types.Fingerprint]*types.CacheEntry
}

// New builds an empty Cache.
func New(clk clock.Clock) *Cache {
	c := &Cache{
		clock:   clk,
		perTool: make(map[types.ToolName]ToolConfig),
		tagVals: make(map[string]string),
		stripes: make([]*stripe, defaultStripes),
	}
	for i := range c.stripes {
		c.stripes[i] = &stripe{entries: make(map[types.Fingerprint]*types.CacheEntry)}
	}
	return c
}

// Configure sets the per-tool cache policy.
func (c *Cache) Configure(name types.ToolName, cfg ToolConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perTool[name] = cfg
}

func (c *Cache) configFor(name types.ToolName) ToolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.perTool[name]
}

func (c *Cache) stripeFor(fp types.Fingerprint) *stripe {
	return c.stripes[uint64(fp)%uint64(len(c.stripes))]
}

// Fingerprint computes a deterministic digest over the tool name,
// canonicalized input, and the tool's declared invalidation tag values.
func (c *Cache) Fingerprint(name types.ToolName, input types.ToolInput, tagNames []string) types.Fingerprint {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonicalize(input))
	c.mu.RLock()
	for _, t := range sortedStrings(tagNames) {
		h.Write([]byte{0})
		h.Write([]byte(t))
		h.Write([]byte{'='})
		h.Write([]byte(c.tagVals[t]))
	}
	c.mu.RUnlock()
	return types.Fingerprint(h.Sum64())
}

func sortedStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// canonicalize produces a stable byte representation of a ToolInput by
// sorting keys before marshaling.
func canonicalize(input types.ToolInput) []byte {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, input[k])
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return []byte(err.Error())
	}
	return b
}

// Get looks up a fingerprint. A non-expired entry whose tag values still
// match current values is a Hit; otherwise Miss.
func (c *Cache) Get(fp types.Fingerprint) Result {
	s := c.stripeFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fp]
	if !ok {
		return Result{}
	}
	if c.clock.Now().After(entry.ExpiresAt) {
		delete(s.entries, fp)
		return Result{}
	}
	if c.tagsStale(entry.Tags) {
		delete(s.entries, fp)
		return Result{}
	}
	return Result{Hit: true, Payload: entry.Payload}
}

func (c *Cache) tagsStale(tags map[string]string) bool {
	if len(tags) == 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for tag, insertedVal := range tags {
		if current, ok := c.tagVals[tag]; ok && current != insertedVal {
			return true
		}
	}
	return false
}

// Put installs an entry with the tool's configured TTL. Error outputs are
// never passed to Put by the executor (per the "never negative-cache"
// decision in DESIGN.md).
func (c *Cache) Put(name types.ToolName, fp types.Fingerprint, payload interface{}) {
	cfg := c.configFor(name)
	if !cfg.Cacheable {
		return
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	tags := make(map[string]string, len(cfg.Tags))
	c.mu.RLock()
	for _, t := range cfg.Tags {
		tags[t] = c.tagVals[t]
	}
	c.mu.RUnlock()

	now := c.clock.Now()
	entry := &types.CacheEntry{
		Fingerprint: fp,
		Tool:        name,
		Payload:     payload,
		InsertedAt:  now,
		ExpiresAt:   now.Add(ttl),
		Tags:        tags,
	}

	s := c.stripeFor(fp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[fp]; ok && existing.InsertedAt.After(entry.InsertedAt) {
		return
	}
	if cfg.MaxEntries > 0 && len(s.entries) >= cfg.MaxEntries {
		c.evictOldestLocked(s)
	}
	s.entries[fp] = entry
}

func (c *Cache) evictOldestLocked(s *stripe) {
	var oldestKey types.Fingerprint
	var oldestTime time.Time
	first := true
	for k, v := range s.entries {
		if first || v.InsertedAt.Before(oldestTime) {
			oldestKey, oldestTime, first = k, v.InsertedAt, false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
	}
}

// InvalidateByTag drops every entry whose stored tag value differs from
// newValue, and records newValue as the tag's current value so future
// fingerprint computations and Get calls observe it.
func (c *Cache) InvalidateByTag(tag, newValue string) {
	c.mu.Lock()
	c.tagVals[tag] = newValue
	c.mu.Unlock()

	for _, s := range c.stripes {
		s.mu.Lock()
		for k, entry := range s.entries {
			if v, ok := entry.Tags[tag]; ok && v != newValue {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Clear removes all entries, optionally restricted to one tool.
func (c *Cache) Clear(name types.ToolName) {
	for _, s := range c.stripes {
		s.mu.Lock()
		if name == "" {
			s.entries = make(map[types.Fingerprint]*types.CacheEntry)
		} else {
			for k, v := range s.entries {
				if v.Tool == name {
					delete(s.entries, k)
				}
			}
		}
		s.mu.Unlock()
	}
}

// Compute performs the single-flight-guarded miss path: if a computation
// for fp is already in flight, the caller awaits and receives its result;
// otherwise the caller becomes the leader and runs fn. Errors are never
// cached, satisfying invariant 5 and the "errors are not cached" rule.
func (c *Cache) Compute(fp types.Fingerprint, fn func() (interface{}, error)) (interface{}, error, bool) {
	v, err, shared := c.group.Do(keyFor(fp), fn)
	return v, err, shared
}

func keyFor(fp types.Fingerprint) string {
	return strconv.FormatUint(uint64(fp), 16)
}
