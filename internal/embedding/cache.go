package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Stats counts cache outcomes since the cache was created.
type Stats struct {
	L1Hits        int64
	L2Hits        int64
	Misses        int64
	ProviderCalls int64
}

type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// Cache is a read-through embedding cache: an expiring in-process LRU in
// front of an optional shared store in front of the provider. Keys hash the
// model with the normalized text, so a model change never serves stale
// vectors. The first vector written for a key wins, and concurrent misses
// on one key share a single provider call.
type Cache struct {
	provider Provider
	l1       *expirable.LRU[string, []float32]
	l2       SharedStore
	logger   *slog.Logger

	l1mu    sync.Mutex
	fillsMu sync.Mutex
	fills   map[string]*fill

	l1Hits, l2Hits, misses, calls atomic.Int64
}

func NewCache(p Provider, l2 SharedStore, cfg CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	return &Cache{
		provider: p,
		l1:       expirable.NewLRU[string, []float32](cfg.Size, nil, cfg.TTL),
		l2:       l2,
		logger:   logger,
		fills:    make(map[string]*fill),
	}
}

func (c *Cache) Model() string { return c.provider.Model() }

// Normalize canonicalizes text before hashing: line endings, trailing
// whitespace and surrounding blank lines do not change the key.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Key returns the cache key of text under the provider's model.
func (c *Cache) Key(text string) string {
	h := sha256.New()
	h.Write([]byte(c.provider.Model()))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:        c.l1Hits.Load(),
		L2Hits:        c.l2Hits.Load(),
		Misses:        c.misses.Load(),
		ProviderCalls: c.calls.Load(),
	}
}

// Embed satisfies Provider so the cache can stand in for one.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.GetOrComputeBatch(ctx, texts)
}

// GetOrCompute returns the vector for text, calling the provider at most
// once per key even under concurrent callers.
func (c *Cache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.GetOrComputeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GetOrComputeBatch resolves every text, sending the misses this call owns
// to the provider in one request. Keys another caller is already computing
// are waited for instead of computed twice.
func (c *Cache) GetOrComputeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	positions := make(map[string][]int)
	var keys, missTexts []string

	for i, t := range texts {
		key := c.Key(t)
		if idx, ok := positions[key]; ok {
			positions[key] = append(idx, i)
			continue
		}
		if vec, ok := c.lookup(ctx, key); ok {
			out[i] = vec
			continue
		}
		positions[key] = []int{i}
		keys = append(keys, key)
		missTexts = append(missTexts, t)
	}
	if len(keys) == 0 {
		return out, nil
	}

	fills, owned := c.claim(keys)
	if err := c.compute(ctx, keys, missTexts, fills, owned); err != nil {
		return nil, err
	}
	for j, key := range keys {
		f := fills[j]
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		for _, i := range positions[key] {
			out[i] = clone(f.vec)
		}
	}
	return out, nil
}

// fill is one key being computed. done is closed once vec or err is set.
type fill struct {
	done chan struct{}
	vec  []float32
	err  error
}

// claim returns the in-flight fill of every key, registering new ones.
// owned[j] reports whether this caller must compute keys[j].
func (c *Cache) claim(keys []string) ([]*fill, []bool) {
	c.fillsMu.Lock()
	defer c.fillsMu.Unlock()
	fills := make([]*fill, len(keys))
	owned := make([]bool, len(keys))
	for j, key := range keys {
		if f, ok := c.fills[key]; ok {
			fills[j] = f
			continue
		}
		f := &fill{done: make(chan struct{})}
		c.fills[key] = f
		fills[j] = f
		owned[j] = true
	}
	return fills, owned
}

// compute fills the owned keys with one provider call. Every owned fill is
// finished before it returns.
func (c *Cache) compute(ctx context.Context, keys, texts []string, fills []*fill, owned []bool) error {
	var (
		callKeys  []string
		callTexts []string
		callFills []*fill
	)
	for j, key := range keys {
		if !owned[j] {
			continue
		}
		// a previous owner may have stored the key after our first lookup
		if vec, ok := c.lookup(ctx, key); ok {
			c.finish(key, fills[j], vec, nil)
			continue
		}
		callKeys = append(callKeys, key)
		callTexts = append(callTexts, texts[j])
		callFills = append(callFills, fills[j])
	}
	if len(callKeys) == 0 {
		return nil
	}

	c.misses.Add(int64(len(callKeys)))
	recordCacheMiss(ctx, len(callKeys))
	vecs, err := c.callProvider(ctx, callTexts)
	for j, key := range callKeys {
		if err != nil {
			c.finish(key, callFills[j], nil, err)
			continue
		}
		c.finish(key, callFills[j], c.store(ctx, key, vecs[j]), nil)
	}
	return err
}

func (c *Cache) finish(key string, f *fill, vec []float32, err error) {
	c.fillsMu.Lock()
	delete(c.fills, key)
	c.fillsMu.Unlock()
	f.vec, f.err = vec, err
	close(f.done)
}

func (c *Cache) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	vecs, err := c.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *Cache) lookup(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		recordCacheHit(ctx, "l1")
		return clone(vec), true
	}
	if c.l2 == nil {
		return nil, false
	}
	vec, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.logger.Warn("shared embedding cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.l2Hits.Add(1)
	recordCacheHit(ctx, "l2")
	c.putL1(key, vec)
	return clone(vec), true
}

// store writes vec to both tiers unless a value is already there, and
// returns the value that won.
func (c *Cache) store(ctx context.Context, key string, vec []float32) []float32 {
	if c.l2 != nil {
		stored, err := c.l2.PutIfAbsent(ctx, key, vec)
		if err != nil {
			c.logger.Warn("shared embedding cache write failed", "error", err)
		} else {
			vec = stored
		}
	}
	return c.putL1(key, vec)
}

func (c *Cache) putL1(key string, vec []float32) []float32 {
	c.l1mu.Lock()
	defer c.l1mu.Unlock()
	if existing, ok := c.l1.Peek(key); ok {
		return existing
	}
	vec = clone(vec)
	c.l1.Add(key, vec)
	return vec
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	return append([]float32(nil), v...)
}
