package compilation

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/vantage/errs"
	"github.com/coachpo/vantage/internal/domain/schema"
)

// CacheKey identifies a cache entry: a view definition compiled against one
// market data availability and one manipulation configuration.
type CacheKey string

type keyMaterial struct {
	Definition   *schema.ViewDefinition `json:"definition"`
	Availability string                 `json:"availability"`
	Manipulation string                 `json:"manipulation"`
}

// NewCacheKey fingerprints the inputs with SHA-256 over their canonical JSON.
func NewCacheKey(def *schema.ViewDefinition, availability, manipulation string) (CacheKey, error) {
	if def == nil {
		return "", errs.New("compilation", errs.CodeInvalid, errs.WithMessage("view definition required"))
	}
	raw, err := json.Marshal(keyMaterial{Definition: def, Availability: availability, Manipulation: manipulation})
	if err != nil {
		return "", errs.New("compilation", errs.CodeInvalid, errs.WithMessage("encode cache key"), errs.WithCause(err))
	}
	sum := sha256.Sum256(raw)
	return CacheKey(hex.EncodeToString(sum[:])), nil
}

// Short returns an abbreviated form for logs.
func (k CacheKey) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// KeyLocks guards one cache key. Compile serialises the compile, prune and
// publish sequence; use guards reads of the published value, so readers keep
// the previous value while a compile is in flight.
type KeyLocks struct {
	compile sync.Mutex
	use     sync.RWMutex
	view    *CompiledView
}

// LockCompile acquires the narrow compile lock.
func (l *KeyLocks) LockCompile() { l.compile.Lock() }

// UnlockCompile releases the narrow compile lock.
func (l *KeyLocks) UnlockCompile() { l.compile.Unlock() }

// Current returns the published value under the use lock.
func (l *KeyLocks) Current() *CompiledView {
	l.use.RLock()
	defer l.use.RUnlock()
	return l.view
}

func (l *KeyLocks) publish(v *CompiledView) {
	l.use.Lock()
	l.view = v
	l.use.Unlock()
}

// MemoryCache is the process-wide compiled view cache shared by workers.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[CacheKey]*KeyLocks
	versions [versionStripes]sync.Mutex
	metrics  *cacheMetrics
}

const versionStripes = 64

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[CacheKey]*KeyLocks),
		metrics: newCacheMetrics(),
	}
}

// Locks returns the lock pair for key, creating it on first use.
func (c *MemoryCache) Locks(key CacheKey) *KeyLocks {
	c.mu.RLock()
	l, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return l
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok = c.entries[key]; !ok {
		l = new(KeyLocks)
		c.entries[key] = l
	}
	return l
}

// Get returns the published view for key.
func (c *MemoryCache) Get(key CacheKey) (*CompiledView, bool) {
	c.mu.RLock()
	l, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		c.metrics.miss()
		return nil, false
	}
	v := l.Current()
	if v == nil {
		c.metrics.miss()
		return nil, false
	}
	c.metrics.hit()
	return v, true
}

// Put publishes v under key, replacing any previous value.
func (c *MemoryCache) Put(key CacheKey, v *CompiledView) {
	if v == nil {
		return
	}
	c.Locks(key).publish(v)
}

// Discard drops the published value for key.
func (c *MemoryCache) Discard(key CacheKey) {
	c.mu.RLock()
	l, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		l.publish(nil)
	}
}

// Len counts keys with a published value.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, l := range c.entries {
		if l.Current() != nil {
			n++
		}
	}
	return n
}

// VersionLock returns the mutex serialising compilation for one resolver
// version-correction. Locks are striped, so distinct version-corrections may
// share a mutex.
func (c *MemoryCache) VersionLock(vc schema.VersionCorrection) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vc.String()))
	return &c.versions[h.Sum32()%versionStripes]
}
