// Package cache is the response cache: identical recent requests are
// answered without touching retrieval or the generator. Entries are keyed
// by a deterministic fingerprint that includes the corpus version, so a
// corpus change makes prior entries unreachable without a flush.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alcove-sh/alcove/internal/retrieval"
)

// DefaultEntries bounds the number of cached answers.
const DefaultEntries = 512

// Citation is one source reference attached to a cached answer.
type Citation struct {
	Origin  retrieval.Origin  `json:"origin"`
	Locator retrieval.Locator `json:"locator"`
}

// AnswerRecord is a complete cached answer.
type AnswerRecord struct {
	Answer        string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	Model         string     `json:"model"`
	CorpusVersion uint64     `json:"corpus_version"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// FingerprintInput lists everything that can change the answer. Two
// requests with equal inputs produce equal fingerprints.
type FingerprintInput struct {
	Query         string
	Mode          string
	Model         string
	Temperature   float64
	MaxTokens     int
	RerankTopK    int
	MinScore      float64
	WebResults    int
	CorpusVersion uint64

	// MemoryHash folds per-user memory and prompt overrides into the key.
	// Empty for users with neither.
	MemoryHash string
}

// Fingerprint computes the deterministic cache key. The query is lowercased
// with whitespace collapsed so trivial reformattings share an entry.
func Fingerprint(in FingerprintInput) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(in.Query)), " ")

	h := sha256.New()
	fmt.Fprintf(h, "q=%s\nmode=%s\nmodel=%s\ntemp=%g\nmax_tokens=%d\nrerank_top_k=%d\nmin_score=%g\nweb_results=%d\ncorpus_version=%d\nmemory=%s\n",
		normalized, in.Mode, in.Model, in.Temperature, in.MaxTokens, in.RerankTopK, in.MinScore, in.WebResults, in.CorpusVersion, in.MemoryHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a TTL-bounded LRU of answer records.
type Cache struct {
	lru        *expirable.LRU[string, AnswerRecord]
	defaultTTL time.Duration
}

// New creates a cache holding up to entries records, each live for ttl
// unless the put carries a shorter one.
func New(entries int, ttl time.Duration) *Cache {
	if entries <= 0 {
		entries = DefaultEntries
	}
	return &Cache{
		lru:        expirable.NewLRU[string, AnswerRecord](entries, nil, ttl),
		defaultTTL: ttl,
	}
}

// Get returns the record for fingerprint, if present and not expired.
// Per-entry expiry is enforced here; the LRU's own TTL is a backstop.
func (c *Cache) Get(fingerprint string) (AnswerRecord, bool) {
	rec, ok := c.lru.Get(fingerprint)
	if !ok {
		return AnswerRecord{}, false
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		c.lru.Remove(fingerprint)
		return AnswerRecord{}, false
	}
	return rec, true
}

// Put stores a record under ttl; ttl <= 0 means the cache default. A
// per-entry ttl can shorten an entry's life below the default, never
// extend it past the LRU backstop. Repeating a put on the same
// fingerprint refreshes the entry.
func (c *Cache) Put(fingerprint string, record AnswerRecord, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		record.ExpiresAt = time.Now().Add(ttl)
	}
	c.lru.Add(fingerprint, record)
}

// InvalidateVersion evicts every record produced against oldVersion. The
// version in the fingerprint already makes such entries unreachable; this
// just reclaims their space eagerly.
func (c *Cache) InvalidateVersion(oldVersion uint64) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		rec, ok := c.lru.Peek(key)
		if ok && rec.CorpusVersion == oldVersion {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
