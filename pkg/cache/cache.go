// Package cache implements the persistent content-addressed cache on the
// remote machine.
//
// The cache is built around one asymmetry: bandwidth is cheap, latency is
// expensive. Metadata, directory listings, symlink targets, negative
// results and whole file blobs all cache under their own keys; identical
// files across paths share one blob through content addressing. Entries
// carry the validator and root version they were fetched under, so a new
// session revalidates in bulk instead of trusting stale state.
//
// Concurrency: the in-memory index takes a readers-writer lock. Lookups
// hold the read side and bump recency with an atomic store; every mutation
// (insert, eviction, invalidation) serializes through the write side, which
// is also the only place index log records are appended. Blob files write
// content-addressed temp-then-rename, so they need no lock at all. A
// single-flight gate collapses concurrent misses for one key into one
// upstream fetch.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/proto"
)

// Options configures a cache instance.
type Options struct {
	// Root is the cache directory; created lazily.
	Root string

	// MaxEntries caps the number of entries of all kinds.
	MaxEntries int

	// MaxSize caps total blob bytes on disk.
	MaxSize uint64

	// SystemPaths are the prefixes eligible for persistent caching.
	SystemPaths []string

	// RootVersion is the local machine's filesystem epoch for this
	// session. Entries fetched under a different epoch are revalidated
	// before first use.
	RootVersion proto.RootVersion
}

// Stats is a point-in-time usage summary.
type Stats struct {
	Entries  int
	Bytes    uint64
	Degraded bool
}

// Cache is the persistent cache. Safe for concurrent use.
type Cache struct {
	opts    Options
	blobs   *blobStore
	metrics *metrics.CacheMetrics
	flight  *flightGroup

	mu      sync.RWMutex
	entries map[Key]*Entry
	blobRef map[proto.Checksum]int
	index   *index
	bytes   uint64
	closed  bool

	nextUse atomic.Uint64

	// verified tracks blobs integrity-checked this session.
	verifiedMu sync.Mutex
	verified   map[proto.Checksum]struct{}
	corrupt    map[string]int

	degraded atomic.Bool

	// revalPending tracks stale entries already handed out for batched
	// revalidation, so two concurrent misses do not both carry them.
	revalMu      sync.Mutex
	revalPending map[string]struct{}
}

// Open locks the cache root, replays the index, cleans up after any crashed
// predecessor and marks entries from older epochs stale.
func Open(opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = 20 << 30
	}

	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	ix, err := openIndex(opts.Root)
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(filepath.Join(opts.Root, "blobs"))
	if err != nil {
		ix.Close()
		return nil, err
	}

	// Crash cleanup before anything trusts the disk state.
	blobs.CleanTemp()
	ix.CleanTemp()

	entries, nextUse, err := ix.Load()
	if err != nil {
		ix.Close()
		return nil, err
	}

	c := &Cache{
		opts:         opts,
		blobs:        blobs,
		metrics:      metrics.NewCacheMetrics(),
		flight:       newFlightGroup(),
		entries:      entries,
		blobRef:      make(map[proto.Checksum]int),
		index:        ix,
		verified:     make(map[proto.Checksum]struct{}),
		corrupt:      make(map[string]int),
		revalPending: make(map[string]struct{}),
	}
	c.nextUse.Store(nextUse + 1)

	c.rebuild()
	c.markStale()
	c.publishUsage()

	logger.Info("cache opened",
		"root", opts.Root, "entries", len(c.entries), "bytes", c.bytes)
	return c, nil
}

// rebuild derives byte totals and blob reference counts from the loaded
// entries, dropping entries whose blob files vanished.
func (c *Cache) rebuild() {
	var dead []Key

	for key, e := range c.entries {
		switch e.Key.Kind {
		case KindBlob:
			var sum proto.Checksum
			if !parseHexChecksum(e.Key.Path, &sum) || !c.blobs.Exists(sum) {
				dead = append(dead, key)
				continue
			}
			c.bytes += e.Bytes
		case KindAttr:
			if e.BlobHash != nil {
				c.blobRef[*e.BlobHash]++
			}
		}
	}

	for _, key := range dead {
		delete(c.entries, key)
	}

	// Attr entries may reference blobs that no longer exist; drop the
	// dangling edges so opens refetch instead of failing.
	for _, e := range c.entries {
		if e.Key.Kind == KindAttr && e.BlobHash != nil {
			if _, ok := c.entries[BlobKey(*e.BlobHash)]; !ok {
				c.blobRef[*e.BlobHash]--
				if c.blobRef[*e.BlobHash] <= 0 {
					delete(c.blobRef, *e.BlobHash)
				}
				e.BlobHash = nil
			}
		}
	}
}

// markStale flags entries fetched under a different root version. They are
// unusable until a bulk revalidation confirms or replaces them.
func (c *Cache) markStale() {
	stamp := c.opts.RootVersion.Stamp()
	stale := 0
	for _, e := range c.entries {
		if e.Key.Kind == KindBlob {
			continue
		}
		if e.RootStamp != stamp {
			e.stale = true
			stale++
		}
	}
	if stale > 0 {
		logger.Info("cache entries pending revalidation", "count", stale)
	}
}

// Close compacts the index (persisting final recency state) and releases
// the lock.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.index.Compact(c.entries, c.nextUse.Load()); err != nil {
		logger.Error("cache compaction at close failed", "error", err)
	}
	return c.index.Close()
}

// Stats returns current usage.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.entries), Bytes: c.bytes, Degraded: c.degraded.Load()}
}

// ============================================================================
// System Path Predicate
// ============================================================================

// IsSystemPath reports whether a path falls under a cacheable prefix. Only
// system paths are cached persistently; everything else bypasses the cache
// entirely.
func (c *Cache) IsSystemPath(p string) bool {
	for _, prefix := range c.opts.SystemPaths {
		if p == prefix {
			return true
		}
		if strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// ============================================================================
// Lookups
// ============================================================================

// touch bumps an entry's recency. The counter is process-global and
// monotone; a hit can only move an entry later in eviction order.
func (c *Cache) touch(e *Entry) {
	atomic.StoreUint64(&e.LastUse, c.nextUse.Add(1))
}

// lookup returns a usable entry or nil. Stale entries and degraded mode
// read as misses.
func (c *Cache) lookup(key Key) *Entry {
	if c.degraded.Load() {
		c.metrics.ObserveLookup(key.Kind.String(), "miss")
		return nil
	}

	c.mu.RLock()
	e := c.entries[key]
	if e != nil && e.stale {
		c.mu.RUnlock()
		c.metrics.ObserveLookup(key.Kind.String(), "stale")
		return nil
	}
	if e != nil {
		c.touch(e)
	}
	c.mu.RUnlock()

	if e == nil {
		c.metrics.ObserveLookup(key.Kind.String(), "miss")
		return nil
	}
	c.metrics.ObserveLookup(key.Kind.String(), "hit")
	return e
}

// GetMeta returns cached metadata for a path: a positive attr entry, or the
// negative error a previous probe produced. Attributes come back with write
// bits stripped - cached files are read-only for the session.
func (c *Cache) GetMeta(path string) (proto.Metadata, bool) {
	if e := c.lookup(AttrKey(path)); e != nil {
		meta := e.Meta
		if meta.Attr != nil {
			ro := meta.Attr.AsReadOnly()
			meta.Attr = &ro
		}
		return meta, true
	}
	if e := c.lookup(NegativeKey(path)); e != nil {
		return proto.Metadata{Err: e.Meta.Err}, true
	}
	return proto.Metadata{}, false
}

// GetDirlist returns a cached directory snapshot.
func (c *Cache) GetDirlist(path string) ([]proto.DirEntry, bool) {
	if e := c.lookup(DirlistKey(path)); e != nil {
		return e.Children, true
	}
	return nil, false
}

// GetLink returns a cached symlink target.
func (c *Cache) GetLink(path string) (string, bool) {
	if e := c.lookup(ReadlinkKey(path)); e != nil {
		return e.Link, true
	}
	return "", false
}

// OpenBlob opens the cached contents for a path, verifying blob integrity
// on first use each session. The returned file supports ranged reads.
func (c *Cache) OpenBlob(path string) (*os.File, bool) {
	e := c.lookup(AttrKey(path))
	if e == nil || e.BlobHash == nil {
		return nil, false
	}
	sum := *e.BlobHash

	if err := c.verifyBlob(path, sum); err != nil {
		return nil, false
	}

	f, err := c.blobs.Open(sum)
	if err != nil {
		// The blob file vanished under us; drop the edge and refetch.
		c.Invalidate(path)
		return nil, false
	}

	// Keep shared blobs warm in eviction order.
	c.lookup(BlobKey(sum))
	return f, true
}

// verifyBlob integrity-checks a blob once per session. Corruption
// invalidates the entry; recurring corruption for one key degrades the
// cache (read-through off) rather than looping on a bad disk.
func (c *Cache) verifyBlob(path string, sum proto.Checksum) error {
	c.verifiedMu.Lock()
	if _, ok := c.verified[sum]; ok {
		c.verifiedMu.Unlock()
		return nil
	}
	c.verifiedMu.Unlock()

	if err := c.blobs.Verify(sum); err != nil {
		c.metrics.IncCorrupt()
		logger.Warn("cache blob failed integrity check",
			logger.KeyPath, path, "hash", sum.Hex())

		c.Invalidate(path)
		c.removeBlob(sum)

		c.verifiedMu.Lock()
		c.corrupt[path]++
		hits := c.corrupt[path]
		c.verifiedMu.Unlock()

		if hits >= 2 && !c.degraded.Swap(true) {
			c.metrics.SetDegraded(true)
			logger.Error("cache degraded: read-through disabled", logger.KeyPath, path)
		}
		return proto.ErrCacheCorrupt
	}

	c.verifiedMu.Lock()
	c.verified[sum] = struct{}{}
	c.verifiedMu.Unlock()
	return nil
}

// BlobChecksum exposes the cached blob hash for a path, for conditional
// revalidation.
func (c *Cache) BlobChecksum(path string) (proto.Checksum, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[AttrKey(path)]
	if e == nil || e.BlobHash == nil {
		return proto.Checksum{}, false
	}
	return *e.BlobHash, true
}

// CachedContentPaths lists every path with warm, non-stale contents. Sent
// to the server at session start so it skips prefetching what the cache
// already holds.
func (c *Cache) CachedContentPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var paths []string
	for _, e := range c.entries {
		if e.Key.Kind == KindAttr && e.BlobHash != nil && !e.stale {
			paths = append(paths, e.Key.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Fetch coalesces concurrent misses for a key: among concurrent callers fn
// runs once, and everyone observes its error. Results travel through the
// cache itself. A caller that missed just before another leader finished
// finds a fresh entry stored under the key and skips fn; blob fetch keys
// name no stored entry, so their fn always runs.
func (c *Cache) Fetch(key Key, fn func() error) error {
	return c.flight.Do(key.String(), func() error {
		if !c.degraded.Load() {
			c.mu.RLock()
			e := c.entries[key]
			if e == nil && key.Kind == KindAttr {
				e = c.entries[NegativeKey(key.Path)]
			}
			warm := e != nil && !e.stale
			c.mu.RUnlock()
			if warm {
				return nil
			}
		}
		return fn()
	})
}

// ============================================================================
// Inserts
// ============================================================================

// PutBundle inserts every item of a bulk fetch response under its natural
// keys and applies revalidation confirmations. Prefetch is advisory: items
// land here whether or not the speculation pans out, and later misses
// benefit regardless.
func (c *Cache) PutBundle(resp *proto.BulkFetchResponse) {
	stamp := c.opts.RootVersion.Stamp()

	for _, path := range resp.Unchanged {
		c.confirmUnchanged(path, stamp)
	}
	for _, path := range resp.ContentsUnchanged {
		c.confirmBlobOnly(path)
	}

	for i := range resp.Items {
		c.putItem(&resp.Items[i])
	}
}

// confirmUnchanged refreshes the stamp on entries whose validator matched.
func (c *Cache) confirmUnchanged(path, stamp string) {
	c.mu.Lock()
	for _, key := range []Key{AttrKey(path), DirlistKey(path), ReadlinkKey(path), NegativeKey(path)} {
		if e := c.entries[key]; e != nil {
			e.stale = false
			e.RootStamp = stamp
		}
	}
	c.mu.Unlock()

	c.revalMu.Lock()
	delete(c.revalPending, path)
	c.revalMu.Unlock()
}

// confirmBlobOnly notes that a path's blob survived revalidation even
// though its metadata changed; the fresh metadata arrives as a bundle item
// that must keep the blob edge.
func (c *Cache) confirmBlobOnly(path string) {
	c.revalMu.Lock()
	delete(c.revalPending, path)
	c.revalMu.Unlock()
}

// putItem stores one bundle item under its natural keys.
func (c *Cache) putItem(item *proto.BundleItem) {
	if c.degraded.Load() || !c.IsSystemPath(item.Path) {
		return
	}

	stamp := c.opts.RootVersion.Stamp()
	validator := item.Meta.Validator()

	// Negative results are first-class entries: a known-absent path
	// answers locally.
	if item.Meta.Err != nil {
		// A path that turned negative also invalidates whatever
		// positive state was cached for it.
		c.invalidatePositive(item.Path)
		c.putEntry(&Entry{
			Key:       NegativeKey(item.Path),
			Meta:      proto.Metadata{Err: item.Meta.Err},
			RootStamp: stamp,
		})
		return
	}

	var blobHash *proto.Checksum
	var blobSize uint64
	if item.Contents != nil {
		if data, err := item.Contents.Bytes(); err == nil {
			sum := item.Contents.Checksum
			if err := c.blobs.Write(sum, data); err == nil {
				blobHash = &sum
				blobSize = item.Contents.Size
			} else {
				logger.Warn("blob write failed", logger.KeyPath, item.Path, "error", err)
			}
		} else {
			logger.Warn("bundle blob failed checksum", logger.KeyPath, item.Path, "error", err)
		}
	}

	// Metadata refreshes without fresh contents keep the existing blob
	// edge when the contents are known unchanged.
	freshBlob := blobHash != nil
	if blobHash == nil {
		if sum, ok := c.BlobChecksum(item.Path); ok {
			blobHash = &sum
		}
	}

	// The attr entry goes in before its blob entry so the blob is
	// referenced the moment it exists; an unreferenced fresh blob would
	// be the eviction pass's first victim.
	c.putEntry(&Entry{
		Key:       AttrKey(item.Path),
		Meta:      item.Meta,
		Validator: validator,
		RootStamp: stamp,
		BlobHash:  blobHash,
	})

	if freshBlob {
		c.putEntry(&Entry{
			Key:       BlobKey(*blobHash),
			RootStamp: stamp,
			Bytes:     blobSize,
		})
	}

	if item.Meta.Link != "" {
		c.putEntry(&Entry{
			Key:       ReadlinkKey(item.Path),
			Link:      item.Meta.Link,
			Validator: validator,
			RootStamp: stamp,
		})
	}

	if item.Children != nil {
		c.putEntry(&Entry{
			Key:       DirlistKey(item.Path),
			Children:  item.Children,
			Validator: validator,
			RootStamp: stamp,
		})
	}

	// A positive result supersedes any cached negative.
	c.removeKey(NegativeKey(item.Path), "invalid")

	c.revalMu.Lock()
	delete(c.revalPending, item.Path)
	c.revalMu.Unlock()
}

// PutNegative records a typed error for a path, synthesized locally (for
// example from a cached parent listing that lacks the name).
func (c *Cache) PutNegative(path string, perr *proto.Error) {
	if c.degraded.Load() || !c.IsSystemPath(path) {
		return
	}
	c.putEntry(&Entry{
		Key:       NegativeKey(path),
		Meta:      proto.Metadata{Err: perr},
		RootStamp: c.opts.RootVersion.Stamp(),
	})
}

// putEntry inserts or replaces one entry, appends the index record and
// enforces the caps. Cap enforcement runs after every insert.
func (c *Cache) putEntry(e *Entry) {
	e.LastUse = c.nextUse.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if old := c.entries[e.Key]; old != nil {
		// Same-key replacement: a blob key re-insert refers to the same
		// file, so the payload stays on disk.
		c.dropPayload(old, false)
	}
	c.entries[e.Key] = e
	if e.Key.Kind == KindBlob {
		c.bytes += e.Bytes
	}
	if e.Key.Kind == KindAttr && e.BlobHash != nil {
		c.blobRef[*e.BlobHash]++
	}

	if err := c.index.Append(idxRecord{Op: recordPut, Entry: *e}); err != nil {
		logger.Warn("cache index append failed", "error", err)
	}

	c.enforceCaps()
	c.maybeCompact()
	c.publishUsage()
}

// ============================================================================
// Invalidation
// ============================================================================

// Invalidate removes every entry for a path. Dependents go with it: the
// attr's blob reference is dropped, and an orphaned blob becomes the first
// eviction candidate.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidatePositiveLocked(path)
	c.removeKeyLocked(NegativeKey(path), "invalid")
	c.publishUsage()
}

func (c *Cache) invalidatePositive(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidatePositiveLocked(path)
}

func (c *Cache) invalidatePositiveLocked(path string) {
	c.removeKeyLocked(AttrKey(path), "invalid")
	c.removeKeyLocked(DirlistKey(path), "invalid")
	c.removeKeyLocked(ReadlinkKey(path), "invalid")
}

func (c *Cache) removeKey(key Key, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeKeyLocked(key, reason)
}

func (c *Cache) removeKeyLocked(key Key, reason string) {
	e := c.entries[key]
	if e == nil {
		return
	}
	c.dropPayload(e, true)
	delete(c.entries, key)
	c.metrics.ObserveEviction(reason)

	if err := c.index.Append(idxRecord{Op: recordDelete, Entry: Entry{Key: key}}); err != nil {
		logger.Warn("cache index append failed", "error", err)
	}
}

// dropPayload releases what an entry pins: byte accounting and the on-disk
// file for blobs, reference counts for attr entries. removeFile is false
// when a blob entry is being replaced in place. Caller holds the write
// lock.
func (c *Cache) dropPayload(e *Entry, removeFile bool) {
	switch e.Key.Kind {
	case KindBlob:
		c.bytes -= e.Bytes
		var sum proto.Checksum
		if removeFile && parseHexChecksum(e.Key.Path, &sum) {
			c.blobs.Remove(sum)
		}
	case KindAttr:
		if e.BlobHash != nil {
			c.blobRef[*e.BlobHash]--
			if c.blobRef[*e.BlobHash] <= 0 {
				delete(c.blobRef, *e.BlobHash)
			}
		}
	}
}

// removeBlob drops a blob entry and its file outside an eviction pass.
func (c *Cache) removeBlob(sum proto.Checksum) {
	c.removeKey(BlobKey(sum), "invalid")
}

// ============================================================================
// Eviction
// ============================================================================

func (c *Cache) overCaps() bool {
	return len(c.entries) > c.opts.MaxEntries || c.bytes > c.opts.MaxSize
}

// enforceCaps evicts until both caps hold. Order: orphan blobs first, then
// strictly ascending recency with ties broken by larger on-disk footprint.
// A referenced blob is never evicted directly - its referrer goes first,
// which orphans it for the next round. Caller holds the write lock.
func (c *Cache) enforceCaps() {
	for c.overCaps() {
		victim := c.pickVictim()
		if victim == nil {
			return
		}
		c.removeKeyLocked(victim.Key, "lru")
	}
}

func (c *Cache) pickVictim() *Entry {
	var victim *Entry
	victimOrphan := false

	better := func(e *Entry, orphan bool) bool {
		if victim == nil {
			return true
		}
		if orphan != victimOrphan {
			return orphan
		}
		eUse := atomic.LoadUint64(&e.LastUse)
		vUse := atomic.LoadUint64(&victim.LastUse)
		if eUse != vUse {
			return eUse < vUse
		}
		return e.Bytes > victim.Bytes
	}

	for _, e := range c.entries {
		if e.Key.Kind == KindBlob {
			var sum proto.Checksum
			orphan := parseHexChecksum(e.Key.Path, &sum) && c.blobRef[sum] == 0
			if !orphan {
				continue
			}
			if better(e, true) {
				victim, victimOrphan = e, true
			}
			continue
		}
		if better(e, false) {
			victim, victimOrphan = e, false
		}
	}
	return victim
}

func (c *Cache) maybeCompact() {
	if !c.index.NeedsCompaction() {
		return
	}
	if err := c.index.Compact(c.entries, c.nextUse.Load()); err != nil {
		logger.Warn("cache compaction failed", "error", err)
	}
}

func (c *Cache) publishUsage() {
	c.metrics.SetUsage(len(c.entries), c.bytes)
}

// ============================================================================
// Revalidation
// ============================================================================

// PendingRevalidations hands out up to max stale entries for batched
// checking, marking them in flight so concurrent bulk fetches do not
// duplicate work.
func (c *Cache) PendingRevalidations(max int) []proto.PathValidator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.revalMu.Lock()
	defer c.revalMu.Unlock()

	var checks []proto.PathValidator
	for _, e := range c.entries {
		if len(checks) >= max {
			break
		}
		if e.Key.Kind != KindAttr || !e.stale {
			continue
		}
		if _, inFlight := c.revalPending[e.Key.Path]; inFlight {
			continue
		}

		check := proto.PathValidator{Path: e.Key.Path, Validator: e.Validator}
		if e.BlobHash != nil {
			sum := *e.BlobHash
			check.Checksum = &sum
		}
		checks = append(checks, check)
		c.revalPending[e.Key.Path] = struct{}{}
	}
	return checks
}

// parseHexChecksum decodes the hex form used in blob keys.
func parseHexChecksum(hex string, out *proto.Checksum) bool {
	if len(hex) != 64 {
		return false
	}
	for i := 0; i < 32; i++ {
		hi := hexVal(hex[i*2])
		lo := hexVal(hex[i*2+1])
		if hi < 0 || lo < 0 {
			return false
		}
		out[i] = byte(hi<<4 | lo)
	}
	return true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return -1
	}
}
