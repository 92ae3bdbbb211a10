package cache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrun-sh/outrun/pkg/proto"
)

var testRoot = proto.RootVersion{MachineID: "m1", BootNs: 1000}

func openTestCache(t *testing.T, dir string, opts Options) *Cache {
	t.Helper()
	opts.Root = dir
	if opts.SystemPaths == nil {
		opts.SystemPaths = []string{"/usr", "/lib"}
	}
	if opts.RootVersion.Stamp() == "" {
		opts.RootVersion = testRoot
	}
	c, err := Open(opts)
	require.NoError(t, err)
	return c
}

func attrItem(path string, size uint64) proto.BundleItem {
	attr := &proto.Attributes{Mode: 0o100644, Size: size, MtimeNs: 111, Ino: 42}
	return proto.BundleItem{Path: path, Meta: proto.Metadata{Attr: attr}}
}

func blobItem(path string, data []byte) proto.BundleItem {
	item := attrItem(path, uint64(len(data)))
	contents := proto.ContentsFromData(data, 0)
	item.Contents = &contents
	return item
}

func bundle(items ...proto.BundleItem) *proto.BulkFetchResponse {
	return &proto.BulkFetchResponse{Items: items}
}

func TestCacheBasics(t *testing.T) {
	t.Run("MetaHitAfterInsert", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		c.PutBundle(bundle(attrItem("/usr/bin/tool", 10)))

		meta, ok := c.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		require.NotNil(t, meta.Attr)
		assert.Equal(t, uint64(10), meta.Attr.Size)
	})

	t.Run("CachedAttributesAreReadOnly", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		item := attrItem("/usr/bin/tool", 10)
		item.Meta.Attr.Mode = 0o100777
		c.PutBundle(bundle(item))

		meta, ok := c.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		assert.Equal(t, uint32(0o100555), meta.Attr.Mode)
	})

	t.Run("UserPathsNeverCached", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		c.PutBundle(bundle(attrItem("/home/user/data", 10)))

		_, ok := c.GetMeta("/home/user/data")
		assert.False(t, ok)
		assert.Zero(t, c.Stats().Entries)
	})

	t.Run("DirlistAndReadlink", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		dirItem := attrItem("/usr/lib", 0)
		dirItem.Meta.Attr.Mode = 0o040755
		dirItem.Children = []proto.DirEntry{
			{Name: "libc.so.6", Attr: proto.Attributes{Mode: 0o100755}},
		}
		linkItem := attrItem("/usr/lib/libz.so", 0)
		linkItem.Meta.Attr.Mode = 0o120777
		linkItem.Meta.Link = "libz.so.1.3"
		c.PutBundle(bundle(dirItem, linkItem))

		children, ok := c.GetDirlist("/usr/lib")
		require.True(t, ok)
		require.Len(t, children, 1)
		assert.Equal(t, "libc.so.6", children[0].Name)

		target, ok := c.GetLink("/usr/lib/libz.so")
		require.True(t, ok)
		assert.Equal(t, "libz.so.1.3", target)
	})
}

// TestBlobIntegrity covers the blob store invariant: a stored blob's bytes
// always hash to its key.
func TestBlobIntegrity(t *testing.T) {
	t.Run("BlobRoundTrips", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		data := []byte("#!/bin/sh\necho hello\n")
		c.PutBundle(bundle(blobItem("/usr/bin/hello", data)))

		f, ok := c.OpenBlob("/usr/bin/hello")
		require.True(t, ok)
		defer f.Close()

		read, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		assert.Equal(t, data, read)
		assert.Equal(t, proto.ChecksumOf(read), proto.ChecksumOf(data))
	})

	t.Run("IdenticalFilesShareOneBlob", func(t *testing.T) {
		dir := t.TempDir()
		c := openTestCache(t, dir, Options{})
		defer c.Close()

		data := []byte("identical shared object bytes")
		c.PutBundle(bundle(blobItem("/usr/lib/a.so", data), blobItem("/usr/lib64/a.so", data)))

		// Two attrs plus one blob (plus nothing else).
		stats := c.Stats()
		assert.Equal(t, uint64(len(data)), stats.Bytes)
	})

	t.Run("CorruptBlobIsInvalidatedAndRemoved", func(t *testing.T) {
		dir := t.TempDir()
		c := openTestCache(t, dir, Options{})
		defer c.Close()

		data := []byte("to be corrupted")
		c.PutBundle(bundle(blobItem("/usr/bin/victim", data)))

		sum, ok := c.BlobChecksum("/usr/bin/victim")
		require.True(t, ok)
		require.NoError(t, os.WriteFile(c.blobs.Path(sum), []byte("flipped bits!!!"), 0o600))

		_, ok = c.OpenBlob("/usr/bin/victim")
		assert.False(t, ok)

		// The entry went with the blob.
		_, ok = c.GetMeta("/usr/bin/victim")
		assert.False(t, ok)
	})

	t.Run("RepeatedCorruptionDegradesCache", func(t *testing.T) {
		dir := t.TempDir()
		c := openTestCache(t, dir, Options{})
		defer c.Close()

		data := []byte("cursed file")
		for i := 0; i < 2; i++ {
			c.PutBundle(bundle(blobItem("/usr/bin/cursed", data)))
			sum, ok := c.BlobChecksum("/usr/bin/cursed")
			require.True(t, ok)
			require.NoError(t, os.WriteFile(c.blobs.Path(sum), []byte("garbage garbage"), 0o600))
			// Force re-verification despite the per-session memo.
			c.verifiedMu.Lock()
			delete(c.verified, sum)
			c.verifiedMu.Unlock()
			_, _ = c.OpenBlob("/usr/bin/cursed")
		}

		assert.True(t, c.Stats().Degraded)

		// Degraded: read-through off, inserts ignored.
		c.PutBundle(bundle(attrItem("/usr/bin/other", 1)))
		_, ok := c.GetMeta("/usr/bin/other")
		assert.False(t, ok)
	})
}

// TestCapEnforcement covers the invariant that both caps hold after every
// insert.
func TestCapEnforcement(t *testing.T) {
	t.Run("EntryCap", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{MaxEntries: 4, MaxSize: 1 << 30})
		defer c.Close()

		for _, p := range []string{"/usr/a", "/usr/b", "/usr/c", "/usr/d", "/usr/e", "/usr/f"} {
			c.PutBundle(bundle(attrItem(p, 1)))
			assert.LessOrEqual(t, c.Stats().Entries, 4)
		}
	})

	t.Run("ByteCap", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{MaxEntries: 100, MaxSize: 64})
		defer c.Close()

		for i, p := range []string{"/usr/a", "/usr/b", "/usr/c", "/usr/d"} {
			data := make([]byte, 30)
			data[0] = byte(i) // distinct hashes
			c.PutBundle(bundle(blobItem(p, data)))
			assert.LessOrEqual(t, c.Stats().Bytes, uint64(64))
		}
	})

	t.Run("EvictsLeastRecentlyUsedFirst", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{MaxEntries: 3, MaxSize: 1 << 30})
		defer c.Close()

		c.PutBundle(bundle(attrItem("/usr/old", 1)))
		c.PutBundle(bundle(attrItem("/usr/mid", 1)))
		c.PutBundle(bundle(attrItem("/usr/new", 1)))

		// Touch the oldest so the middle one becomes the victim.
		_, ok := c.GetMeta("/usr/old")
		require.True(t, ok)

		c.PutBundle(bundle(attrItem("/usr/extra", 1)))

		_, ok = c.GetMeta("/usr/old")
		assert.True(t, ok, "recently touched entry survived")
		_, ok = c.GetMeta("/usr/mid")
		assert.False(t, ok, "least recently used entry evicted")
	})

	t.Run("ReferencedBlobOutlivesOrphan", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{MaxEntries: 100, MaxSize: 40})
		defer c.Close()

		c.PutBundle(bundle(blobItem("/usr/kept", []byte("kept-kept-kept-kept!"))))

		// Orphan the first blob's sibling by invalidating its attr.
		c.PutBundle(bundle(blobItem("/usr/orphaned", []byte("orphan-orphan-orpha!"))))
		c.Invalidate("/usr/orphaned")

		// Inserting pressure evicts the orphan blob, not the kept one.
		c.PutBundle(bundle(blobItem("/usr/fresh", []byte("fresh-fresh-fresh-f!"))))

		_, ok := c.OpenBlob("/usr/kept")
		assert.True(t, ok)
	})
}

// TestLRUMonotonicity covers the invariant that hits strictly increase the
// recency of the hit entry.
func TestLRUMonotonicity(t *testing.T) {
	c := openTestCache(t, t.TempDir(), Options{})
	defer c.Close()

	c.PutBundle(bundle(attrItem("/usr/bin/tool", 1)))
	key := AttrKey("/usr/bin/tool")

	var last uint64
	for i := 0; i < 10; i++ {
		_, ok := c.GetMeta("/usr/bin/tool")
		require.True(t, ok)

		c.mu.RLock()
		use := atomic.LoadUint64(&c.entries[key].LastUse)
		c.mu.RUnlock()

		assert.Greater(t, use, last)
		last = use
	}
}

// TestSingleFlight covers miss coalescing: N concurrent misses on one key
// issue exactly one fetch, and every caller observes the result.
func TestSingleFlight(t *testing.T) {
	c := openTestCache(t, t.TempDir(), Options{})
	defer c.Close()

	var fetches atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Fetch(AttrKey("/usr/bin/ffmpeg"), func() error {
				fetches.Add(1)
				c.PutBundle(bundle(attrItem("/usr/bin/ffmpeg", 999)))
				return nil
			})
			assert.NoError(t, err)

			meta, ok := c.GetMeta("/usr/bin/ffmpeg")
			assert.True(t, ok)
			assert.Equal(t, uint64(999), meta.Attr.Size)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "concurrent misses coalesced into one fetch")
}

// TestNegativeCaching covers the warm-negative invariant: a probe of a
// known-absent path answers locally.
func TestNegativeCaching(t *testing.T) {
	t.Run("NegativeBundleItem", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		missing := "/usr/lib/python3/__pycache__/foo.cpython-311.pyc"
		c.PutBundle(bundle(proto.BundleItem{
			Path: missing,
			Meta: proto.Metadata{Err: proto.NewError(proto.ErrnoNotFound, missing)},
		}))

		meta, ok := c.GetMeta(missing)
		require.True(t, ok)
		require.NotNil(t, meta.Err)
		assert.Equal(t, proto.ErrnoNotFound, meta.Err.Code)
	})

	t.Run("PositiveResultSupersedesNegative", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		c.PutNegative("/usr/bin/tool", proto.NewError(proto.ErrnoNotFound, "/usr/bin/tool"))
		c.PutBundle(bundle(attrItem("/usr/bin/tool", 5)))

		meta, ok := c.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		assert.Nil(t, meta.Err)
		assert.Equal(t, uint64(5), meta.Attr.Size)
	})

	t.Run("NegativeInvalidatesPositive", func(t *testing.T) {
		c := openTestCache(t, t.TempDir(), Options{})
		defer c.Close()

		c.PutBundle(bundle(attrItem("/usr/bin/tool", 5)))
		c.PutBundle(bundle(proto.BundleItem{
			Path: "/usr/bin/tool",
			Meta: proto.Metadata{Err: proto.NewError(proto.ErrnoNotFound, "/usr/bin/tool")},
		}))

		meta, ok := c.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		require.NotNil(t, meta.Err)
	})
}

// TestPersistence covers reload across sessions and the session-isolation
// invariant: entries from an older epoch never serve before revalidation.
func TestPersistence(t *testing.T) {
	t.Run("SurvivesReopen", func(t *testing.T) {
		dir := t.TempDir()

		c := openTestCache(t, dir, Options{})
		c.PutBundle(bundle(blobItem("/usr/bin/tool", []byte("persistent bytes"))))
		require.NoError(t, c.Close())

		c2 := openTestCache(t, dir, Options{})
		defer c2.Close()

		meta, ok := c2.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		assert.Equal(t, uint64(16), meta.Attr.Size)

		_, ok = c2.OpenBlob("/usr/bin/tool")
		assert.True(t, ok)
	})

	t.Run("DifferentEpochMarksStale", func(t *testing.T) {
		dir := t.TempDir()

		c := openTestCache(t, dir, Options{})
		c.PutBundle(bundle(attrItem("/usr/bin/tool", 7)))
		require.NoError(t, c.Close())

		c2 := openTestCache(t, dir, Options{
			RootVersion: proto.RootVersion{MachineID: "m1", BootNs: 2000},
		})
		defer c2.Close()

		// Stale entries read as misses until revalidated.
		_, ok := c2.GetMeta("/usr/bin/tool")
		assert.False(t, ok)

		// They are offered for batched revalidation exactly once.
		checks := c2.PendingRevalidations(10)
		require.Len(t, checks, 1)
		assert.Equal(t, "/usr/bin/tool", checks[0].Path)
		assert.Empty(t, c2.PendingRevalidations(10))

		// Confirmation brings the entry back.
		c2.PutBundle(&proto.BulkFetchResponse{Unchanged: []string{"/usr/bin/tool"}})
		meta, ok := c2.GetMeta("/usr/bin/tool")
		require.True(t, ok)
		assert.Equal(t, uint64(7), meta.Attr.Size)
	})

	t.Run("SecondSessionHoldingLockFails", func(t *testing.T) {
		dir := t.TempDir()
		c := openTestCache(t, dir, Options{})
		defer c.Close()

		_, err := Open(Options{Root: dir, SystemPaths: []string{"/usr"}, RootVersion: testRoot})
		require.Error(t, err)
	})
}

// TestCrashRecovery covers startup after a kill between blob temp-write
// and rename.
func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	c := openTestCache(t, dir, Options{})
	c.PutBundle(bundle(blobItem("/usr/bin/survivor", []byte("survivor data"))))
	require.NoError(t, c.Close())

	// Simulate a crashed writer: an abandoned temp file in a blob shard.
	shard := filepath.Join(dir, "blobs", "ab")
	require.NoError(t, os.MkdirAll(shard, 0o700))
	orphan := filepath.Join(shard, "abcdef.12345"+tmpSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o600))

	c2 := openTestCache(t, dir, Options{})
	defer c2.Close()

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "orphan temp file cleaned at startup")

	_, ok := c2.OpenBlob("/usr/bin/survivor")
	assert.True(t, ok, "intact blob still serves")
}
