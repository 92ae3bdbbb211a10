package cache

import (
	"fmt"

	"github.com/outrun-sh/outrun/pkg/proto"
)

// ============================================================================
// Entry Model
// ============================================================================

// Kind discriminates what a cache entry holds. The set is closed: the index
// codec and the eviction logic are total over it.
type Kind uint8

const (
	// KindAttr holds bundled metadata (lstat + readlink) for a path,
	// plus an optional reference to a blob by content hash.
	KindAttr Kind = iota + 1

	// KindDirlist holds a complete directory listing snapshot.
	KindDirlist

	// KindReadlink holds a symlink target.
	KindReadlink

	// KindNegative holds the typed error a path produced, so repeated
	// probing of absent files stays local.
	KindNegative

	// KindBlob holds file contents on disk, content-addressed. Blob
	// entries are keyed by hash, not path, so identical files across
	// paths share one blob.
	KindBlob
)

// String returns the kind name used in metrics labels and the index.
func (k Kind) String() string {
	switch k {
	case KindAttr:
		return "attr"
	case KindDirlist:
		return "dirlist"
	case KindReadlink:
		return "readlink"
	case KindNegative:
		return "negative"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies one cache entry. Path-keyed kinds use Path; KindBlob uses
// the hex content hash in Path's place.
type Key struct {
	Kind Kind   `cbor:"kind"`
	Path string `cbor:"path"`
}

// String renders the key for the single-flight gate and logs.
func (k Key) String() string {
	return k.Kind.String() + ":" + k.Path
}

// AttrKey returns the metadata key for a path.
func AttrKey(path string) Key { return Key{Kind: KindAttr, Path: path} }

// DirlistKey returns the listing key for a path.
func DirlistKey(path string) Key { return Key{Kind: KindDirlist, Path: path} }

// ReadlinkKey returns the symlink key for a path.
func ReadlinkKey(path string) Key { return Key{Kind: KindReadlink, Path: path} }

// NegativeKey returns the negative key for a path.
func NegativeKey(path string) Key { return Key{Kind: KindNegative, Path: path} }

// BlobKey returns the content-addressed key for a checksum.
func BlobKey(sum proto.Checksum) Key { return Key{Kind: KindBlob, Path: sum.Hex()} }

// BlobFetchKey returns the single-flight key for fetching a path's
// contents. It never names a stored entry (blobs store by hash, which is
// unknown until the fetch lands); it only coalesces concurrent fetchers.
func BlobFetchKey(path string) Key { return Key{Kind: KindBlob, Path: path} }

// Entry is one cached record. Everything here persists in the index; blob
// payloads live as files under blobs/.
type Entry struct {
	Key Key `cbor:"key"`

	// Meta is set for attr entries; for negative entries only Meta.Err
	// is populated.
	Meta proto.Metadata `cbor:"meta,omitempty"`

	// Children is set for dirlist entries.
	Children []proto.DirEntry `cbor:"children,omitempty"`

	// Link is set for readlink entries.
	Link string `cbor:"link,omitempty"`

	// BlobHash references the contents blob for attr entries of cached
	// regular files. The edge is by value (a hash), never a pointer, so
	// no reference cycles arise and eviction can order blob removal
	// after attr removal.
	BlobHash *proto.Checksum `cbor:"blob_hash,omitempty"`

	// Validator captures the inode version this entry was fetched under.
	Validator proto.Validator `cbor:"validator"`

	// RootStamp is the L root version under which the entry was fetched.
	// A differing stamp at session start marks the entry for
	// revalidation before first use.
	RootStamp string `cbor:"root_stamp"`

	// LastUse is the logical recency counter. Monotonic, never wall
	// clock, so clock skew cannot reorder eviction.
	LastUse uint64 `cbor:"last_use"`

	// Bytes is the entry's on-disk footprint: the stored blob size for
	// blob entries, zero for metadata entries.
	Bytes uint64 `cbor:"bytes"`

	// stale marks entries awaiting revalidation this session. Not
	// persisted: staleness is derived from RootStamp at open.
	stale bool
}
