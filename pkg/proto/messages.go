package proto

// ============================================================================
// Request / Response Payloads
// ============================================================================
//
// One struct pair per wire operation. The frame header carries the opcode and
// request id; these structs are the CBOR payloads. Responses for operations
// that can fail carry no embedded status - a failed request travels as an
// Error payload instead, tagged by the response frame's opcode.

// AuthRequest is the mandatory first message on every connection.
type AuthRequest struct {
	Token string `cbor:"token"`

	// SystemPaths tells the server which prefixes the remote side caches,
	// bounding speculative prefetch to data that can actually be kept.
	SystemPaths []string `cbor:"system_paths,omitempty"`
}

// AuthResponse acknowledges a successful handshake and pins the session's
// view of the local filesystem epoch.
type AuthResponse struct {
	Root RootVersion `cbor:"root"`
}

// PingRequest checks service liveness.
type PingRequest struct{}

// PingResponse answers a ping.
type PingResponse struct{}

// GetattrRequest retrieves metadata (lstat + readlink) for one path.
type GetattrRequest struct {
	Path string `cbor:"path"`
}

// GetattrResponse carries the bundled metadata.
type GetattrResponse struct {
	Meta Metadata `cbor:"meta"`
}

// ReaddirRequest lists a directory. The listing is a complete snapshot with
// child attributes included.
type ReaddirRequest struct {
	Path string `cbor:"path"`
}

// ReaddirResponse carries the listing snapshot.
type ReaddirResponse struct {
	Entries []DirEntry `cbor:"entries"`
}

// ReadlinkRequest reads a symlink target.
type ReadlinkRequest struct {
	Path string `cbor:"path"`
}

// ReadlinkResponse carries the target path bytes.
type ReadlinkResponse struct {
	Target string `cbor:"target"`
}

// OpenReadRequest opens a file for streaming reads.
type OpenReadRequest struct {
	Path string `cbor:"path"`
}

// OpenReadResponse returns the server-side handle along with the attributes
// observed at open time.
type OpenReadResponse struct {
	Handle uint64     `cbor:"handle"`
	Attr   Attributes `cbor:"attr"`
}

// ReadRequest reads a range from an open handle.
type ReadRequest struct {
	Handle uint64 `cbor:"handle"`
	Offset uint64 `cbor:"offset"`
	Length uint32 `cbor:"length"`
}

// ReadResponse carries the bytes read; short reads indicate EOF.
type ReadResponse struct {
	Data []byte `cbor:"data"`
}

// OpenWriteRequest opens or creates a file for writing.
type OpenWriteRequest struct {
	Path  string `cbor:"path"`
	Flags uint32 `cbor:"flags"`
	Mode  uint32 `cbor:"mode"`
}

// OpenWriteResponse returns the write handle.
type OpenWriteResponse struct {
	Handle uint64 `cbor:"handle"`
}

// WriteRequest writes a range to an open handle.
type WriteRequest struct {
	Handle uint64 `cbor:"handle"`
	Offset uint64 `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

// WriteResponse reports how many bytes were written.
type WriteResponse struct {
	Written uint32 `cbor:"written"`
}

// FsyncRequest flushes an open handle to stable storage.
type FsyncRequest struct {
	Handle uint64 `cbor:"handle"`

	// Datasync skips flushing metadata when set.
	Datasync bool `cbor:"datasync"`
}

// FsyncResponse acknowledges the flush.
type FsyncResponse struct{}

// CloseRequest releases an open handle.
type CloseRequest struct {
	Handle uint64 `cbor:"handle"`
}

// CloseResponse acknowledges the release.
type CloseResponse struct{}

// TruncateRequest resizes a file, by handle when one is open or by path.
type TruncateRequest struct {
	Path   string `cbor:"path,omitempty"`
	Handle uint64 `cbor:"handle,omitempty"`
	Size   uint64 `cbor:"size"`
}

// TruncateResponse acknowledges the resize.
type TruncateResponse struct{}

// UnlinkRequest removes a file.
type UnlinkRequest struct {
	Path string `cbor:"path"`
}

// MkdirRequest creates a directory.
type MkdirRequest struct {
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
}

// RmdirRequest removes an empty directory.
type RmdirRequest struct {
	Path string `cbor:"path"`
}

// RenameRequest atomically renames a path.
type RenameRequest struct {
	From string `cbor:"from"`
	To   string `cbor:"to"`
}

// ChmodRequest changes permission bits.
type ChmodRequest struct {
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
}

// ChownRequest changes ownership.
type ChownRequest struct {
	Path string `cbor:"path"`
	UID  int64  `cbor:"uid"`
	GID  int64  `cbor:"gid"`
}

// UtimensRequest sets access and modification times in nanoseconds.
type UtimensRequest struct {
	Path    string `cbor:"path"`
	AtimeNs int64  `cbor:"atime_ns"`
	MtimeNs int64  `cbor:"mtime_ns"`
}

// SymlinkRequest creates a symlink at Path pointing at Target.
type SymlinkRequest struct {
	Path   string `cbor:"path"`
	Target string `cbor:"target"`
}

// LinkRequest creates a hard link at Path referring to Target.
type LinkRequest struct {
	Path   string `cbor:"path"`
	Target string `cbor:"target"`
}

// MknodRequest creates a device node or FIFO.
type MknodRequest struct {
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
	Rdev uint64 `cbor:"rdev"`
}

// EmptyResponse acknowledges mutations that return nothing.
type EmptyResponse struct{}

// StatfsRequest retrieves filesystem statistics for the filesystem holding
// a path.
type StatfsRequest struct {
	Path string `cbor:"path"`
}

// StatfsResponse carries the statistics.
type StatfsResponse struct {
	Stat StatFS `cbor:"stat"`
}

// ============================================================================
// Bulk Fetch
// ============================================================================

// FetchKind selects what a bulk fetch should return for each path.
type FetchKind uint8

const (
	// FetchMeta requests metadata only.
	FetchMeta FetchKind = 1 << iota

	// FetchContents additionally requests the whole blob for regular
	// files.
	FetchContents

	// FetchChildren additionally requests a directory listing snapshot
	// for directories, one level deep.
	FetchChildren
)

// PathValidator pairs a path with the validator its cached entry was
// fetched under, for batched revalidation.
type PathValidator struct {
	Path      string    `cbor:"path"`
	Validator Validator `cbor:"validator"`

	// Checksum is the content digest of the cached blob, when one is
	// cached. A changed validator with an unchanged checksum confirms the
	// blob without resending it - mtime churn on an identical file stays
	// cheap.
	Checksum *Checksum `cbor:"checksum,omitempty"`
}

// BulkFetchRequest fetches a set of paths plus their prefetch closure in a
// single round-trip.
type BulkFetchRequest struct {
	// Paths are the primary targets, fetched before anything speculative.
	Paths []string  `cbor:"paths"`
	Kinds FetchKind `cbor:"kinds"`

	// Depth bounds the transitive dependency walk for executable
	// prefetching.
	Depth int `cbor:"depth,omitempty"`

	// Revalidate carries cached validators to check in the same
	// round-trip. Entries whose validator still matches are confirmed in
	// BulkFetchResponse.Unchanged instead of being resent.
	Revalidate []PathValidator `cbor:"revalidate,omitempty"`

	// NoPrefetch disables the server-side prefetch closure, used by
	// plain uncached operations.
	NoPrefetch bool `cbor:"no_prefetch,omitempty"`
}

// BundleItem is one entry of a bulk fetch result. A negative result (the
// path is absent or unreadable) travels as Meta.Err and is cached as such.
type BundleItem struct {
	Path string   `cbor:"path"`
	Meta Metadata `cbor:"meta"`

	// Children is the directory listing snapshot, present when the entry
	// is a directory and FetchChildren was requested or the prefetch
	// policy included it.
	Children []DirEntry `cbor:"children,omitempty"`

	// Contents is the whole blob, present for regular files when
	// requested or prefetched.
	Contents *FileContents `cbor:"contents,omitempty"`
}

// BulkFetchResponse carries the heterogeneous bundle. Items appear in fetch
// order: fresh metadata for revalidated paths that changed, then primaries,
// then the prefetch closure in BFS order, truncated deterministically at the
// entry and byte caps.
type BulkFetchResponse struct {
	Items []BundleItem `cbor:"items"`

	// Unchanged lists revalidated paths whose validator still matches.
	Unchanged []string `cbor:"unchanged,omitempty"`

	// ContentsUnchanged lists paths whose validator changed but whose
	// blob checksum still matches; the caller refreshes the metadata from
	// Items and keeps the blob.
	ContentsUnchanged []string `cbor:"contents_unchanged,omitempty"`

	// Truncated is set when the prefetch closure hit a cap.
	Truncated bool `cbor:"truncated,omitempty"`
}

// MarkCachedRequest informs the server which paths' contents already sit in
// the remote cache, suppressing redundant prefetch payloads for them.
type MarkCachedRequest struct {
	Contents []string `cbor:"contents,omitempty"`
	Meta     []string `cbor:"meta,omitempty"`
}
