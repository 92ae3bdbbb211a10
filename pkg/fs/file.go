package fs

import (
	"context"
	"os"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/cache"
	"github.com/outrun-sh/outrun/pkg/proto"
)

// A handle's serving mode is fixed at open time by the system-path
// predicate: system-path reads serve from a local blob (Open(Cached)),
// everything else pipelines reads over an upstream handle
// (Open(Streaming)). There is no transition between the two.

const writeMask = uint32(os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_TRUNC | os.O_CREATE)

// Open opens this node's file.
func (n *node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	p := n.lpath()
	sh := n.shared

	// Writes and user paths pass through; only system-path reads are
	// eligible for cached serving.
	if flags&writeMask != 0 || !sh.cache.IsSystemPath(p) {
		return n.openStreaming(ctx, p, flags)
	}

	if f, ok := sh.cache.OpenBlob(p); ok {
		return &cachedFile{file: f}, fuse.FOPEN_KEEP_CACHE, 0
	}

	// Miss: fetch the whole blob plus the executable prefetch closure in
	// one round-trip. Subsequent reads never touch the wire.
	err := sh.cache.Fetch(cache.BlobFetchKey(p), func() error {
		return n.bulkFetch(ctx, p, proto.FetchMeta|proto.FetchContents)
	})
	if err != nil {
		return nil, 0, errnoOf(err)
	}

	if f, ok := sh.cache.OpenBlob(p); ok {
		return &cachedFile{file: f}, fuse.FOPEN_KEEP_CACHE, 0
	}

	// The blob did not fit the bundle caps or the cache is degraded;
	// stream instead.
	logger.Debug("falling back to streaming open", logger.KeyPath, p)
	return n.openStreaming(ctx, p, flags)
}

// Create creates and opens a child file for writing. Always streaming:
// freshly created files are user data by definition of the workflow.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	sh := n.shared

	handle, err := sh.client.OpenWrite(ctx, p, flags|uint32(os.O_CREATE), mode)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	n.invalidate(p)

	child, errno := n.lookupAfterMutation(ctx, p, out)
	if errno != 0 {
		sh.client.CloseHandle(context.Background(), handle)
		return nil, nil, 0, errno
	}

	fh := &streamFile{shared: sh, path: p, handle: handle, writable: true}
	return child, fh, 0, 0
}

// openStreaming opens an upstream handle.
func (n *node) openStreaming(ctx context.Context, p string, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	sh := n.shared

	if flags&writeMask != 0 {
		handle, err := sh.client.OpenWrite(ctx, p, flags, 0)
		if err != nil {
			return nil, 0, errnoOf(err)
		}
		n.invalidate(p)
		return &streamFile{shared: sh, path: p, handle: handle, writable: true}, 0, 0
	}

	handle, _, err := sh.client.OpenRead(ctx, p)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return &streamFile{shared: sh, path: p, handle: handle}, 0, 0
}

// ============================================================================
// Cached Handle
// ============================================================================

// cachedFile serves reads from a verified local blob.
type cachedFile struct {
	file *os.File
}

var _ gofs.FileReader = (*cachedFile)(nil)
var _ gofs.FileReleaser = (*cachedFile)(nil)
var _ gofs.FileFlusher = (*cachedFile)(nil)

// Read serves a ranged read from the blob file.
func (f *cachedFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultFd(f.file.Fd(), off, len(dest)), 0
}

// Flush is a no-op: the kernel flushes read-only cached files too.
func (f *cachedFile) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release closes the local blob file.
func (f *cachedFile) Release(ctx context.Context) syscall.Errno {
	f.file.Close()
	return 0
}

// ============================================================================
// Streaming Handle
// ============================================================================

// streamFile pipelines reads and writes over an upstream handle in fixed
// chunks.
type streamFile struct {
	shared   *shared
	path     string
	handle   uint64
	writable bool
}

var _ gofs.FileReader = (*streamFile)(nil)
var _ gofs.FileWriter = (*streamFile)(nil)
var _ gofs.FileFlusher = (*streamFile)(nil)
var _ gofs.FileFsyncer = (*streamFile)(nil)
var _ gofs.FileReleaser = (*streamFile)(nil)

// Read fetches one range, chunked so a single kernel read never exceeds
// the configured chunk size on the wire.
func (f *streamFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	chunk := f.shared.readChunk
	filled := 0

	for filled < len(dest) {
		want := uint32(len(dest) - filled)
		if want > chunk {
			want = chunk
		}

		data, err := f.shared.client.Read(ctx, f.handle, uint64(off)+uint64(filled), want)
		if err != nil {
			return nil, errnoOf(err)
		}
		filled += copy(dest[filled:], data)
		if uint32(len(data)) < want {
			break
		}
	}
	return fuse.ReadResultData(dest[:filled]), 0
}

// Write forwards one range.
func (f *streamFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := f.shared.client.Write(ctx, f.handle, uint64(off), data)
	if err != nil {
		return 0, errnoOf(err)
	}
	return written, 0
}

// Flush is called on close(2). Writes are forwarded synchronously, so there
// is no outstanding state to push.
func (f *streamFile) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync forwards the durability request.
func (f *streamFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	const fdatasyncFlag = 1
	if err := f.shared.client.Fsync(ctx, f.handle, flags&fdatasyncFlag != 0); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Release closes the upstream handle. Uses a background context: the
// kernel's release is not interruptible and the handle must not leak.
func (f *streamFile) Release(ctx context.Context) syscall.Errno {
	if err := f.shared.client.CloseHandle(context.Background(), f.handle); err != nil {
		logger.Debug("release upstream handle failed", logger.KeyPath, f.path, "error", err)
	}
	return 0
}
