// Package fs implements the FUSE filesystem on the remote machine.
//
// Every node corresponds to a path in the local machine's namespace. The
// filesystem is the policy center for caching and prefetching: system-path
// lookups consult the cache first and fetch bundles on miss; user paths go
// straight to the RPC client per call. Mutations always pass through.
package fs

import (
	"context"
	"errors"
	"hash/fnv"
	"path"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/outrun-sh/outrun/pkg/cache"
	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/rpc/client"
)

// systemEntryTimeout is how long the kernel may cache entries and
// attributes for system paths, which are immutable for the session anyway.
// User paths get no kernel caching: their coherence window is one request.
const systemEntryTimeout = time.Second

// shared is the state every node references.
type shared struct {
	client *client.Client
	cache  *cache.Cache

	// readChunk is the streaming read size for uncached files.
	readChunk uint32

	// prefetch caps forwarded with bulk fetches.
	prefetchEntries int
	prefetchBytes   uint64
	prefetchDepth   int
}

// node is one filesystem entry. Its path is derived from its position in
// the inode tree, so renames through the mount stay consistent.
type node struct {
	gofs.Inode
	shared *shared
}

var _ gofs.InodeEmbedder = (*node)(nil)
var _ gofs.NodeLookuper = (*node)(nil)
var _ gofs.NodeGetattrer = (*node)(nil)
var _ gofs.NodeReaddirer = (*node)(nil)
var _ gofs.NodeReadlinker = (*node)(nil)
var _ gofs.NodeOpener = (*node)(nil)
var _ gofs.NodeCreater = (*node)(nil)
var _ gofs.NodeSetattrer = (*node)(nil)
var _ gofs.NodeUnlinker = (*node)(nil)
var _ gofs.NodeRmdirer = (*node)(nil)
var _ gofs.NodeMkdirer = (*node)(nil)
var _ gofs.NodeRenamer = (*node)(nil)
var _ gofs.NodeSymlinker = (*node)(nil)
var _ gofs.NodeLinker = (*node)(nil)
var _ gofs.NodeMknoder = (*node)(nil)
var _ gofs.NodeStatfser = (*node)(nil)

// lpath returns the node's absolute path in the local machine's namespace.
func (n *node) lpath() string {
	rel := n.Path(n.Root())
	if rel == "" {
		return "/"
	}
	return "/" + rel
}

// childPath joins a child name onto this node's path.
func (n *node) childPath(name string) string {
	return path.Join(n.lpath(), name)
}

// inoHint derives a stable inode number for the kernel from the path. The
// value is local to this mount and never transmitted.
func inoHint(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		ino = 1
	}
	return ino
}

// errnoOf maps any error from the client or cache to the kernel errno.
func errnoOf(err error) syscall.Errno {
	var perr *proto.Error
	if errors.As(err, &perr) {
		return perr.Errno()
	}
	if errors.Is(err, context.Canceled) {
		return syscall.EINTR
	}
	return syscall.EIO
}

// ============================================================================
// Metadata Path
// ============================================================================

// meta resolves metadata for a path, through the cache for system paths.
// The returned metadata may carry a typed error (negative result).
func (n *node) meta(ctx context.Context, p string) (proto.Metadata, error) {
	sh := n.shared
	if !sh.cache.IsSystemPath(p) {
		return sh.client.Getattr(ctx, p)
	}

	if m, ok := sh.cache.GetMeta(p); ok {
		return m, nil
	}

	// A cached parent listing is a complete snapshot: a name missing
	// from it is a miss we can answer and remember locally.
	parent := path.Dir(p)
	if children, ok := sh.cache.GetDirlist(parent); ok {
		name := path.Base(p)
		found := false
		for i := range children {
			if children[i].Name == name {
				found = true
				break
			}
		}
		if !found {
			perr := proto.NewError(proto.ErrnoNotFound, p)
			sh.cache.PutNegative(p, perr)
			return proto.Metadata{Err: perr}, nil
		}
	}

	// Miss: one bulk fetch under the single-flight gate. Concurrent
	// misses for this path coalesce into one wire request.
	err := sh.cache.Fetch(cache.AttrKey(p), func() error {
		return n.bulkFetch(ctx, p, proto.FetchMeta)
	})
	if err != nil {
		return proto.Metadata{}, err
	}

	if m, ok := sh.cache.GetMeta(p); ok {
		return m, nil
	}

	// Degraded cache or uncacheable result: fall back to a plain call.
	return sh.client.Getattr(ctx, p)
}

// bulkFetch issues one bundle request for a primary path, piggybacking any
// pending revalidations, and feeds the bundle to the cache.
func (n *node) bulkFetch(ctx context.Context, p string, kinds proto.FetchKind) error {
	sh := n.shared

	req := &proto.BulkFetchRequest{
		Paths:      []string{p},
		Kinds:      kinds,
		Depth:      sh.prefetchDepth,
		Revalidate: sh.cache.PendingRevalidations(sh.prefetchEntries / 4),
	}

	resp, err := sh.client.BulkFetch(ctx, req, sh.prefetchBytes)
	if err != nil {
		return err
	}
	sh.cache.PutBundle(resp)
	return nil
}

// fillAttr converts wire attributes into a kernel attr record.
func fillAttr(p string, attr *proto.Attributes, out *fuse.Attr) {
	out.Ino = inoHint(p)
	out.Size = attr.Size
	out.Blocks = (attr.Size + 511) / 512
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Owner = fuse.Owner{Uid: attr.UID, Gid: attr.GID}
	out.Rdev = uint32(attr.Rdev)
	out.Atime = uint64(attr.AtimeNs / 1e9)
	out.Atimensec = uint32(attr.AtimeNs % 1e9)
	out.Mtime = uint64(attr.MtimeNs / 1e9)
	out.Mtimensec = uint32(attr.MtimeNs % 1e9)
	out.Ctime = uint64(attr.CtimeNs / 1e9)
	out.Ctimensec = uint32(attr.CtimeNs % 1e9)
}

// Lookup resolves one child name.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	p := n.childPath(name)

	m, err := n.meta(ctx, p)
	if err != nil {
		return nil, errnoOf(err)
	}
	if m.Err != nil {
		return nil, m.Err.Errno()
	}
	if m.Attr == nil {
		return nil, syscall.EIO
	}

	fillAttr(p, m.Attr, &out.Attr)
	if n.shared.cache.IsSystemPath(p) {
		out.SetEntryTimeout(systemEntryTimeout)
		out.SetAttrTimeout(systemEntryTimeout)
	}

	child := n.NewInode(ctx, &node{shared: n.shared}, gofs.StableAttr{
		Mode: m.Attr.Mode & syscall.S_IFMT,
		Ino:  inoHint(p),
	})
	return child, 0
}

// Getattr serves stat.
func (n *node) Getattr(ctx context.Context, f gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := n.lpath()

	m, err := n.meta(ctx, p)
	if err != nil {
		return errnoOf(err)
	}
	if m.Err != nil {
		return m.Err.Errno()
	}
	if m.Attr == nil {
		return syscall.EIO
	}

	fillAttr(p, m.Attr, &out.Attr)
	if n.shared.cache.IsSystemPath(p) {
		out.SetTimeout(systemEntryTimeout)
	}
	return 0
}

// Readdir serves a complete listing snapshot.
func (n *node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	p := n.lpath()
	sh := n.shared

	var entries []proto.DirEntry
	if sh.cache.IsSystemPath(p) {
		if cached, ok := sh.cache.GetDirlist(p); ok {
			entries = cached
		} else {
			err := sh.cache.Fetch(cache.DirlistKey(p), func() error {
				return n.bulkFetch(ctx, p, proto.FetchMeta|proto.FetchChildren)
			})
			if err != nil {
				return nil, errnoOf(err)
			}
			if cached, ok := sh.cache.GetDirlist(p); ok {
				entries = cached
			}
		}
	}

	if entries == nil {
		fetched, err := sh.client.Readdir(ctx, p)
		if err != nil {
			return nil, errnoOf(err)
		}
		entries = fetched
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Mode: e.Attr.Mode & syscall.S_IFMT,
			Ino:  inoHint(path.Join(p, e.Name)),
		})
	}
	return gofs.NewListDirStream(out), 0
}

// Readlink serves a symlink target. Targets inside system paths were
// prefetched alongside the link's metadata.
func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	p := n.lpath()
	sh := n.shared

	if sh.cache.IsSystemPath(p) {
		if target, ok := sh.cache.GetLink(p); ok {
			return []byte(target), 0
		}
		if m, err := n.meta(ctx, p); err == nil && m.Err == nil && m.Link != "" {
			return []byte(m.Link), 0
		}
	}

	target, err := sh.client.Readlink(ctx, p)
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

// Statfs proxies filesystem statistics.
func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.shared.client.Statfs(ctx, n.lpath())
	if err != nil {
		return errnoOf(err)
	}
	out.Bsize = uint32(st.Bsize)
	out.Frsize = uint32(st.Frsize)
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = uint32(st.NameMax)
	return 0
}

// ============================================================================
// Mutations
// ============================================================================
//
// Mutations pass through to the local machine and never populate the
// cache. Mutating a system path mid-session is allowed but drops whatever
// the cache held for it.

func (n *node) invalidate(p string) {
	if n.shared.cache.IsSystemPath(p) {
		n.shared.cache.Invalidate(p)
		n.shared.cache.Invalidate(path.Dir(p))
	}
}

// Setattr implements chmod, chown, truncate and utimens.
func (n *node) Setattr(ctx context.Context, f gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.lpath()
	sh := n.shared

	if mode, ok := in.GetMode(); ok {
		if err := sh.client.Chmod(ctx, p, mode); err != nil {
			return errnoOf(err)
		}
	}

	uid, hasUID := in.GetUID()
	gid, hasGID := in.GetGID()
	if hasUID || hasGID {
		u, g := int64(-1), int64(-1)
		if hasUID {
			u = int64(uid)
		}
		if hasGID {
			g = int64(gid)
		}
		if err := sh.client.Chown(ctx, p, u, g); err != nil {
			return errnoOf(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		var handle uint64
		if sf, ok := f.(*streamFile); ok {
			handle = sf.handle
		}
		if err := sh.client.Truncate(ctx, p, handle, size); err != nil {
			return errnoOf(err)
		}
	}

	atime, hasAtime := in.GetATime()
	mtime, hasMtime := in.GetMTime()
	if hasAtime || hasMtime {
		var atimeNs, mtimeNs int64
		if hasAtime {
			atimeNs = atime.UnixNano()
		}
		if hasMtime {
			mtimeNs = mtime.UnixNano()
		}
		if err := sh.client.Utimens(ctx, p, atimeNs, mtimeNs); err != nil {
			return errnoOf(err)
		}
	}

	n.invalidate(p)

	m, err := sh.client.Getattr(ctx, p)
	if err != nil {
		return errnoOf(err)
	}
	if m.Err != nil {
		return m.Err.Errno()
	}
	fillAttr(p, m.Attr, &out.Attr)
	return 0
}

// Unlink removes a child file.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	if err := n.shared.client.Unlink(ctx, p); err != nil {
		return errnoOf(err)
	}
	n.invalidate(p)
	return 0
}

// Rmdir removes a child directory.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	if err := n.shared.client.Rmdir(ctx, p); err != nil {
		return errnoOf(err)
	}
	n.invalidate(p)
	return 0
}

// Mkdir creates a child directory.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	p := n.childPath(name)
	sh := n.shared

	if err := sh.client.Mkdir(ctx, p, mode); err != nil {
		return nil, errnoOf(err)
	}
	n.invalidate(p)

	return n.lookupAfterMutation(ctx, p, out)
}

// Rename renames within the mount.
func (n *node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	from := n.childPath(name)

	toParent, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	to := toParent.childPath(newName)

	if err := n.shared.client.Rename(ctx, from, to); err != nil {
		return errnoOf(err)
	}
	n.invalidate(from)
	n.invalidate(to)
	return 0
}

// Symlink creates a child symlink.
func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if err := n.shared.client.Symlink(ctx, p, target); err != nil {
		return nil, errnoOf(err)
	}
	n.invalidate(p)
	return n.lookupAfterMutation(ctx, p, out)
}

// Link creates a child hard link.
func (n *node) Link(ctx context.Context, target gofs.InodeEmbedder, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	tn, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	p := n.childPath(name)
	if err := n.shared.client.Link(ctx, p, tn.lpath()); err != nil {
		return nil, errnoOf(err)
	}
	n.invalidate(p)
	return n.lookupAfterMutation(ctx, p, out)
}

// Mknod creates a child device node or FIFO.
func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if err := n.shared.client.Mknod(ctx, p, mode, uint64(dev)); err != nil {
		return nil, errnoOf(err)
	}
	n.invalidate(p)
	return n.lookupAfterMutation(ctx, p, out)
}

// lookupAfterMutation builds the inode for a freshly created entry with
// uncached attributes.
func (n *node) lookupAfterMutation(ctx context.Context, p string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	m, err := n.shared.client.Getattr(ctx, p)
	if err != nil {
		return nil, errnoOf(err)
	}
	if m.Err != nil {
		return nil, m.Err.Errno()
	}

	fillAttr(p, m.Attr, &out.Attr)
	child := n.NewInode(ctx, &node{shared: n.shared}, gofs.StableAttr{
		Mode: m.Attr.Mode & syscall.S_IFMT,
		Ino:  inoHint(p),
	})
	return child, 0
}
