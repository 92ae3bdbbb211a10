package client

import (
	"context"
	"time"

	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/proto/wire"
)

// Typed wrappers over Call, one per wire operation. These are the only
// entry points the filesystem and cache use, so the opcode-to-payload
// pairing lives in exactly one place.

// Ping checks service liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, wire.OpPing, &proto.PingRequest{}, &proto.PingResponse{})
}

// Getattr fetches bundled metadata for one path, bypassing any caching.
func (c *Client) Getattr(ctx context.Context, path string) (proto.Metadata, error) {
	var resp proto.GetattrResponse
	if err := c.Call(ctx, wire.OpGetattr, &proto.GetattrRequest{Path: path}, &resp); err != nil {
		return proto.Metadata{}, err
	}
	return resp.Meta, nil
}

// Readdir fetches a directory snapshot.
func (c *Client) Readdir(ctx context.Context, path string) ([]proto.DirEntry, error) {
	var resp proto.ReaddirResponse
	if err := c.Call(ctx, wire.OpReaddir, &proto.ReaddirRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Readlink fetches a symlink target.
func (c *Client) Readlink(ctx context.Context, path string) (string, error) {
	var resp proto.ReadlinkResponse
	if err := c.Call(ctx, wire.OpReadlink, &proto.ReadlinkRequest{Path: path}, &resp); err != nil {
		return "", err
	}
	return resp.Target, nil
}

// OpenRead opens a file for streaming reads.
func (c *Client) OpenRead(ctx context.Context, path string) (uint64, proto.Attributes, error) {
	var resp proto.OpenReadResponse
	if err := c.Call(ctx, wire.OpOpenRead, &proto.OpenReadRequest{Path: path}, &resp); err != nil {
		return 0, proto.Attributes{}, err
	}
	return resp.Handle, resp.Attr, nil
}

// Read reads a range from an open handle.
func (c *Client) Read(ctx context.Context, handle, offset uint64, length uint32) ([]byte, error) {
	var resp proto.ReadResponse
	req := proto.ReadRequest{Handle: handle, Offset: offset, Length: length}
	if err := c.Call(ctx, wire.OpRead, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CloseHandle releases a server-side handle.
func (c *Client) CloseHandle(ctx context.Context, handle uint64) error {
	return c.Call(ctx, wire.OpClose, &proto.CloseRequest{Handle: handle}, &proto.CloseResponse{})
}

// OpenWrite opens or creates a file for writing.
func (c *Client) OpenWrite(ctx context.Context, path string, flags, mode uint32) (uint64, error) {
	var resp proto.OpenWriteResponse
	req := proto.OpenWriteRequest{Path: path, Flags: flags, Mode: mode}
	if err := c.Call(ctx, wire.OpOpenWrite, &req, &resp); err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

// Write writes a range to an open handle.
func (c *Client) Write(ctx context.Context, handle, offset uint64, data []byte) (uint32, error) {
	var resp proto.WriteResponse
	req := proto.WriteRequest{Handle: handle, Offset: offset, Data: data}
	if err := c.Call(ctx, wire.OpWrite, &req, &resp); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

// Fsync flushes an open handle.
func (c *Client) Fsync(ctx context.Context, handle uint64, datasync bool) error {
	req := proto.FsyncRequest{Handle: handle, Datasync: datasync}
	return c.Call(ctx, wire.OpFsync, &req, &proto.FsyncResponse{})
}

// Truncate resizes a file.
func (c *Client) Truncate(ctx context.Context, path string, handle, size uint64) error {
	req := proto.TruncateRequest{Path: path, Handle: handle, Size: size}
	return c.Call(ctx, wire.OpTruncate, &req, &proto.TruncateResponse{})
}

// Unlink removes a file.
func (c *Client) Unlink(ctx context.Context, path string) error {
	return c.Call(ctx, wire.OpUnlink, &proto.UnlinkRequest{Path: path}, &proto.EmptyResponse{})
}

// Mkdir creates a directory.
func (c *Client) Mkdir(ctx context.Context, path string, mode uint32) error {
	return c.Call(ctx, wire.OpMkdir, &proto.MkdirRequest{Path: path, Mode: mode}, &proto.EmptyResponse{})
}

// Rmdir removes an empty directory.
func (c *Client) Rmdir(ctx context.Context, path string) error {
	return c.Call(ctx, wire.OpRmdir, &proto.RmdirRequest{Path: path}, &proto.EmptyResponse{})
}

// Rename renames a path.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.Call(ctx, wire.OpRename, &proto.RenameRequest{From: from, To: to}, &proto.EmptyResponse{})
}

// Chmod changes permission bits.
func (c *Client) Chmod(ctx context.Context, path string, mode uint32) error {
	return c.Call(ctx, wire.OpChmod, &proto.ChmodRequest{Path: path, Mode: mode}, &proto.EmptyResponse{})
}

// Chown changes ownership.
func (c *Client) Chown(ctx context.Context, path string, uid, gid int64) error {
	return c.Call(ctx, wire.OpChown, &proto.ChownRequest{Path: path, UID: uid, GID: gid}, &proto.EmptyResponse{})
}

// Utimens sets times.
func (c *Client) Utimens(ctx context.Context, path string, atimeNs, mtimeNs int64) error {
	req := proto.UtimensRequest{Path: path, AtimeNs: atimeNs, MtimeNs: mtimeNs}
	return c.Call(ctx, wire.OpUtimens, &req, &proto.EmptyResponse{})
}

// Symlink creates a symlink.
func (c *Client) Symlink(ctx context.Context, path, target string) error {
	req := proto.SymlinkRequest{Path: path, Target: target}
	return c.Call(ctx, wire.OpSymlink, &req, &proto.EmptyResponse{})
}

// Link creates a hard link.
func (c *Client) Link(ctx context.Context, path, target string) error {
	req := proto.LinkRequest{Path: path, Target: target}
	return c.Call(ctx, wire.OpLink, &req, &proto.EmptyResponse{})
}

// Mknod creates a device node or FIFO.
func (c *Client) Mknod(ctx context.Context, path string, mode uint32, rdev uint64) error {
	req := proto.MknodRequest{Path: path, Mode: mode, Rdev: rdev}
	return c.Call(ctx, wire.OpMknod, &req, &proto.EmptyResponse{})
}

// Statfs fetches filesystem statistics.
func (c *Client) Statfs(ctx context.Context, path string) (proto.StatFS, error) {
	var resp proto.StatfsResponse
	if err := c.Call(ctx, wire.OpStatfs, &proto.StatfsRequest{Path: path}, &resp); err != nil {
		return proto.StatFS{}, err
	}
	return resp.Stat, nil
}

// BulkFetch performs one bundle fetch. Its deadline scales with the byte
// cap: a full 128 MiB bundle on a slow link legitimately takes longer than
// a getattr.
func (c *Client) BulkFetch(ctx context.Context, req *proto.BulkFetchRequest, maxBytes uint64) (*proto.BulkFetchResponse, error) {
	timeout := c.opts.Timeout + scaledTransferTime(maxBytes)

	var resp proto.BulkFetchResponse
	if err := c.callRetry(ctx, wire.OpBulkFetch, req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkCached tells the server which payloads the cache already holds.
func (c *Client) MarkCached(ctx context.Context, contents, meta []string) error {
	req := proto.MarkCachedRequest{Contents: contents, Meta: meta}
	return c.Call(ctx, wire.OpMarkCached, &req, &proto.EmptyResponse{})
}

// scaledTransferTime budgets wire time for a payload, assuming a very
// conservative 10 MiB/s floor.
func scaledTransferTime(bytes uint64) time.Duration {
	const floorBytesPerSecond = 10 * 1024 * 1024
	return time.Duration(bytes/floorBytesPerSecond) * time.Second
}
