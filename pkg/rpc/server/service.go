// Package server implements the RPC service on the local machine: a
// single-process TCP server exposing the local filesystem to the remote
// side's FUSE mount and cache.
package server

import (
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outrun-sh/outrun/pkg/proto"
)

// maxReadLength bounds a single streamed read so a bad client cannot make
// the server allocate unbounded buffers.
const maxReadLength = 8 * 1024 * 1024

// Service answers filesystem operations against the local machine. All
// paths are absolute in the local namespace; the service never chdirs and
// never resolves relative paths.
type Service struct {
	root proto.RootVersion

	// fetched tracks which paths' metadata and contents have already
	// been delivered this session, so the prefetch engine does not resend
	// them speculatively. Explicit fetches always go through.
	fetchedMu       sync.Mutex
	fetchedMeta     map[string]struct{}
	fetchedContents map[string]struct{}

	prefetch *prefetcher
}

// NewService creates the filesystem service.
func NewService(cfg PrefetchPolicy) *Service {
	s := &Service{
		root:            currentRootVersion(),
		fetchedMeta:     make(map[string]struct{}),
		fetchedContents: make(map[string]struct{}),
	}
	s.prefetch = newPrefetcher(s, cfg)
	return s
}

// RootVersion returns the filesystem epoch handed to clients at handshake.
func (s *Service) RootVersion() proto.RootVersion {
	return s.root
}

// currentRootVersion derives the epoch under which this server serves
// system paths. The machine id is hashed with an app-specific salt so the
// raw /etc/machine-id never leaves the machine; the boot time makes the
// epoch change on every reboot and stay the same across server restarts
// within one boot.
func currentRootVersion() proto.RootVersion {
	const appSalt = "outrun-filesystem-plane"

	machineID := "unknown"
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		sum := proto.ChecksumOf(append([]byte(appSalt), raw...))
		machineID = sum.Hex()[:32]
	}

	return proto.RootVersion{
		MachineID: machineID,
		BootNs:    bootTimeNs(),
	}
}

// bootTimeNs approximates the machine's boot instant, stable across server
// restarts within one boot.
func bootTimeNs() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return time.Now().UnixNano()
	}
	return time.Now().Add(-time.Duration(info.Uptime) * time.Second).Truncate(time.Second).UnixNano()
}

// validatePath rejects anything that is not a clean absolute path. The
// served root is the local /, but malformed or traversal-carrying paths
// still get refused rather than resolved.
func validatePath(p string) *proto.Error {
	if p == "" || !strings.HasPrefix(p, "/") {
		return &proto.Error{Code: proto.ErrnoPermissionDenied, Path: p, Msg: "path must be absolute"}
	}
	if p != path.Clean(p) {
		return &proto.Error{Code: proto.ErrnoPermissionDenied, Path: p, Msg: "path must be clean"}
	}
	return nil
}

// ============================================================================
// Metadata Access
// ============================================================================

// Getattr returns bundled metadata (lstat + readlink) for a path. Lookup
// failures travel inside the Metadata record so they can be cached as
// negative entries; only malformed requests fail the call itself.
func (s *Service) Getattr(req *proto.GetattrRequest) (*proto.GetattrResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	meta := s.statMeta(req.Path)
	return &proto.GetattrResponse{Meta: meta}, nil
}

// statMeta is the common lstat+readlink bundle, recording the path as
// fetched for prefetch suppression.
func (s *Service) statMeta(p string) proto.Metadata {
	var meta proto.Metadata

	var st syscall.Stat_t
	if err := syscall.Lstat(p, &st); err != nil {
		meta.Err = proto.FromOSError(err, p)
	} else {
		attr := proto.AttributesFromStat(&st)
		meta.Attr = &attr
		if attr.IsSymlink() {
			if target, err := os.Readlink(p); err == nil {
				meta.Link = target
			}
		}
	}

	s.fetchedMu.Lock()
	s.fetchedMeta[p] = struct{}{}
	s.fetchedMu.Unlock()

	return meta
}

// Readdir returns a complete directory snapshot with child attributes.
func (s *Service) Readdir(req *proto.ReaddirRequest) (*proto.ReaddirResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	entries, perr := s.listDir(req.Path)
	if perr != nil {
		return nil, perr
	}
	return &proto.ReaddirResponse{Entries: entries}, nil
}

func (s *Service) listDir(p string) ([]proto.DirEntry, *proto.Error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, proto.FromOSError(err, p)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, proto.FromOSError(err, p)
	}
	sort.Strings(names)

	entries := make([]proto.DirEntry, 0, len(names))
	for _, name := range names {
		var st syscall.Stat_t
		if err := syscall.Lstat(path.Join(p, name), &st); err != nil {
			// Entry vanished between the listing and the stat.
			continue
		}
		entries = append(entries, proto.DirEntry{Name: name, Attr: proto.AttributesFromStat(&st)})
	}
	return entries, nil
}

// Readlink reads a symlink target.
func (s *Service) Readlink(req *proto.ReadlinkRequest) (*proto.ReadlinkResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(req.Path, &st); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFLNK {
		return nil, &proto.Error{Code: proto.ErrnoNotASymlink, Path: req.Path}
	}

	target, err := os.Readlink(req.Path)
	if err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.ReadlinkResponse{Target: target}, nil
}

// Statfs returns statistics for the filesystem backing a path.
func (s *Service) Statfs(req *proto.StatfsRequest) (*proto.StatfsResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(req.Path, &st); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}

	return &proto.StatfsResponse{Stat: proto.StatFS{
		Bsize:   uint64(st.Bsize),
		Frsize:  uint64(st.Frsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Favail:  st.Ffree,
		NameMax: uint64(st.Namelen),
	}}, nil
}

// ============================================================================
// File I/O
// ============================================================================

// OpenRead opens a file for streaming reads on behalf of a connection.
func (s *Service) OpenRead(handles *handleTable, req *proto.OpenReadRequest) (*proto.OpenReadResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(req.Path, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		// Symlinks are resolved remotely; a direct open of one is a
		// client bug. O_NOFOLLOW fails it with ELOOP, which reaches the
		// client as IO.
		return nil, proto.FromOSError(err, req.Path)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, proto.FromOSError(err, req.Path)
	}

	return &proto.OpenReadResponse{
		Handle: handles.Put(f),
		Attr:   proto.AttributesFromStat(&st),
	}, nil
}

// Read serves one ranged read from an open handle.
func (s *Service) Read(handles *handleTable, req *proto.ReadRequest) (*proto.ReadResponse, *proto.Error) {
	if req.Length > maxReadLength {
		return nil, &proto.Error{Code: proto.ErrnoProtocol, Msg: "read length exceeds cap"}
	}
	f, perr := handles.Get(req.Handle)
	if perr != nil {
		return nil, perr
	}

	buf := make([]byte, req.Length)
	n, err := f.ReadAt(buf, int64(req.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, proto.FromOSError(err, f.Name())
	}
	return &proto.ReadResponse{Data: buf[:n]}, nil
}

// OpenWrite opens or creates a file for writing.
func (s *Service) OpenWrite(handles *handleTable, req *proto.OpenWriteRequest) (*proto.OpenWriteResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(req.Path, int(req.Flags)|syscall.O_CLOEXEC, os.FileMode(req.Mode))
	if err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.OpenWriteResponse{Handle: handles.Put(f)}, nil
}

// Write serves one ranged write.
func (s *Service) Write(handles *handleTable, req *proto.WriteRequest) (*proto.WriteResponse, *proto.Error) {
	f, perr := handles.Get(req.Handle)
	if perr != nil {
		return nil, perr
	}

	n, err := f.WriteAt(req.Data, int64(req.Offset))
	if err != nil {
		return nil, proto.FromOSError(err, f.Name())
	}
	return &proto.WriteResponse{Written: uint32(n)}, nil
}

// Fsync flushes a handle to stable storage.
func (s *Service) Fsync(handles *handleTable, req *proto.FsyncRequest) (*proto.FsyncResponse, *proto.Error) {
	f, perr := handles.Get(req.Handle)
	if perr != nil {
		return nil, perr
	}

	var err error
	if req.Datasync {
		err = unix.Fdatasync(int(f.Fd()))
	} else {
		err = f.Sync()
	}
	if err != nil {
		return nil, proto.FromOSError(err, f.Name())
	}
	return &proto.FsyncResponse{}, nil
}

// Close releases a handle.
func (s *Service) Close(handles *handleTable, req *proto.CloseRequest) (*proto.CloseResponse, *proto.Error) {
	f, perr := handles.Remove(req.Handle)
	if perr != nil {
		return nil, perr
	}
	if err := f.Close(); err != nil {
		return nil, proto.FromOSError(err, "")
	}
	return &proto.CloseResponse{}, nil
}

// Truncate resizes by handle when one is given, else by path.
func (s *Service) Truncate(handles *handleTable, req *proto.TruncateRequest) (*proto.TruncateResponse, *proto.Error) {
	if req.Handle != 0 {
		f, perr := handles.Get(req.Handle)
		if perr != nil {
			return nil, perr
		}
		if err := f.Truncate(int64(req.Size)); err != nil {
			return nil, proto.FromOSError(err, f.Name())
		}
		return &proto.TruncateResponse{}, nil
	}

	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := os.Truncate(req.Path, int64(req.Size)); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.TruncateResponse{}, nil
}

// ============================================================================
// Mutations
// ============================================================================

// Unlink removes a file.
func (s *Service) Unlink(req *proto.UnlinkRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := syscall.Unlink(req.Path); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Mkdir creates a directory.
func (s *Service) Mkdir(req *proto.MkdirRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := syscall.Mkdir(req.Path, req.Mode); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Rmdir removes an empty directory.
func (s *Service) Rmdir(req *proto.RmdirRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := syscall.Rmdir(req.Path); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Rename atomically renames a path.
func (s *Service) Rename(req *proto.RenameRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.From); err != nil {
		return nil, err
	}
	if err := validatePath(req.To); err != nil {
		return nil, err
	}
	if err := syscall.Rename(req.From, req.To); err != nil {
		return nil, proto.FromOSError(err, req.From)
	}
	return &proto.EmptyResponse{}, nil
}

// Chmod changes permission bits.
func (s *Service) Chmod(req *proto.ChmodRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := syscall.Chmod(req.Path, req.Mode); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Chown changes ownership. -1 leaves the respective id unchanged.
func (s *Service) Chown(req *proto.ChownRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := os.Lchown(req.Path, int(req.UID), int(req.GID)); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Utimens sets access and modification times without following symlinks.
func (s *Service) Utimens(req *proto.UtimensRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	times := []unix.Timespec{
		unix.NsecToTimespec(req.AtimeNs),
		unix.NsecToTimespec(req.MtimeNs),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, req.Path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Symlink creates a symlink.
func (s *Service) Symlink(req *proto.SymlinkRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := syscall.Symlink(req.Target, req.Path); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Link creates a hard link.
func (s *Service) Link(req *proto.LinkRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}
	if err := validatePath(req.Target); err != nil {
		return nil, err
	}
	if err := syscall.Link(req.Target, req.Path); err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// Mknod creates a FIFO or device node.
func (s *Service) Mknod(req *proto.MknodRequest) (*proto.EmptyResponse, *proto.Error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	var err error
	if req.Mode&syscall.S_IFMT == syscall.S_IFIFO {
		err = syscall.Mkfifo(req.Path, req.Mode&^uint32(syscall.S_IFMT))
	} else {
		err = syscall.Mknod(req.Path, req.Mode, int(req.Rdev))
	}
	if err != nil {
		return nil, proto.FromOSError(err, req.Path)
	}
	return &proto.EmptyResponse{}, nil
}

// ============================================================================
// Cache Support
// ============================================================================

// MarkCached records paths whose payloads already live in the remote cache.
func (s *Service) MarkCached(req *proto.MarkCachedRequest) (*proto.EmptyResponse, *proto.Error) {
	s.fetchedMu.Lock()
	for _, p := range req.Contents {
		s.fetchedContents[p] = struct{}{}
	}
	for _, p := range req.Meta {
		s.fetchedMeta[p] = struct{}{}
	}
	s.fetchedMu.Unlock()
	return &proto.EmptyResponse{}, nil
}

// alreadyFetched reports prefetch suppression state for a path.
func (s *Service) alreadyFetched(p string, contents bool) bool {
	s.fetchedMu.Lock()
	defer s.fetchedMu.Unlock()
	if contents {
		_, ok := s.fetchedContents[p]
		return ok
	}
	_, ok := s.fetchedMeta[p]
	return ok
}

// markContentsFetched records that a blob was delivered.
func (s *Service) markContentsFetched(p string) {
	s.fetchedMu.Lock()
	s.fetchedContents[p] = struct{}{}
	s.fetchedMu.Unlock()
}
