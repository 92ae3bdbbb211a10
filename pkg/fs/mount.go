package fs

import (
	"fmt"
	"os"
	"syscall"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/cache"
	"github.com/outrun-sh/outrun/pkg/rpc/client"
)

// filesystemName is the fsname the mount reports.
const filesystemName = "outrunfs"

// Options configures the mount.
type Options struct {
	// MountPoint is the directory to mount on; created if missing.
	MountPoint string

	// Client is the RPC client to the local machine.
	Client *client.Client

	// Cache is the persistent cache.
	Cache *cache.Cache

	// ReadChunk is the streaming read size for uncached files.
	ReadChunk uint32

	// PrefetchMaxEntries and PrefetchMaxBytes bound bundles requested on
	// miss.
	PrefetchMaxEntries int
	PrefetchMaxBytes   uint64

	// PrefetchDepth caps the transitive dependency walk.
	PrefetchDepth int

	// Workers caps concurrent kernel upcalls in flight.
	Workers int

	// AllowOther permits other users (the chroot'd guest) to use the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount mounts the filesystem and returns the server. The caller unmounts
// with server.Unmount as part of session teardown; Wait blocks until the
// kernel lets go.
func Mount(opts Options) (*fuse.Server, error) {
	if opts.MountPoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if opts.Client == nil || opts.Cache == nil {
		return nil, fmt.Errorf("client and cache are required")
	}
	if opts.ReadChunk == 0 {
		opts.ReadChunk = 1 << 20
	}
	if opts.PrefetchMaxEntries == 0 {
		opts.PrefetchMaxEntries = 256
	}
	if opts.PrefetchMaxBytes == 0 {
		opts.PrefetchMaxBytes = 128 << 20
	}
	if opts.Workers == 0 {
		opts.Workers = 16
	}

	if err := os.MkdirAll(opts.MountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mountpoint %s: %w", opts.MountPoint, err)
	}

	root := &node{shared: &shared{
		client:          opts.Client,
		cache:           opts.Cache,
		readChunk:       opts.ReadChunk,
		prefetchEntries: opts.PrefetchMaxEntries,
		prefetchBytes:   opts.PrefetchMaxBytes,
		prefetchDepth:   opts.PrefetchDepth,
	}}

	server, err := gofs.Mount(opts.MountPoint, root, &gofs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     filesystemName,
			Name:       filesystemName,
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,

			// Bounds concurrent kernel upcalls, the W worker cap.
			MaxBackground: opts.Workers,

			// One wire chunk per kernel read keeps the chunking in one
			// place.
			MaxWrite: int(opts.ReadChunk),
		},
		RootStableAttr: &gofs.StableAttr{Mode: syscall.S_IFDIR, Ino: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s at %s: %w", filesystemName, opts.MountPoint, err)
	}

	logger.Info("filesystem mounted", "mountpoint", opts.MountPoint)
	return server, nil
}
