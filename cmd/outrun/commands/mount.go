package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/cache"
	"github.com/outrun-sh/outrun/pkg/fs"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/rpc/client"
	"github.com/outrun-sh/outrun/pkg/session"
)

var (
	mountAddr       string
	mountToken      string
	mountAllowOther bool
	mountDebug      bool
)

var mountCmd = &cobra.Command{
	Use:   "mount [flags] MOUNTPOINT",
	Short: "Mount the local machine's filesystem (runs on the remote machine)",
	Long: `mount connects to the serve side, opens the persistent cache and mounts
the caching FUSE filesystem. The chroot collaborator enters the mount; this
process holds it until the session ends. Teardown unmounts the filesystem
(draining FUSE upcalls), closes the connection pool, then flushes and
closes the cache, in that order, on every exit path.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountAddr, "addr", "", "RPC server address (tunneled)")
	mountCmd.Flags().StringVar(&mountToken, "token", "", "session token (or OUTRUN_TOKEN)")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "allow other users to use the mount")
	mountCmd.Flags().BoolVar(&mountDebug, "fuse-debug", false, "trace FUSE traffic")
	mountCmd.MarkFlagRequired("addr")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mountPoint := args[0]

	token := mountToken
	if token == "" {
		token = os.Getenv("OUTRUN_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no session token: pass --token or set OUTRUN_TOKEN")
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	id, err := session.NewID()
	if err != nil {
		return err
	}
	sess := session.New(id, token)
	sess.MountPoint = mountPoint
	sess.CacheRoot = cfg.Cache.Path

	if err := sess.Transition(session.StateHandshake); err != nil {
		return err
	}

	rpc := client.New(client.Options{
		Addr:        mountAddr,
		Token:       token,
		SystemPaths: cfg.SystemPaths,
		PoolSize:    cfg.RPC.PoolSize,
		Timeout:     cfg.RPC.Timeout(),
		MaxInFlight: cfg.RPC.MaxInFlight,
	})
	sess.OnClose(rpc.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := rpc.RootVersion(ctx)
	if err != nil {
		logger.Error("handshake with serve side failed", "error", err)
		sess.Close()
		return err
	}
	sess.RootVersion = root

	store, err := cache.Open(cache.Options{
		Root:        cfg.Cache.Path,
		MaxEntries:  cfg.Cache.MaxEntries,
		MaxSize:     cfg.Cache.MaxSize.Bytes(),
		SystemPaths: cfg.SystemPaths,
		RootVersion: root,
	})
	if err != nil {
		logger.Error("cache open failed", "error", err)
		sess.Close()
		return err
	}
	// The pool closes before the cache flushes: this cleanup runs ahead of
	// the rpc.Close registered above, which is then a no-op.
	sess.OnClose(func() error {
		rpc.Close()
		return store.Close()
	})

	// Tell the serve side what is already warm so prefetching skips it.
	if warm := store.CachedContentPaths(); len(warm) > 0 {
		if err := rpc.MarkCached(ctx, warm, nil); err != nil {
			logger.Warn("mark-cached failed", "error", err)
		}
	}

	srv, err := fs.Mount(fs.Options{
		MountPoint:         mountPoint,
		Client:             rpc,
		Cache:              store,
		ReadChunk:          uint32(cfg.FUSE.ReadChunk.Bytes()),
		PrefetchMaxEntries: cfg.Prefetch.MaxEntries,
		PrefetchMaxBytes:   cfg.Prefetch.MaxBytes.Bytes(),
		PrefetchDepth:      cfg.Prefetch.Depth,
		Workers:            cfg.FUSE.Workers,
		AllowOther:         mountAllowOther,
		Debug:              mountDebug,
	})
	if err != nil {
		logger.Error("mount failed", "error", err)
		sess.Close()
		return err
	}

	if err := sess.Transition(session.StateMounted); err != nil {
		srv.Unmount()
		sess.Close()
		return err
	}
	if err := sess.Transition(session.StateRunning); err != nil {
		srv.Unmount()
		sess.Close()
		return err
	}

	// Teardown order: unmount drains FUSE upcalls, then the pool closes,
	// then the cache flushes. Unmount runs first because OnClose applies
	// cleanups LIFO.
	sess.OnClose(func() error {
		return srv.Unmount()
	})

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, tearing down session")
	case <-done:
		logger.Info("filesystem unmounted externally")
	}

	return sess.Close()
}
