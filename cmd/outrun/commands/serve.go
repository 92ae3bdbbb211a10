package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/rpc/server"
	"github.com/outrun-sh/outrun/pkg/session"
)

// secretEnv carries the session signing secret between the collaborator
// that spawns both sides and this process, hex-encoded. When unset, serve
// generates a secret and prints a freshly minted token for the remote side.
const secretEnv = "OUTRUN_SESSION_SECRET"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local filesystem over RPC (runs on the local machine)",
	Long: `serve exposes the local filesystem to the remote machine's mount. It
binds a loopback TCP port that the session collaborator tunnels over the
encrypted remote shell. Clients authenticate with the session token; a
mismatch closes the connection without a reply.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	secret, printToken, err := serveSecret()
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Listen:  cfg.RPC.Listen,
		Secret:  secret,
		Workers: cfg.RPC.Workers,
		Prefetch: server.PrefetchPolicy{
			MaxEntries: cfg.Prefetch.MaxEntries,
			MaxBytes:   cfg.Prefetch.MaxBytes.Bytes(),
			Depth:      cfg.Prefetch.Depth,
			MinRatio:   cfg.Compression.MinRatio,
		},
	})

	if err := srv.Listen(); err != nil {
		logger.Error("listen failed", "error", err)
		return err
	}

	// The collaborator parses these two lines to build the tunnel and
	// hand the remote side its credentials.
	fmt.Printf("OUTRUN_ADDR=%s\n", srv.Addr().String())
	if printToken {
		id, err := session.NewID()
		if err != nil {
			return err
		}
		token, err := session.MintToken(secret, id, session.DefaultTokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("OUTRUN_TOKEN=%s\n", token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error("rpc server failed", "error", err)
		return err
	}
	return nil
}

// serveSecret resolves the signing secret: from the environment when the
// collaborator provides one, otherwise freshly generated.
func serveSecret() (secret []byte, printToken bool, err error) {
	if env := os.Getenv(secretEnv); env != "" {
		secret, err := hex.DecodeString(env)
		if err != nil {
			return nil, false, fmt.Errorf("invalid %s: %w", secretEnv, err)
		}
		return secret, false, nil
	}

	secret, err = session.NewSecret()
	if err != nil {
		return nil, false, err
	}
	return secret, true, nil
}

// serveMetrics runs the chi router with the Prometheus and health
// endpoints until ctx is cancelled.
func serveMetrics(ctx context.Context, listen string) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics endpoint failed", "error", err)
	}
}
