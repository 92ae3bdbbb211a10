package client

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/rpc/server"
	"github.com/outrun-sh/outrun/pkg/session"
)

type testEnv struct {
	srv    *server.Server
	secret []byte
	token  string
	addr   string
	cancel context.CancelFunc
}

func startServer(t *testing.T) *testEnv {
	t.Helper()

	secret, err := session.NewSecret()
	require.NoError(t, err)
	id, err := session.NewID()
	require.NoError(t, err)
	token, err := session.MintToken(secret, id, time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Options{
		Listen:  "127.0.0.1:0",
		Secret:  secret,
		Workers: 4,
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	env := &testEnv{
		srv:    srv,
		secret: secret,
		token:  token,
		addr:   srv.Addr().String(),
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return env
}

func (e *testEnv) newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.Addr = e.addr
	if opts.Token == "" {
		opts.Token = e.token
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAuth(t *testing.T) {
	env := startServer(t)

	t.Run("ValidTokenHandshakes", func(t *testing.T) {
		c := env.newClient(t, Options{})
		root, err := c.RootVersion(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, root.Stamp())
	})

	t.Run("InvalidTokenIsRejected", func(t *testing.T) {
		c := env.newClient(t, Options{Token: "not-a-token"})
		err := c.Ping(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, proto.ErrAuthFailed)
	})

	t.Run("ForeignSecretIsRejected", func(t *testing.T) {
		otherSecret, err := session.NewSecret()
		require.NoError(t, err)
		forged, err := session.MintToken(otherSecret, "sid", time.Hour)
		require.NoError(t, err)

		c := env.newClient(t, Options{Token: forged})
		err = c.Ping(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, proto.ErrAuthFailed)
	})
}

func TestCalls(t *testing.T) {
	env := startServer(t)
	c := env.newClient(t, Options{})
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, c.Ping(ctx))
	})

	t.Run("Getattr", func(t *testing.T) {
		p := filepath.Join(dir, "f")
		require.NoError(t, os.WriteFile(p, []byte("12345"), 0o644))

		meta, err := c.Getattr(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, meta.Attr)
		assert.Equal(t, uint64(5), meta.Attr.Size)
	})

	t.Run("GetattrAbsent", func(t *testing.T) {
		meta, err := c.Getattr(ctx, filepath.Join(dir, "missing"))
		require.NoError(t, err)
		require.NotNil(t, meta.Err)
		assert.Equal(t, proto.ErrnoNotFound, meta.Err.Code)
	})

	t.Run("TypedErrorCrossesTheWire", func(t *testing.T) {
		_, err := c.Readlink(ctx, filepath.Join(dir, "f"))
		require.Error(t, err)

		var perr *proto.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, proto.ErrnoNotASymlink, perr.Code)
	})

	t.Run("StreamedReads", func(t *testing.T) {
		p := filepath.Join(dir, "big")
		payload := make([]byte, 3000)
		for i := range payload {
			payload[i] = byte(i)
		}
		require.NoError(t, os.WriteFile(p, payload, 0o644))

		handle, attr, err := c.OpenRead(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, uint64(3000), attr.Size)

		var got []byte
		for off := uint64(0); ; {
			chunk, err := c.Read(ctx, handle, off, 1024)
			require.NoError(t, err)
			if len(chunk) == 0 {
				break
			}
			got = append(got, chunk...)
			off += uint64(len(chunk))
		}
		assert.Equal(t, payload, got)
		require.NoError(t, c.CloseHandle(ctx, handle))
	})

	t.Run("WriteRoundTrip", func(t *testing.T) {
		p := filepath.Join(dir, "out")
		handle, err := c.OpenWrite(ctx, p, uint32(os.O_CREATE|os.O_WRONLY), 0o644)
		require.NoError(t, err)

		n, err := c.Write(ctx, handle, 0, []byte("remote write"))
		require.NoError(t, err)
		assert.Equal(t, uint32(12), n)

		require.NoError(t, c.Fsync(ctx, handle, false))
		require.NoError(t, c.CloseHandle(ctx, handle))

		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, []byte("remote write"), data)
	})

	t.Run("BulkFetch", func(t *testing.T) {
		p := filepath.Join(dir, "bundle-me")
		require.NoError(t, os.WriteFile(p, []byte("bundle contents"), 0o644))

		resp, err := c.BulkFetch(ctx, &proto.BulkFetchRequest{
			Paths: []string{p},
			Kinds: proto.FetchMeta | proto.FetchContents,
		}, 128<<20)
		require.NoError(t, err)
		require.NotEmpty(t, resp.Items)
		assert.Equal(t, p, resp.Items[0].Path)
		require.NotNil(t, resp.Items[0].Contents)

		data, err := resp.Items[0].Contents.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("bundle contents"), data)
	})

	t.Run("Statfs", func(t *testing.T) {
		st, err := c.Statfs(ctx, "/")
		require.NoError(t, err)
		assert.NotZero(t, st.Blocks)
	})
}

func TestConcurrentCalls(t *testing.T) {
	env := startServer(t)
	c := env.newClient(t, Options{PoolSize: 2})
	dir := t.TempDir()

	p := filepath.Join(dir, "shared")
	require.NoError(t, os.WriteFile(p, []byte("shared"), 0o644))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta, err := c.Getattr(context.Background(), p)
			assert.NoError(t, err)
			if assert.NotNil(t, meta.Attr) {
				assert.Equal(t, uint64(6), meta.Attr.Size)
			}
		}()
	}
	wg.Wait()
}

func TestCancellation(t *testing.T) {
	env := startServer(t)
	c := env.newClient(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Ping(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrInterrupted)
}

func TestShutdownWakesWaiters(t *testing.T) {
	env := startServer(t)
	c := env.newClient(t, Options{})

	// Prime a connection, then close the client; subsequent calls fail
	// with Shutdown instead of hanging.
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrShutdown)
}
