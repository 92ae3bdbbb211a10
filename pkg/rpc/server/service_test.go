package server

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outrun-sh/outrun/pkg/proto"
)

func newTestService() *Service {
	return NewService(PrefetchPolicy{MaxEntries: 256, MaxBytes: 128 << 20, Depth: 3})
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestGetattr(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	t.Run("ReturnsAttributes", func(t *testing.T) {
		p := filepath.Join(dir, "file.txt")
		writeFile(t, p, []byte("hello"))

		resp, perr := svc.Getattr(&proto.GetattrRequest{Path: p})
		require.Nil(t, perr)
		require.NotNil(t, resp.Meta.Attr)
		assert.Equal(t, uint64(5), resp.Meta.Attr.Size)
		assert.True(t, resp.Meta.Attr.IsRegular())
	})

	t.Run("BundlesSymlinkTarget", func(t *testing.T) {
		target := filepath.Join(dir, "file.txt")
		link := filepath.Join(dir, "link")
		require.NoError(t, os.Symlink(target, link))

		resp, perr := svc.Getattr(&proto.GetattrRequest{Path: link})
		require.Nil(t, perr)
		require.NotNil(t, resp.Meta.Attr)
		assert.True(t, resp.Meta.Attr.IsSymlink())
		assert.Equal(t, target, resp.Meta.Link)
	})

	t.Run("AbsentPathIsNegativeNotError", func(t *testing.T) {
		resp, perr := svc.Getattr(&proto.GetattrRequest{Path: filepath.Join(dir, "missing")})
		require.Nil(t, perr)
		require.NotNil(t, resp.Meta.Err)
		assert.Equal(t, proto.ErrnoNotFound, resp.Meta.Err.Code)
	})

	t.Run("RejectsRelativePath", func(t *testing.T) {
		_, perr := svc.Getattr(&proto.GetattrRequest{Path: "etc/passwd"})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoPermissionDenied, perr.Code)
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, perr := svc.Getattr(&proto.GetattrRequest{Path: "/tmp/../etc/passwd"})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoPermissionDenied, perr.Code)
	})
}

func TestReaddir(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "b.txt"), []byte("b"))
	writeFile(t, filepath.Join(dir, "a.txt"), []byte("a"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	t.Run("ReturnsSortedSnapshotWithAttrs", func(t *testing.T) {
		resp, perr := svc.Readdir(&proto.ReaddirRequest{Path: dir})
		require.Nil(t, perr)
		require.Len(t, resp.Entries, 3)
		assert.Equal(t, "a.txt", resp.Entries[0].Name)
		assert.Equal(t, "b.txt", resp.Entries[1].Name)
		assert.Equal(t, "sub", resp.Entries[2].Name)
		assert.True(t, resp.Entries[2].Attr.IsDir())
	})

	t.Run("NotADirectory", func(t *testing.T) {
		_, perr := svc.Readdir(&proto.ReaddirRequest{Path: filepath.Join(dir, "a.txt")})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoNotADirectory, perr.Code)
	})
}

func TestReadlink(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	t.Run("NotASymlink", func(t *testing.T) {
		p := filepath.Join(dir, "plain")
		writeFile(t, p, []byte("x"))

		_, perr := svc.Readlink(&proto.ReadlinkRequest{Path: p})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoNotASymlink, perr.Code)
	})

	t.Run("ReadsTarget", func(t *testing.T) {
		link := filepath.Join(dir, "lnk")
		require.NoError(t, os.Symlink("/usr/lib/libc.so", link))

		resp, perr := svc.Readlink(&proto.ReadlinkRequest{Path: link})
		require.Nil(t, perr)
		assert.Equal(t, "/usr/lib/libc.so", resp.Target)
	})
}

func TestFileIO(t *testing.T) {
	svc := newTestService()
	handles := newHandleTable()
	dir := t.TempDir()

	p := filepath.Join(dir, "data.bin")
	writeFile(t, p, []byte("0123456789"))

	t.Run("OpenReadReadClose", func(t *testing.T) {
		open, perr := svc.OpenRead(handles, &proto.OpenReadRequest{Path: p})
		require.Nil(t, perr)
		assert.Equal(t, uint64(10), open.Attr.Size)

		read, perr := svc.Read(handles, &proto.ReadRequest{Handle: open.Handle, Offset: 3, Length: 4})
		require.Nil(t, perr)
		assert.Equal(t, []byte("3456"), read.Data)

		// Reads past EOF are short, not errors.
		read, perr = svc.Read(handles, &proto.ReadRequest{Handle: open.Handle, Offset: 8, Length: 100})
		require.Nil(t, perr)
		assert.Equal(t, []byte("89"), read.Data)

		_, perr = svc.Close(handles, &proto.CloseRequest{Handle: open.Handle})
		require.Nil(t, perr)

		_, perr = svc.Read(handles, &proto.ReadRequest{Handle: open.Handle, Offset: 0, Length: 1})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoBadHandle, perr.Code)
	})

	t.Run("WritePath", func(t *testing.T) {
		wp := filepath.Join(dir, "written.txt")
		open, perr := svc.OpenWrite(handles, &proto.OpenWriteRequest{
			Path:  wp,
			Flags: uint32(os.O_CREATE | os.O_WRONLY),
			Mode:  0o644,
		})
		require.Nil(t, perr)

		wrote, perr := svc.Write(handles, &proto.WriteRequest{Handle: open.Handle, Offset: 0, Data: []byte("payload")})
		require.Nil(t, perr)
		assert.Equal(t, uint32(7), wrote.Written)

		_, perr = svc.Fsync(handles, &proto.FsyncRequest{Handle: open.Handle})
		require.Nil(t, perr)
		_, perr = svc.Close(handles, &proto.CloseRequest{Handle: open.Handle})
		require.Nil(t, perr)

		data, err := os.ReadFile(wp)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)
	})

	t.Run("BadHandle", func(t *testing.T) {
		_, perr := svc.Read(handles, &proto.ReadRequest{Handle: 999999, Offset: 0, Length: 1})
		require.NotNil(t, perr)
		assert.Equal(t, proto.ErrnoBadHandle, perr.Code)
	})

	t.Run("CloseAllReleasesEverything", func(t *testing.T) {
		open, perr := svc.OpenRead(handles, &proto.OpenReadRequest{Path: p})
		require.Nil(t, perr)

		handles.CloseAll()

		_, perr = svc.Read(handles, &proto.ReadRequest{Handle: open.Handle, Offset: 0, Length: 1})
		require.NotNil(t, perr)
	})
}

func TestMutations(t *testing.T) {
	svc := newTestService()
	dir := t.TempDir()

	t.Run("MkdirRenameRmdir", func(t *testing.T) {
		d1 := filepath.Join(dir, "d1")
		d2 := filepath.Join(dir, "d2")

		_, perr := svc.Mkdir(&proto.MkdirRequest{Path: d1, Mode: 0o755})
		require.Nil(t, perr)
		_, perr = svc.Rename(&proto.RenameRequest{From: d1, To: d2})
		require.Nil(t, perr)
		_, perr = svc.Rmdir(&proto.RmdirRequest{Path: d2})
		require.Nil(t, perr)

		_, err := os.Stat(d2)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("SymlinkUnlink", func(t *testing.T) {
		link := filepath.Join(dir, "sl")
		_, perr := svc.Symlink(&proto.SymlinkRequest{Path: link, Target: "/nonexistent/target"})
		require.Nil(t, perr)

		fi, err := os.Lstat(link)
		require.NoError(t, err)
		assert.Equal(t, os.ModeSymlink, fi.Mode()&os.ModeSymlink)

		_, perr = svc.Unlink(&proto.UnlinkRequest{Path: link})
		require.Nil(t, perr)
	})

	t.Run("ChmodUtimens", func(t *testing.T) {
		p := filepath.Join(dir, "modes.txt")
		writeFile(t, p, []byte("x"))

		_, perr := svc.Chmod(&proto.ChmodRequest{Path: p, Mode: 0o600})
		require.Nil(t, perr)

		var st syscall.Stat_t
		require.NoError(t, syscall.Stat(p, &st))
		assert.Equal(t, uint32(0o600), uint32(st.Mode&0o777))

		_, perr = svc.Utimens(&proto.UtimensRequest{Path: p, AtimeNs: 1e9, MtimeNs: 2e9})
		require.Nil(t, perr)
		require.NoError(t, syscall.Stat(p, &st))
		assert.Equal(t, int64(2e9), st.Mtim.Nano())
	})
}

func TestStatfs(t *testing.T) {
	svc := newTestService()

	resp, perr := svc.Statfs(&proto.StatfsRequest{Path: "/"})
	require.Nil(t, perr)
	assert.NotZero(t, resp.Stat.Bsize)
	assert.NotZero(t, resp.Stat.Blocks)
}
