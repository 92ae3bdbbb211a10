package fs

import (
	"context"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"

	"github.com/outrun-sh/outrun/pkg/proto"
)

func TestInoHint(t *testing.T) {
	t.Run("StablePerPath", func(t *testing.T) {
		assert.Equal(t, inoHint("/usr/bin/ffmpeg"), inoHint("/usr/bin/ffmpeg"))
	})

	t.Run("DistinctAcrossPaths", func(t *testing.T) {
		assert.NotEqual(t, inoHint("/usr/bin/ffmpeg"), inoHint("/usr/bin/ffprobe"))
	})

	t.Run("NeverZero", func(t *testing.T) {
		assert.NotZero(t, inoHint(""))
		assert.NotZero(t, inoHint("/"))
	})
}

func TestErrnoOf(t *testing.T) {
	t.Run("TypedErrors", func(t *testing.T) {
		assert.Equal(t, syscall.ENOENT, errnoOf(proto.NewError(proto.ErrnoNotFound, "/x")))
		assert.Equal(t, syscall.EACCES, errnoOf(proto.NewError(proto.ErrnoPermissionDenied, "/x")))
		assert.Equal(t, syscall.EINTR, errnoOf(proto.ErrInterrupted))
	})

	t.Run("TransportErrorsCollapseToEIO", func(t *testing.T) {
		assert.Equal(t, syscall.EIO, errnoOf(proto.ErrTimeout))
		assert.Equal(t, syscall.EIO, errnoOf(proto.ErrProtocol))
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		assert.Equal(t, syscall.EINTR, errnoOf(context.Canceled))
	})
}

func TestFillAttr(t *testing.T) {
	attr := proto.Attributes{
		Mode:    0o100755,
		Nlink:   2,
		UID:     1000,
		GID:     1000,
		Size:    4096,
		AtimeNs: 1_500_000_000_000_000_001,
		MtimeNs: 1_600_000_000_000_000_002,
		CtimeNs: 1_700_000_000_000_000_003,
	}

	var out fuse.Attr
	fillAttr("/usr/bin/tool", &attr, &out)

	assert.Equal(t, inoHint("/usr/bin/tool"), out.Ino)
	assert.Equal(t, uint64(4096), out.Size)
	assert.Equal(t, uint64(8), out.Blocks)
	assert.Equal(t, uint32(0o100755), out.Mode)
	assert.Equal(t, uint64(1_500_000_000), out.Atime)
	assert.Equal(t, uint32(1), out.Atimensec)
	assert.Equal(t, uint64(1_600_000_000), out.Mtime)
	assert.Equal(t, uint32(2), out.Mtimensec)
	assert.Equal(t, uint32(1000), out.Owner.Uid)
}
