package proto

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		code Errno
		want syscall.Errno
	}{
		{ErrnoNotFound, syscall.ENOENT},
		{ErrnoPermissionDenied, syscall.EACCES},
		{ErrnoNotADirectory, syscall.ENOTDIR},
		{ErrnoNotASymlink, syscall.EINVAL},
		{ErrnoNoSpace, syscall.ENOSPC},
		{ErrnoBadHandle, syscall.EBADF},
		{ErrnoInterrupted, syscall.EINTR},
		{ErrnoIO, syscall.EIO},
		{ErrnoTimeout, syscall.EIO},
		{ErrnoBusy, syscall.EIO},
		{ErrnoProtocol, syscall.EIO},
		{ErrnoCacheCorrupt, syscall.EIO},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			e := &Error{Code: tc.code}
			assert.Equal(t, tc.want, e.Errno())
		})
	}
}

func TestFromOSError(t *testing.T) {
	t.Run("MapsCommonErrnos", func(t *testing.T) {
		assert.Equal(t, ErrnoNotFound, FromOSError(syscall.ENOENT, "/x").Code)
		assert.Equal(t, ErrnoPermissionDenied, FromOSError(syscall.EACCES, "/x").Code)
		assert.Equal(t, ErrnoPermissionDenied, FromOSError(syscall.EPERM, "/x").Code)
		assert.Equal(t, ErrnoNotADirectory, FromOSError(syscall.ENOTDIR, "/x").Code)
		assert.Equal(t, ErrnoNoSpace, FromOSError(syscall.ENOSPC, "/x").Code)
	})

	t.Run("PreservesPath", func(t *testing.T) {
		e := FromOSError(syscall.ENOENT, "/usr/lib/libx.so")
		assert.Equal(t, "/usr/lib/libx.so", e.Path)
	})

	t.Run("CollapsesUnknownToIO", func(t *testing.T) {
		e := FromOSError(syscall.EMFILE, "/x")
		assert.Equal(t, ErrnoIO, e.Code)
		assert.NotEmpty(t, e.Msg)
	})
}

func TestErrorIs(t *testing.T) {
	t.Run("MatchesByCode", func(t *testing.T) {
		err := &Error{Code: ErrnoTimeout, Msg: "whatever"}
		require.ErrorIs(t, err, ErrTimeout)
		require.NotErrorIs(t, err, ErrBusy)
	})

	t.Run("SentinelsSelfMatch", func(t *testing.T) {
		require.ErrorIs(t, ErrShutdown, ErrShutdown)
		require.ErrorIs(t, ErrAuthFailed, ErrAuthFailed)
	})
}
