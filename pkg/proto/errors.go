package proto

import (
	"errors"
	"fmt"
	"syscall"
)

// ============================================================================
// Error Taxonomy
// ============================================================================
//
// Every RPC result is either a typed result or exactly one Error - never both.
// The codes form a closed set: the codec and the FUSE errno mapping are total
// over them. POSIX-mappable codes surface to the kernel as their errno;
// transport-level codes (Timeout, Busy) are retried locally; ProtocolError and
// AuthFailed are session-fatal.

// Errno identifies a wire-level error condition.
type Errno uint32

const (
	// OK is never transmitted inside an Error; it exists so the zero value
	// of a status field is unambiguous.
	OK Errno = iota

	// ErrnoNotFound indicates the path does not exist.
	ErrnoNotFound

	// ErrnoPermissionDenied indicates the operation was refused by the
	// local filesystem's permission checks.
	ErrnoPermissionDenied

	// ErrnoNotADirectory indicates readdir was called on a non-directory.
	ErrnoNotADirectory

	// ErrnoNotASymlink indicates readlink was called on a non-symlink.
	ErrnoNotASymlink

	// ErrnoNoSpace indicates the filesystem ran out of space during a write.
	ErrnoNoSpace

	// ErrnoBadHandle indicates an unknown or already-closed file handle.
	ErrnoBadHandle

	// ErrnoIO is the catch-all for local I/O failures.
	ErrnoIO

	// ErrnoTimeout indicates an RPC deadline expired before a response
	// arrived. Retried locally with backoff before surfacing as IO.
	ErrnoTimeout

	// ErrnoBusy indicates the client's in-flight request table is full.
	ErrnoBusy

	// ErrnoInterrupted indicates a kernel-initiated FUSE interrupt.
	// Never retried.
	ErrnoInterrupted

	// ErrnoProtocol indicates an unrecoverable framing or decoding fault.
	// The connection carrying it is torn down.
	ErrnoProtocol

	// ErrnoAuthFailed indicates a session token mismatch. Fatal.
	ErrnoAuthFailed

	// ErrnoShutdown indicates the session is draining and no further
	// requests will be serviced.
	ErrnoShutdown

	// ErrnoCacheCorrupt indicates a cache entry failed its integrity
	// check. The entry is invalidated and refetched.
	ErrnoCacheCorrupt
)

// String returns the symbolic name of the error code.
func (e Errno) String() string {
	switch e {
	case OK:
		return "OK"
	case ErrnoNotFound:
		return "NotFound"
	case ErrnoPermissionDenied:
		return "PermissionDenied"
	case ErrnoNotADirectory:
		return "NotADirectory"
	case ErrnoNotASymlink:
		return "NotASymlink"
	case ErrnoNoSpace:
		return "NoSpace"
	case ErrnoBadHandle:
		return "BadHandle"
	case ErrnoIO:
		return "IO"
	case ErrnoTimeout:
		return "Timeout"
	case ErrnoBusy:
		return "Busy"
	case ErrnoInterrupted:
		return "Interrupted"
	case ErrnoProtocol:
		return "ProtocolError"
	case ErrnoAuthFailed:
		return "AuthFailed"
	case ErrnoShutdown:
		return "Shutdown"
	case ErrnoCacheCorrupt:
		return "CacheCorrupt"
	default:
		return fmt.Sprintf("Errno(%d)", uint32(e))
	}
}

// Error is the typed error carried on the wire and cached in negative
// entries. It is a value type so it round-trips through the codec without
// losing identity.
type Error struct {
	Code Errno  `cbor:"code"`
	Path string `cbor:"path,omitempty"`
	Msg  string `cbor:"msg,omitempty"`
}

// NewError creates a typed error for the given code and path.
func NewError(code Errno, path string) *Error {
	return &Error{Code: code, Path: path}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Path)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Code.String()
}

// Is allows errors.Is comparisons against another *Error by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Errno maps the wire error to the errno reported to the kernel.
//
// Transport-level codes that escape the retry layer collapse to EIO: the
// guest process only ever observes normal POSIX errors.
func (e *Error) Errno() syscall.Errno {
	switch e.Code {
	case ErrnoNotFound:
		return syscall.ENOENT
	case ErrnoPermissionDenied:
		return syscall.EACCES
	case ErrnoNotADirectory:
		return syscall.ENOTDIR
	case ErrnoNotASymlink:
		return syscall.EINVAL
	case ErrnoNoSpace:
		return syscall.ENOSPC
	case ErrnoBadHandle:
		return syscall.EBADF
	case ErrnoInterrupted:
		return syscall.EINTR
	case ErrnoShutdown:
		return syscall.ENOTCONN
	default:
		return syscall.EIO
	}
}

// FromOSError converts a local filesystem error on the serving side into
// its wire representation. Unrecognized errors collapse to IO with the
// original text preserved for diagnostics.
func FromOSError(err error, path string) *Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return &Error{Code: ErrnoNotFound, Path: path}
		case syscall.EACCES, syscall.EPERM:
			return &Error{Code: ErrnoPermissionDenied, Path: path}
		case syscall.ENOTDIR:
			return &Error{Code: ErrnoNotADirectory, Path: path}
		case syscall.ENOSPC, syscall.EDQUOT:
			return &Error{Code: ErrnoNoSpace, Path: path}
		case syscall.EBADF:
			return &Error{Code: ErrnoBadHandle, Path: path}
		}
	}
	return &Error{Code: ErrnoIO, Path: path, Msg: err.Error()}
}

// Sentinel errors for the non-POSIX conditions. Client and cache code
// compares against these with errors.Is.
var (
	ErrTimeout      = &Error{Code: ErrnoTimeout}
	ErrBusy         = &Error{Code: ErrnoBusy}
	ErrInterrupted  = &Error{Code: ErrnoInterrupted}
	ErrProtocol     = &Error{Code: ErrnoProtocol}
	ErrAuthFailed   = &Error{Code: ErrnoAuthFailed}
	ErrShutdown     = &Error{Code: ErrnoShutdown}
	ErrCacheCorrupt = &Error{Code: ErrnoCacheCorrupt}
)
