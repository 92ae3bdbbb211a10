// Package proto defines the data model shared by the RPC server on the local
// machine, the RPC client on the remote machine, and the cache. Everything in
// this package travels on the wire, so all types are plain data with CBOR
// struct tags and no behavior that depends on which side they live on.
package proto

import (
	"strconv"
	"syscall"
)

// ============================================================================
// File Attributes
// ============================================================================

// Attributes is the stat record for a filesystem entry, in the local
// machine's namespace. Inode numbers are not carried: the FUSE layer on the
// remote side synthesizes stable inode hints of its own.
type Attributes struct {
	Mode    uint32 `cbor:"mode"`
	Nlink   uint32 `cbor:"nlink"`
	UID     uint32 `cbor:"uid"`
	GID     uint32 `cbor:"gid"`
	Size    uint64 `cbor:"size"`
	Rdev    uint64 `cbor:"rdev"`
	AtimeNs int64  `cbor:"atime_ns"`
	MtimeNs int64  `cbor:"mtime_ns"`
	CtimeNs int64  `cbor:"ctime_ns"`

	// Ino is the server-side inode number. It never reaches the kernel on
	// the remote side; it only participates in the validator tuple.
	Ino uint64 `cbor:"ino"`
}

// AttributesFromStat converts a raw stat result into wire attributes.
func AttributesFromStat(st *syscall.Stat_t) Attributes {
	return Attributes{
		Mode:    uint32(st.Mode),
		Nlink:   uint32(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Size:    uint64(st.Size),
		Rdev:    uint64(st.Rdev),
		AtimeNs: st.Atim.Nano(),
		MtimeNs: st.Mtim.Nano(),
		CtimeNs: st.Ctim.Nano(),
		Ino:     st.Ino,
	}
}

// IsRegular reports whether the attributes describe a regular file.
func (a Attributes) IsRegular() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFREG
}

// IsDir reports whether the attributes describe a directory.
func (a Attributes) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// IsSymlink reports whether the attributes describe a symbolic link.
func (a Attributes) IsSymlink() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFLNK
}

// AsReadOnly returns a copy with all write permission bits stripped.
//
// Cached entries are immutable for the duration of a session, so they are
// exposed read-only to the guest process.
func (a Attributes) AsReadOnly() Attributes {
	a.Mode &^= 0o222
	return a
}

// Validator captures the identity of one version of an inode as observed
// when the attributes were served. Used for cross-session revalidation.
func (a Attributes) Validator() Validator {
	return Validator{MtimeNs: a.MtimeNs, Size: a.Size, Ino: a.Ino}
}

// ============================================================================
// Validator
// ============================================================================

// Validator identifies a specific version of an inode on the local machine.
// Two validators are equal exactly when the entry can be assumed unchanged.
type Validator struct {
	MtimeNs int64  `cbor:"mtime_ns"`
	Size    uint64 `cbor:"size"`
	Ino     uint64 `cbor:"ino"`
}

// ============================================================================
// Metadata
// ============================================================================

// Metadata bundles everything needed to answer lookup, getattr and readlink
// for one path: the lstat result, the link target when the entry is a
// symlink, or the error those calls would produce. Bundling the readlink
// result up front halves the round-trips on the very common
// access-symlink-then-resolve pattern.
type Metadata struct {
	Attr *Attributes `cbor:"attr,omitempty"`
	Link string      `cbor:"link,omitempty"`
	Err  *Error      `cbor:"err,omitempty"`
}

// Validator returns the validator tuple for the metadata, or the zero
// validator for negative entries.
func (m Metadata) Validator() Validator {
	if m.Attr == nil {
		return Validator{}
	}
	return m.Attr.Validator()
}

// ============================================================================
// Directory Entries
// ============================================================================

// DirEntry is one child in a directory listing snapshot. Listings are
// complete, never incremental, and include child attributes so a readdir
// primes the attribute cache for every entry.
type DirEntry struct {
	Name string     `cbor:"name"`
	Attr Attributes `cbor:"attr"`
}

// ============================================================================
// Filesystem Statistics
// ============================================================================

// StatFS mirrors statvfs for the filesystem backing a path on the local
// machine.
type StatFS struct {
	Bsize   uint64 `cbor:"bsize"`
	Frsize  uint64 `cbor:"frsize"`
	Blocks  uint64 `cbor:"blocks"`
	Bfree   uint64 `cbor:"bfree"`
	Bavail  uint64 `cbor:"bavail"`
	Files   uint64 `cbor:"files"`
	Ffree   uint64 `cbor:"ffree"`
	Favail  uint64 `cbor:"favail"`
	NameMax uint64 `cbor:"namemax"`
}

// ============================================================================
// Root Version
// ============================================================================

// RootVersion is the local machine's filesystem epoch, captured at session
// start. A cache entry fetched under one root version must be revalidated
// before first use under another.
type RootVersion struct {
	// MachineID is an app-specific identifier for the local machine, so a
	// shared cache directory keys entries per machine.
	MachineID string `cbor:"machine_id"`

	// BootNs is the boot-relative epoch in nanoseconds since the Unix
	// epoch. It changes when the machine reboots and stays the same across
	// server restarts within one boot.
	BootNs int64 `cbor:"boot_ns"`
}

// Stamp renders the version as a single comparable token.
func (v RootVersion) Stamp() string {
	if v.MachineID == "" && v.BootNs == 0 {
		return ""
	}
	return v.MachineID + ":" + strconv.FormatInt(v.BootNs, 10)
}
