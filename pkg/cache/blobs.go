package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/proto"
)

// blobStore keeps file contents under blobs/<hh>/<hash>, where <hh> is the
// first hash byte in hex. Blobs are stored uncompressed so cached opens can
// serve ranged reads straight off the file.
//
// Writes are content-addressed temp-then-rename: concurrent writers of the
// same hash converge on identical bytes, so the loser of the rename race
// just unlinks its temp file. No lock is needed.
type blobStore struct {
	root string
}

const tmpSuffix = ".tmp"

func newBlobStore(root string) (*blobStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &blobStore{root: root}, nil
}

// Path returns where a blob lives (or would live).
func (b *blobStore) Path(sum proto.Checksum) string {
	hex := sum.Hex()
	return filepath.Join(b.root, hex[:2], hex)
}

// Write stores blob bytes, fsyncing before the rename so a crash cannot
// leave a renamed-but-empty blob.
func (b *blobStore) Write(sum proto.Checksum, data []byte) error {
	target := b.Path(sum)

	if _, err := os.Stat(target); err == nil {
		// Another writer already converged on this hash.
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("create blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("create blob temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob temp: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

// Open returns the blob file for ranged reads.
func (b *blobStore) Open(sum proto.Checksum) (*os.File, error) {
	return os.Open(b.Path(sum))
}

// Verify re-hashes the stored blob against its name. A mismatch is cache
// corruption, not an I/O error.
func (b *blobStore) Verify(sum proto.Checksum) error {
	data, err := os.ReadFile(b.Path(sum))
	if err != nil {
		return err
	}
	if proto.ChecksumOf(data) != sum {
		return proto.ErrCacheCorrupt
	}
	return nil
}

// Remove deletes a blob file. Missing files are fine: eviction and crash
// cleanup race benignly.
func (b *blobStore) Remove(sum proto.Checksum) {
	if err := os.Remove(b.Path(sum)); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove blob failed", "hash", sum.Hex(), "error", err)
	}
}

// Exists reports whether the blob file is present.
func (b *blobStore) Exists(sum proto.Checksum) bool {
	_, err := os.Stat(b.Path(sum))
	return err == nil
}

// CleanTemp removes temp files abandoned by a crashed writer. Called once
// at startup, before any new writes.
func (b *blobStore) CleanTemp() {
	shards, err := os.ReadDir(b.root)
	if err != nil {
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(b.root, shard.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasSuffix(f.Name(), tmpSuffix) {
				os.Remove(filepath.Join(dir, f.Name()))
			}
		}
	}
}
