package proto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// ============================================================================
// File Contents
// ============================================================================

// Compression identifies how a blob payload is encoded on the wire and in
// the blob store. Compression is end-to-end over one blob, never across
// messages.
type Compression uint8

const (
	// CompressionNone carries the blob bytes verbatim.
	CompressionNone Compression = iota

	// CompressionLZ4 carries the blob as a single lz4 frame.
	CompressionLZ4
)

// compressionSampleSize is how much of a blob is trial-compressed to decide
// whether the full blob is worth compressing.
const compressionSampleSize = 64 * 1024

// Checksum is the 256-bit content digest of a blob's uncompressed bytes.
// It doubles as the blob's identity in the content-addressed store.
type Checksum [32]byte

// ChecksumOf computes the content digest of raw blob bytes.
func ChecksumOf(data []byte) Checksum {
	return blake3.Sum256(data)
}

// Hex returns the lowercase hex form used for blob filenames.
func (c Checksum) Hex() string {
	return fmt.Sprintf("%x", c[:])
}

// FileContents carries the full contents of one regular file. The checksum
// and size are always over the uncompressed bytes; Data may be an lz4 frame
// depending on the compression tag.
//
// Transferring whole files instead of ranges trades bandwidth for latency:
// one round-trip delivers everything a subsequent sequence of reads will
// want, and whole files compress far better than 4 KiB pages.
type FileContents struct {
	Compression Compression `cbor:"compression"`
	Data        []byte      `cbor:"data"`
	Checksum    Checksum    `cbor:"checksum"`
	Size        uint64      `cbor:"size"`
}

// ContentsFromData wraps raw file bytes for transfer, compressing when the
// expected ratio beats minRatio (compressed/original; lower is better). A
// minRatio of 0 disables compression entirely.
func ContentsFromData(data []byte, minRatio float64) FileContents {
	fc := FileContents{
		Compression: CompressionNone,
		Data:        data,
		Checksum:    ChecksumOf(data),
		Size:        uint64(len(data)),
	}

	if minRatio <= 0 || len(data) == 0 {
		return fc
	}

	// Trial-compress a prefix before committing to the whole blob.
	sample := data
	if len(sample) > compressionSampleSize {
		sample = sample[:compressionSampleSize]
	}
	if ratio := compressRatio(sample); ratio >= minRatio {
		return fc
	}

	compressed, err := lz4Compress(data)
	if err != nil || float64(len(compressed))/float64(len(data)) >= minRatio {
		return fc
	}

	fc.Compression = CompressionLZ4
	fc.Data = compressed
	return fc
}

// Bytes returns the uncompressed blob bytes, verifying the checksum.
func (fc *FileContents) Bytes() ([]byte, error) {
	data := fc.Data

	if fc.Compression == CompressionLZ4 {
		var err error
		data, err = lz4Decompress(fc.Data, fc.Size)
		if err != nil {
			return nil, fmt.Errorf("decompress blob: %w", err)
		}
	}

	if uint64(len(data)) != fc.Size {
		return nil, fmt.Errorf("blob size mismatch: got %d, want %d", len(data), fc.Size)
	}
	if ChecksumOf(data) != fc.Checksum {
		return nil, fmt.Errorf("blob checksum mismatch for %s", fc.Checksum.Hex())
	}

	return data, nil
}

func compressRatio(data []byte) float64 {
	compressed, err := lz4Compress(data)
	if err != nil {
		return 1.0
	}
	return float64(len(compressed)) / float64(len(data))
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte, size uint64) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))

	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)

	// The declared size bounds the copy so a corrupt frame cannot balloon.
	n, err := io.Copy(buf, io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, err
	}
	if uint64(n) > size {
		return nil, fmt.Errorf("lz4 frame larger than declared size %d", size)
	}
	return buf.Bytes(), nil
}
