package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileContents(t *testing.T) {
	t.Run("RoundTripsUncompressed", func(t *testing.T) {
		data := []byte("small file")
		fc := ContentsFromData(data, 0)

		assert.Equal(t, CompressionNone, fc.Compression)
		assert.Equal(t, uint64(len(data)), fc.Size)

		out, err := fc.Bytes()
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("CompressesCompressibleData", func(t *testing.T) {
		data := bytes.Repeat([]byte("outrun outrun outrun "), 4096)
		fc := ContentsFromData(data, 0.85)

		assert.Equal(t, CompressionLZ4, fc.Compression)
		assert.Less(t, len(fc.Data), len(data))

		out, err := fc.Bytes()
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("SkipsIncompressibleData", func(t *testing.T) {
		// A pseudo-random buffer compresses poorly; the sample check
		// should leave it alone.
		data := make([]byte, 256*1024)
		state := uint64(0x9e3779b97f4a7c15)
		for i := range data {
			state = state*6364136223846793005 + 1442695040888963407
			data[i] = byte(state >> 56)
		}
		fc := ContentsFromData(data, 0.85)
		assert.Equal(t, CompressionNone, fc.Compression)
	})

	t.Run("ChecksumCoversUncompressedBytes", func(t *testing.T) {
		data := bytes.Repeat([]byte("abc"), 10000)
		fc := ContentsFromData(data, 0.85)
		assert.Equal(t, ChecksumOf(data), fc.Checksum)
	})

	t.Run("DetectsTamperedData", func(t *testing.T) {
		fc := ContentsFromData([]byte("original"), 0)
		fc.Data = []byte("tampered")

		_, err := fc.Bytes()
		require.Error(t, err)
	})

	t.Run("DetectsSizeMismatch", func(t *testing.T) {
		fc := ContentsFromData([]byte("original"), 0)
		fc.Size = 3

		_, err := fc.Bytes()
		require.Error(t, err)
	})

	t.Run("HandlesEmptyFile", func(t *testing.T) {
		fc := ContentsFromData(nil, 0.85)
		out, err := fc.Bytes()
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestChecksum(t *testing.T) {
	t.Run("HexIs64Chars", func(t *testing.T) {
		sum := ChecksumOf([]byte("x"))
		assert.Len(t, sum.Hex(), 64)
	})

	t.Run("IdenticalContentsShareChecksum", func(t *testing.T) {
		assert.Equal(t, ChecksumOf([]byte("same")), ChecksumOf([]byte("same")))
		assert.NotEqual(t, ChecksumOf([]byte("same")), ChecksumOf([]byte("diff")))
	})
}
