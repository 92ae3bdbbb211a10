package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"1KiB", 1024},
		{"1Ki", 1024},
		{"20GiB", 20 * GiB},
		{"128Mi", 128 * MiB},
		{"100MB", 100 * MB},
		{"1.5Gi", ByteSize(1.5 * float64(GiB))},
		{"  512 Mi ", 512 * MiB},
		{"2tb", 2 * TB},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "  ", "abc", "1XB", "-5", "12.3.4Mi"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("64Ki")))
	assert.Equal(t, 64*KiB, b)

	require.Error(t, b.UnmarshalText([]byte("junk")))
}

func TestString(t *testing.T) {
	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "1KiB", KiB.String())
	assert.Equal(t, "1.5KiB", ByteSize(1536).String())
	assert.Equal(t, "20GiB", (20 * GiB).String())
}
