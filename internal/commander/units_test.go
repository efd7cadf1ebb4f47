package commander

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := map[string]uint32{
		"4096":  4096,
		"0x1000": 4096,
		"4K":    4096,
		"4k":    4096,
		"1M":    1 << 20,
		"16M":   16 << 20,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	_, err := ParseSize("not-a-size")
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	got, err := ParseAddress("0x00FF00")
	require.NoError(t, err)
	require.Equal(t, uint32(0x00FF00), got)

	got, err = ParseAddress("65280")
	require.NoError(t, err)
	require.Equal(t, uint32(65280), got)
}
