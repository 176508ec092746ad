package dspgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleFormatValid(t *testing.T) {
	cases := []struct {
		name string
		f    SampleFormat
		want bool
	}{
		{"pcm1", FormatPCM1, true},
		{"pcm2", FormatPCM2, true},
		{"pcm4", FormatPCM4, true},
		{"pcm8", FormatPCM8, true},
		{"apm", FormatAPM, true},
		{"unrecognized", SampleFormat(0x55), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.f.Valid())
		})
	}
}

func TestSampleFormatChannels(t *testing.T) {
	require.Equal(t, 1, FormatPCM1.Channels())
	require.Equal(t, 2, FormatPCM2.Channels())
	require.Equal(t, 4, FormatPCM4.Channels())
	require.Equal(t, 8, FormatPCM8.Channels())
	require.Equal(t, 1, FormatAPM.Channels())
}
