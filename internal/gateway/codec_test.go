package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDuration(t *testing.T) {
	cases := map[int]string{
		0:     "",
		30:    "30m",
		60:    "1h",
		90:    "1h30m",
		1440:  "1d",
		1500:  "1d1h",
		10080: "1w",
		11520: "1w1d",
		1530:  "25h30m",
		10140: "7d1h",
	}
	for minutes, want := range cases {
		assert.Equal(t, want, EncodeDuration(minutes), "minutes=%d", minutes)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	values := []int{1, 30, 59, 60, 90, 120, 725, 1440, 1500, 2880, 4380, 10080, 11520, 20160, 1530, 10140}
	for _, v := range values {
		got, err := DecodeDuration(EncodeDuration(v))
		require.NoError(t, err)
		assert.Equal(t, v, got, "round trip of %d via %q", v, EncodeDuration(v))
	}
	// every value expressible in two units of the same family
	for w := 0; w < 5; w++ {
		for d := 0; d < 7; d++ {
			v := w*minutesPerWeek + d*minutesPerDay
			got, err := DecodeDuration(EncodeDuration(v))
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	}
	for h := 0; h < 48; h++ {
		for m := 0; m < 60; m += 7 {
			v := h*60 + m
			got, err := DecodeDuration(EncodeDuration(v))
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	}
}

func TestDecodeDurationRouterRenderings(t *testing.T) {
	cases := map[string]int{
		"1h":         60,
		"1H30M":      90,
		"1d00:00:00": 1440,
		"01:30:00":   90,
		"1w2d":       12960,
		"45s":        0,
		"1m30s":      1,
		"none":       0,
		"":           0,
	}
	for in, want := range cases {
		got, err := DecodeDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"abc", "1x", "h1", "1h30"} {
		_, err := DecodeDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestRateLimitRoundTrip(t *testing.T) {
	r, err := ParseRateLimit("5M/10M")
	require.NoError(t, err)
	assert.Equal(t, RateLimit{UploadKbps: 5120, DownloadKbps: 10240}, r)
	assert.Equal(t, "5M/10M", FormatRateLimit(r))

	r, err = ParseRateLimit("512K/1024K")
	require.NoError(t, err)
	assert.Equal(t, RateLimit{UploadKbps: 512, DownloadKbps: 1024}, r)
	assert.Equal(t, "512K/1024K", FormatRateLimit(r))
}

func TestParseRateLimitVariants(t *testing.T) {
	cases := map[string]RateLimit{
		"512/1024":                 {512, 1024},
		"2m/4m":                    {2048, 4096},
		"1G/1G":                    {1048576, 1048576},
		"1.5M/3M":                  {1536, 3072},
		"2M":                       {2048, 2048},
		"":                         {},
	}
	for in, want := range cases {
		got, err := ParseRateLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	// burst settings after the first token are ignored
	burst, err := ParseRateLimit("5M/10M 8M/16M 4M/8M 10/10")
	require.NoError(t, err)
	assert.Equal(t, RateLimit{UploadKbps: 5120, DownloadKbps: 10240}, burst)

	for _, bad := range []string{"x/y", "1M/2M/3M", "/"} {
		_, err := ParseRateLimit(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "", FormatRateLimit(RateLimit{}))
	assert.Equal(t, "0K/1024K", FormatRateLimit(RateLimit{DownloadKbps: 1024}))
}
