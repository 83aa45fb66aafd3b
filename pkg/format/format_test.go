package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Bytes(tt.bytes))
		})
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", Number(1234567))
	assert.Equal(t, "0", Number(0))
}

func TestNumberCompact(t *testing.T) {
	assert.Equal(t, "999", NumberCompact(999))
	assert.Equal(t, "1.2K", NumberCompact(1234))
	assert.Equal(t, "1.2M", NumberCompact(1234567))
	assert.Equal(t, "2.5B", NumberCompact(2_500_000_000))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, "45.7%", Percentage(45.678, 1))
	assert.Equal(t, "100%", Percentage(100, 0))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, "45.6%", Ratio(0.456))
	assert.Equal(t, "0.0%", Ratio(0))
	assert.Equal(t, "100.0%", Ratio(1))
}
