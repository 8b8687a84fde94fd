package classifier

import (
	"testing"

	"forestguardian/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeGridPNG_RoundTrip(t *testing.T) {
	grid := make([]uint8, wire.GridWidth*wire.GridHeight)
	for i := range grid {
		grid[i] = uint8(i % 256)
	}

	data, err := EncodeGridPNG(grid, wire.GridWidth, wire.GridHeight)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, w, h, err := decodeGridPNG(data)
	require.NoError(t, err)
	assert.Equal(t, wire.GridWidth, w)
	assert.Equal(t, wire.GridHeight, h)
	assert.Equal(t, grid, decoded)
}

func TestEncodeGridPNG_RejectsMismatchedLength(t *testing.T) {
	_, err := EncodeGridPNG(make([]uint8, 10), wire.GridWidth, wire.GridHeight)
	assert.Error(t, err)
}
