package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func quantize4(v uint8) uint8 {
	return (v >> 4) << 4
}

func TestEncodeDecodePayloadRoundTrip(t *testing.T) {
	t.Parallel()

	grid := make([]uint8, GridWidth*GridHeight)
	for i := range grid {
		// mix of runs and scattered values to exercise both token kinds
		if i%7 == 0 {
			grid[i] = uint8(i % 256)
		} else {
			grid[i] = 0x30
		}
	}

	encoded, err := EncodePayload(grid, GridWidth, GridHeight)
	require.NoError(t, err)
	require.Equal(t, byte(0x53), encoded[0])
	require.Equal(t, byte(0x50), encoded[1])

	decoded, w, h, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Equal(t, GridWidth, w)
	require.Equal(t, GridHeight, h)
	require.Len(t, decoded, len(grid))

	for i, v := range grid {
		require.Equal(t, quantize4(v), decoded[i], "pixel %d", i)
	}
}

func TestEncodePayloadRejectsWrongSize(t *testing.T) {
	t.Parallel()

	_, err := EncodePayload(make([]uint8, 10), GridWidth, GridHeight)
	require.Error(t, err)

	_, err = EncodePayload(make([]uint8, GridWidth*GridHeight), 16, 16)
	require.Error(t, err)
}

func TestDecodePayloadRejectsBadMagic(t *testing.T) {
	t.Parallel()

	_, _, _, err := DecodePayload([]byte{0x00, 0x00, 32, 32})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodePayloadRejectsTruncatedStream(t *testing.T) {
	t.Parallel()

	grid := make([]uint8, GridWidth*GridHeight)
	encoded, err := EncodePayload(grid, GridWidth, GridHeight)
	require.NoError(t, err)

	_, _, _, err = DecodePayload(encoded[:len(encoded)-len(encoded)/2])
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEncodePayloadNoZeroLengthRun(t *testing.T) {
	t.Parallel()

	// a grid of scattered values, whose encoding mixes raw bytes and short
	// run tokens, must never emit a zero-length run token
	grid := make([]uint8, GridWidth*GridHeight)
	for i := range grid {
		grid[i] = uint8((i * 37) % 256)
	}
	encoded, err := EncodePayload(grid, GridWidth, GridHeight)
	require.NoError(t, err)

	body := encoded[4:]
	for i := 0; i < len(body); {
		b := body[i]
		if b&0x80 != 0 {
			i++
			continue
		}
		require.GreaterOrEqual(t, int(b), 1)
		i += 2
	}
}
