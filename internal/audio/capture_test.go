package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	frames [][2]int32
}

func (f *fixedSource) ReadStereo(frames [][2]int32) (int, error) {
	n := copy(frames, f.frames)
	return n, nil
}

func TestCaptureSelectsLouderChannel(t *testing.T) {
	src := &fixedSource{frames: [][2]int32{
		{100, 1 << 20},
		{100, 1 << 20},
		{100, 1 << 20},
	}}
	cap := NewCapture(src)
	buf := make([]int16, 3)
	ok, err := cap.Read(buf, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, cap.activeChannel)
}

func TestCaptureZeroPadsShortfall(t *testing.T) {
	src := &fixedSource{frames: [][2]int32{{1 << 16, 0}}}
	cap := NewCapture(src)
	buf := make([]int16, 4)
	ok, err := cap.Read(buf, 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, buf[0])
	assert.Zero(t, buf[1])
	assert.Zero(t, buf[2])
	assert.Zero(t, buf[3])
}

func TestToMonoSoftClipAndHardClamp(t *testing.T) {
	// Below knee: passes through the gain shift unchanged.
	assert.Equal(t, int16(1000), toMono(1000<<15))

	// Above the knee, soft-clip compresses the excess by 1/8.
	raw := int32(25000) << 15
	got := toMono(raw)
	assert.InDelta(t, 20000+(25000-20000)/8, int64(got), 1)

	// Far above the knee, the hard clamp still bounds the result.
	huge := toMono(int32(60000) << 15)
	assert.LessOrEqual(t, int64(huge), int64(hardClampMax))
	assert.GreaterOrEqual(t, int64(huge), int64(-hardClampMax))
}

func TestCorrectDCBringsMeanToZero(t *testing.T) {
	samples := []int16{5000, 5000, 5000, 5000}
	CorrectDC(samples)
	var sum int
	for _, s := range samples {
		sum += int(s)
	}
	assert.Zero(t, sum)
}

func TestSimulatedSourceFillsRequestedLength(t *testing.T) {
	src := NewSimulatedSource(1, 500)
	src.InjectChainsawBurst(120, 4, 8000)
	frames := make([][2]int32, 256)
	n, err := src.ReadStereo(frames)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
}

func TestFileSourcePartialFillAtEOF(t *testing.T) {
	data := make([]byte, 8*3) // 3 full frames
	fs := NewFileSource(bytes.NewReader(data))
	frames := make([][2]int32, 5)
	n, err := fs.ReadStereo(frames)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
