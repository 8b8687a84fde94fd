// Package audio delivers fixed-rate mono PCM windows to the node loop from a
// PCMSource capability, following SPEC_FULL.md §4.A. The original firmware
// reads 32-bit stereo I2S frames directly off a driver; since the node target
// here is a Go process rather than firmware, the I2S driver is abstracted
// behind PCMSource with a simulated implementation (for tests/demos) and a
// raw-interleaved-file implementation (for bench-style replay).
package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
)

// ErrAudioUnavailable mirrors the original driver's transient read failure;
// callers retry at the enclosing loop rather than treating it as fatal.
var ErrAudioUnavailable = errors.New("audio: source unavailable")

const (
	softClipThreshold = 20000
	softClipDivisor   = 8
	hardClampMax      = 24000
)

// PCMSource delivers interleaved stereo int32 frames, one Read call per
// sub-read of up to the caller's requested length. Implementations must
// return (n, nil) with n < len(frames) only at end-of-stream.
type PCMSource interface {
	// ReadStereo fills frames with up to len(frames) stereo sample pairs,
	// returning the number filled. Blocks up to 100ms per sub-read in a real
	// driver; returns ErrAudioUnavailable on a hard driver failure.
	ReadStereo(frames [][2]int32) (int, error)
}

// Capture reads stereo frames from a PCMSource, selects the active channel
// once at startup, and converts to soft-clipped mono int16.
type Capture struct {
	src            PCMSource
	channelChosen  bool
	activeChannel  int
}

// NewCapture wraps a PCMSource.
func NewCapture(src PCMSource) *Capture {
	return &Capture{src: src}
}

// Read fills buffer with length mono int16 samples, zero-padding any
// shortfall from an underfilling driver. Returns false only when the driver
// reports ErrAudioUnavailable; a short read from end-of-stream still returns
// true with the tail zero-padded.
func (c *Capture) Read(buffer []int16, length int) (bool, error) {
	if length > len(buffer) {
		length = len(buffer)
	}
	frames := make([][2]int32, length)
	n, err := c.src.ReadStereo(frames)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAudioUnavailable, err)
	}

	if !c.channelChosen {
		c.activeChannel = detectActiveChannel(frames[:n])
		c.channelChosen = true
	}

	for i := 0; i < length; i++ {
		if i >= n {
			buffer[i] = 0
			continue
		}
		raw := frames[i][c.activeChannel]
		buffer[i] = toMono(raw)
	}
	return true, nil
}

// detectActiveChannel picks whichever channel has the larger running peak
// over the supplied chunk, matching the original firmware's one-shot
// channel-selection heuristic.
func detectActiveChannel(frames [][2]int32) int {
	var peak [2]int64
	for _, f := range frames {
		for ch := 0; ch < 2; ch++ {
			v := int64(f[ch])
			if v < 0 {
				v = -v
			}
			if v > peak[ch] {
				peak[ch] = v
			}
		}
	}
	if peak[1] > peak[0] {
		return 1
	}
	return 0
}

// toMono converts a 32-bit raw sample to 16-bit mono, applying the gain
// shift, soft-clip knee, and hard clamp from SPEC_FULL.md §4.A.
func toMono(raw int32) int16 {
	sample := raw >> 15

	abs := sample
	sign := int32(1)
	if abs < 0 {
		abs = -abs
		sign = -1
	}
	if abs > softClipThreshold {
		abs = softClipThreshold + (abs-softClipThreshold)/softClipDivisor
	}
	sample = sign * abs

	if sample > hardClampMax {
		sample = hardClampMax
	} else if sample < -hardClampMax {
		sample = -hardClampMax
	}
	return int16(sample)
}

// CorrectDC removes any DC offset from a mono window in place, so the mean
// over the window lies within the invariant band the spec requires.
func CorrectDC(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum int64
	for _, s := range samples {
		sum += int64(s)
	}
	mean := sum / int64(len(samples))
	if mean == 0 {
		return
	}
	for i, s := range samples {
		v := int64(s) - mean
		if v > hardClampMax {
			v = hardClampMax
		} else if v < -hardClampMax {
			v = -hardClampMax
		}
		samples[i] = int16(v)
	}
}

// SimulatedSource generates synthetic stereo frames: white noise, plus an
// optional injected chainsaw-like harmonic burst for anomaly-gate demos and
// tests.
type SimulatedSource struct {
	rng            *rand.Rand
	noiseAmplitude int32
	burst          *harmonicBurst
	sample         int
}

type harmonicBurst struct {
	fundamentalHz float64
	harmonics     int
	amplitude     int32
}

// NewSimulatedSource builds a white-noise source at the given seed.
func NewSimulatedSource(seed int64, noiseAmplitude int32) *SimulatedSource {
	return &SimulatedSource{
		rng:            rand.New(rand.NewSource(seed)),
		noiseAmplitude: noiseAmplitude,
	}
}

// InjectChainsawBurst arms a sustained multi-harmonic tone (approximating a
// chainsaw's broadband, harmonic-rich signature) added atop the noise floor
// for every subsequent ReadStereo call until cleared.
func (s *SimulatedSource) InjectChainsawBurst(fundamentalHz float64, harmonics int, amplitude int32) {
	s.burst = &harmonicBurst{fundamentalHz: fundamentalHz, harmonics: harmonics, amplitude: amplitude}
}

// ClearBurst removes any armed harmonic burst, reverting to plain noise.
func (s *SimulatedSource) ClearBurst() {
	s.burst = nil
}

const simulatedSampleRate = 16000

// ReadStereo implements PCMSource with synthetic audio.
func (s *SimulatedSource) ReadStereo(frames [][2]int32) (int, error) {
	for i := range frames {
		noise := int32(s.rng.NormFloat64() * float64(s.noiseAmplitude))
		var tone int32
		if s.burst != nil {
			t := float64(s.sample) / simulatedSampleRate
			for h := 1; h <= s.burst.harmonics; h++ {
				amp := float64(s.burst.amplitude) / float64(h)
				tone += int32(amp * math.Sin(2*math.Pi*s.burst.fundamentalHz*float64(h)*t))
			}
		}
		v := noise + tone
		frames[i][0] = v << 15
		frames[i][1] = v << 15
		s.sample++
	}
	return len(frames), nil
}

// FileSource reads raw interleaved int32 stereo frames from a file or pipe,
// for bench-style replay of captured audio.
type FileSource struct {
	r io.Reader
}

// NewFileSource wraps an io.Reader of little-endian interleaved int32 stereo samples.
func NewFileSource(r io.Reader) *FileSource {
	return &FileSource{r: r}
}

// OpenFileSource opens path and wraps it as a FileSource.
func OpenFileSource(path string) (*FileSource, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("audio: opening replay file: %w", err)
	}
	return NewFileSource(f), f, nil
}

// ReadStereo implements PCMSource by decoding raw bytes; a short read at
// end-of-file is reported as a partial fill, not an error.
func (f *FileSource) ReadStereo(frames [][2]int32) (int, error) {
	buf := make([]byte, 8)
	for i := range frames {
		if _, err := io.ReadFull(f.r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return i, nil
			}
			return i, err
		}
		frames[i][0] = int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
		frames[i][1] = int32(buf[4]) | int32(buf[5])<<8 | int32(buf[6])<<16 | int32(buf[7])<<24
	}
	return len(frames), nil
}
