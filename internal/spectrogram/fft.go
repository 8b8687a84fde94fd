package spectrogram

import "math"

// fft computes the discrete Fourier transform of a real-valued signal via the
// Cooley-Tukey radix-2 algorithm. len(input) must be a power of two.
func fft(input []float64) []complex128 {
	c := make([]complex128, len(input))
	for i, v := range input {
		c[i] = complex(v, 0)
	}
	return recursiveFFT(c)
}

func recursiveFFT(a []complex128) []complex128 {
	n := len(a)
	if n <= 1 {
		return a
	}

	even := make([]complex128, n/2)
	odd := make([]complex128, n/2)
	for i := 0; i < n/2; i++ {
		even[i] = a[2*i]
		odd[i] = a[2*i+1]
	}

	even = recursiveFFT(even)
	odd = recursiveFFT(odd)

	out := make([]complex128, n)
	for k := 0; k < n/2; k++ {
		twiddle := complex(math.Cos(-2*math.Pi*float64(k)/float64(n)), math.Sin(-2*math.Pi*float64(k)/float64(n)))
		out[k] = even[k] + twiddle*odd[k]
		out[k+n/2] = even[k] - twiddle*odd[k]
	}

	return out
}
