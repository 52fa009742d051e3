package audio

import "math"

// Resampler converts mono PCM between a device rate and the canonical
// rate using a small windowed-sinc kernel. It is stateless across calls:
// frames are resampled independently, which is fine at 20 ms granularity.
type Resampler struct {
	inRate  int
	outRate int
	ratio   float64 // input samples per output sample
	taps    int
}

const resamplerTaps = 16

func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   float64(inRate) / float64(outRate),
		taps:    resamplerTaps,
	}
}

// OutLen reports the output length produced for n input samples.
func (r *Resampler) OutLen(n int) int {
	if r.inRate == r.outRate {
		return n
	}
	return int(math.Round(float64(n) * float64(r.outRate) / float64(r.inRate)))
}

// Process resamples one frame. When rates match the input is returned
// unchanged.
func (r *Resampler) Process(in []int16) []int16 {
	if r.inRate == r.outRate || len(in) == 0 {
		return in
	}

	// When downsampling, widen the kernel to act as the anti-alias filter.
	cutoff := 1.0
	if r.ratio > 1 {
		cutoff = 1 / r.ratio
	}

	out := make([]int16, r.OutLen(len(in)))
	half := r.taps / 2
	for i := range out {
		center := float64(i) * r.ratio
		base := int(math.Floor(center))

		var sum, weight float64
		for k := base - half + 1; k <= base+half; k++ {
			if k < 0 || k >= len(in) {
				continue
			}
			x := (float64(k) - center) * cutoff
			w := sinc(x) * hann(float64(k)-center, float64(half))
			sum += w * float64(in[k])
			weight += w
		}
		if weight != 0 {
			sum /= weight
		}
		out[i] = clampInt16(sum)
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// hann is the Hann window evaluated at offset d from center, zero outside
// ±half.
func hann(d, half float64) float64 {
	if d <= -half || d >= half {
		return 0
	}
	return 0.5 + 0.5*math.Cos(math.Pi*d/half)
}
