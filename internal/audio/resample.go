package audio

// Resampler converts a source sample stream to a target rate by linear
// decimation. The fractional accumulator carries across calls so chunk
// boundaries introduce no drift, and stays valid no matter how the input
// is sliced.
type Resampler struct {
	ratio float64
	acc   float64
}

// NewResampler builds a resampler from sourceRate to targetRate. Rates
// must be positive; equal rates pass samples through untouched.
func NewResampler(sourceRate, targetRate float64) *Resampler {
	ratio := 1.0
	if sourceRate > 0 && targetRate > 0 {
		ratio = sourceRate / targetRate
	}
	return &Resampler{ratio: ratio}
}

// Process consumes source samples and returns the decimated output.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.ratio == 1.0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	out := make([]float32, 0, int(float64(len(in))/r.ratio)+1)
	step := 1.0 / r.ratio
	for _, s := range in {
		r.acc += step
		for r.acc >= 1.0 {
			out = append(out, s)
			r.acc -= 1.0
		}
	}
	return out
}

// Reset clears the fractional position. Call between capture sessions.
func (r *Resampler) Reset() {
	r.acc = 0
}
