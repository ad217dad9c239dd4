package audio

// MaxWaveformSamples bounds the amplitude samples kept per recording.
const MaxWaveformSamples = 50

// Downsample averages samples into at most max buckets, clamping each
// value to [0, 1].
func Downsample(samples []float64, max int) []float64 {
	if len(samples) == 0 || max <= 0 {
		return nil
	}
	if len(samples) <= max {
		out := make([]float64, len(samples))
		for i, s := range samples {
			out[i] = clamp(s)
		}
		return out
	}

	out := make([]float64, max)
	for i := range out {
		start := i * len(samples) / max
		end := (i + 1) * len(samples) / max
		var sum float64
		for _, s := range samples[start:end] {
			sum += clamp(s)
		}
		out[i] = sum / float64(end-start)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
