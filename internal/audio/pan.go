package audio

import "math"

// ChannelPans are the fixed stereo positions per channel: 0 hard left,
// 1 centre-left, 2 centre-right, 3 hard right. Virtual channels 4-7 sit
// at the position of their source bank.
var ChannelPans = [8]float64{-1.0, -0.33, 0.33, 1.0, -1.0, -0.33, 0.33, 1.0}

// PanMonoToStereo converts a mono buffer to interleaved stereo using the
// constant-power pan law: pan in [-1,1] maps to an angle in [0, pi/2],
// with L = cos(angle) and R = sin(angle), keeping perceived loudness even
// across the field. With panning disabled every voice sits at centre.
func PanMonoToStereo(mono []float32, pan float64, enablePanning bool) []float32 {
	angle := math.Pi / 4
	if enablePanning {
		if pan < -1 {
			pan = -1
		} else if pan > 1 {
			pan = 1
		}
		angle = (pan + 1.0) * math.Pi / 4.0
	}
	left := float32(math.Cos(angle))
	right := float32(math.Sin(angle))

	stereo := make([]float32, 2*len(mono))
	for i, s := range mono {
		stereo[2*i] = s * left
		stereo[2*i+1] = s * right
	}
	return stereo
}

// MapLinear maps value from [inMin, inMax] to [outMin, outMax], clamping
// the normalized input to [0,1]. Inverted output ranges (outMin > outMax)
// are valid and produce an inverse mapping.
func MapLinear(value, inMin, inMax, outMin, outMax float64) float64 {
	norm := (value - inMin) / (inMax - inMin)
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	return outMin + norm*(outMax-outMin)
}
